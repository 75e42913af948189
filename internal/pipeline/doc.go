// Package pipeline runs an ordered list of stages over a per-request record.
//
// Each stage returns an Outcome: Continue hands the request on, Respond ends
// the pipeline with a response the stage supplies, and Fail ends it with a
// typed error that is passed to the error reporter. The driver folds the list
// left to right and stops at the first outcome that is not Continue, so a
// stage never runs for a request an earlier stage already answered.
//
// Mutation of a Request is confined to the goroutine serving it; the only
// state shared across requests lives inside individual stages (rate limit
// counters) and must be safe for concurrent use there.
package pipeline
