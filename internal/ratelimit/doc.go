// Package ratelimit is a per-client fixed-window request limiter.
//
// Each client address gets a counter that opens on its first request and
// admits up to the configured maximum until the window elapses. The state is
// in-memory and per-process; running several instances multiplies the
// effective limit.
//
// What this does protect against:
//   - a single client hammering the API
//   - log spam from a flooding client, only the first denial per window is logged
//
// What this does NOT protect against:
//   - distributed attacks across many addresses
//   - bandwidth, the request has already been read by the time this runs
package ratelimit
