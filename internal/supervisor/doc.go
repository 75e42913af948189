// Package supervisor owns the process lifecycle: it connects the database,
// starts the listener and decides how the process ends.
//
// Two crash handlers feed a single fatal channel. HandleUncaught is for
// panics outside request handlers and ends the process at once without
// draining. HandleUnhandled is for errors nobody was waiting on (a failed
// background goroutine, a listener that stopped serving) and drains in-flight
// requests before exiting. Only the first fatal error is acted on.
//
//	Uninitialized -> ConnectingDB -> Listening -> ShuttingDown | Crashed
package supervisor
