// Package httpmw provides the request pipeline stages and the transport
// middleware that wraps them.
//
// Stages run in a fixed order built by httpserver.NewHandler: cross-origin
// headers, security headers, development logging, rate limiting (package
// ratelimit), JSON body parsing, query-operator sanitization, script
// sanitization, duplicate parameter collapsing, arrival timestamp, and
// finally route dispatch with the not-found fallback.
//
// Transport middleware (recover, request ID, client IP, request logger,
// access log, trace headers) wraps the whole pipeline and never short-circuits
// a healthy request. User-supplied data (query values, bodies, user-agent) is
// kept out of structured logs to prevent PII leaks and log injection.
package httpmw
