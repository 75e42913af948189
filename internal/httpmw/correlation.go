package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Trace and span id response headers.
const (
	TraceIDHeader = "X-Trace-Id"
	SpanIDHeader  = "X-Span-Id"
)

// Correlate ties the three ids a client can quote together. The request
// span gets the request id as an attribute, and the response carries the
// trace and span ids next to X-Request-Id. Without a valid span it only
// passes through. Mount it inside both RequestID and the tracing handler.
func Correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		span := trace.SpanFromContext(r.Context())
		if sc := span.SpanContext(); sc.IsValid() {
			if id := RequestIDFromContext(r.Context()); id != "" {
				span.SetAttributes(attribute.String("http.request.id", id))
			}
			h := w.Header()
			h.Set(TraceIDHeader, sc.TraceID().String())
			h.Set(SpanIDHeader, sc.SpanID().String())
		}
		next.ServeHTTP(w, r)
	})
}
