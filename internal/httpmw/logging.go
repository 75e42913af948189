package httpmw

import (
	"bufio"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/apiserver/internal/log"
	"github.com/keithlinneman/apiserver/internal/xerrors"
)

// accessRecorder remembers the first status and counts body bytes.
type accessRecorder struct {
	http.ResponseWriter
	status int
	n      int64
}

func (a *accessRecorder) WriteHeader(code int) {
	if a.status == 0 {
		a.status = code
	}
	a.ResponseWriter.WriteHeader(code)
}

func (a *accessRecorder) Write(b []byte) (int, error) {
	if a.status == 0 {
		a.status = http.StatusOK
	}
	n, err := a.ResponseWriter.Write(b)
	a.n += int64(n)
	return n, err
}

func (a *accessRecorder) Flush() {
	if f, ok := a.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (a *accessRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := a.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, xerrors.New("response writer cannot hijack")
}

func (a *accessRecorder) Unwrap() http.ResponseWriter { return a.ResponseWriter }

func (a *accessRecorder) code() int {
	if a.status == 0 {
		return http.StatusOK
	}
	return a.status
}

// requestFields are the per-request log keys, named after the otel http
// semantic conventions so logs and spans line up.
func requestFields(r *http.Request) []any {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	client := ClientIPFromContext(r.Context())
	if client == "" {
		client = peer
	}
	kv := []any{
		"request_id", RequestIDFromContext(r.Context()),
		"client.address", client,
		"network.peer.address", peer,
		"server.address", r.Host,
		"http.request.method", r.Method,
		"url.path", r.URL.Path,
		"url.scheme", schemeFromRequest(r),
	}
	if r.URL.RawQuery != "" {
		kv = append(kv, "url.query", r.URL.RawQuery)
	}
	return kv
}

// WithLogger puts base, enriched with requestFields, in the request context
// and copies the string fields onto the active span.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			kv := requestFields(r)

			if span := trace.SpanFromContext(r.Context()); span.SpanContext().IsValid() {
				attrs := make([]attribute.KeyValue, 0, len(kv)/2)
				for i := 0; i+1 < len(kv); i += 2 {
					k, _ := kv[i].(string)
					v, _ := kv[i+1].(string)
					attrs = append(attrs, attribute.String(k, v))
				}
				span.SetAttributes(attrs...)
			}

			ctx := log.WithContext(r.Context(), base.With(kv...))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AccessLog writes one line per finished request using the context logger.
// Requests to skipPaths are served but not logged.
func AccessLog(skipPaths ...string) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &accessRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			if skip[r.URL.Path] {
				return
			}
			reqBytes := r.ContentLength
			if reqBytes < 0 {
				reqBytes = 0
			}
			ctx := r.Context()
			log.FromContext(ctx).Info(ctx, "http request",
				"http.route", RoutePattern(r),
				"http.response.status_code", rec.code(),
				"http.response.body.size", rec.n,
				"http.request.body.size", reqBytes,
				"http.server.request.duration", time.Since(start).Seconds(),
			)
		})
	}
}

// schemeFromRequest honours X-Forwarded-Proto; ClientIP strips it from
// requests that did not come through a trusted proxy.
func schemeFromRequest(r *http.Request) string {
	proto, _, _ := strings.Cut(r.Header.Get("X-Forwarded-Proto"), ",")
	switch p := strings.ToLower(strings.TrimSpace(proto)); p {
	case "http", "https":
		return p
	}
	switch {
	case r.URL != nil && r.URL.Scheme != "":
		return r.URL.Scheme
	case r.TLS != nil:
		return "https"
	}
	return "http"
}
