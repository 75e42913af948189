package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"
)

type requestKey struct{}

// Request is the per-request record every stage reads and mutates. It lives
// from the moment the pipeline receives the request until the response is
// written, and is never shared between requests.
type Request struct {
	Method string
	Path   string
	// Query is parsed once from the URL and rewritten in place by stages.
	Query url.Values
	// QueryPolluted holds every value of a parameter that was collapsed.
	QueryPolluted url.Values
	Header        http.Header
	// Body is the decoded JSON payload, nil when the request carried none.
	Body any
	// RequestTime is the ISO-8601 arrival timestamp.
	RequestTime string

	r      *http.Request
	w      *statusWriter
	start  time.Time
	finish []func(Result)
}

// Result describes a completed response, passed to finish hooks.
type Result struct {
	Status   int
	Bytes    int64
	Duration time.Duration
}

func newRequest(w *statusWriter, r *http.Request, start time.Time) *Request {
	q := &Request{
		Method:        r.Method,
		Path:          r.URL.Path,
		Query:         r.URL.Query(),
		QueryPolluted: url.Values{},
		Header:        r.Header,
		w:             w,
		start:         start,
	}
	q.r = r.WithContext(WithRequest(r.Context(), q))
	return q
}

// WithRequest stores q in ctx.
func WithRequest(ctx context.Context, q *Request) context.Context {
	return context.WithValue(ctx, requestKey{}, q)
}

// FromContext returns the pipeline record for the current request, or nil
// when the request did not pass through a pipeline.
func FromContext(ctx context.Context) *Request {
	q, _ := ctx.Value(requestKey{}).(*Request)
	return q
}

// HTTP returns the underlying request. Its context carries q.
func (q *Request) HTTP() *http.Request { return q.r }

// Context is shorthand for q.HTTP().Context().
func (q *Request) Context() context.Context { return q.r.Context() }

// WithContext replaces the request context, keeping q reachable from it.
func (q *Request) WithContext(ctx context.Context) {
	q.r = q.r.WithContext(WithRequest(ctx, q))
}

// ResponseWriter is the writer the final response goes to.
func (q *Request) ResponseWriter() http.ResponseWriter { return q.w }

// ResponseHeader is shorthand for q.ResponseWriter().Header().
func (q *Request) ResponseHeader() http.Header { return q.w.Header() }

// URI is the request target as received, path plus raw query.
func (q *Request) URI() string { return q.r.URL.RequestURI() }

// SetRequestTime stamps the arrival time. Only the first call has an effect.
func (q *Request) SetRequestTime(ts string) bool {
	if q.RequestTime != "" {
		return false
	}
	q.RequestTime = ts
	return true
}

// OnFinish registers fn to run once the response has been written.
func (q *Request) OnFinish(fn func(Result)) {
	q.finish = append(q.finish, fn)
}

// Sync writes the mutated query and body back onto the underlying request so
// handlers that read the *http.Request directly see the rewritten values.
func (q *Request) Sync() error {
	q.r.URL.RawQuery = q.Query.Encode()
	if q.Body == nil {
		return nil
	}
	b, err := json.Marshal(q.Body)
	if err != nil {
		return err
	}
	q.r.Body = io.NopCloser(bytes.NewReader(b))
	q.r.ContentLength = int64(len(b))
	return nil
}

func (q *Request) finished() {
	res := Result{
		Status:   q.w.statusOrDefault(),
		Bytes:    q.w.bytes,
		Duration: time.Since(q.start),
	}
	for _, fn := range q.finish {
		fn(res)
	}
}

// statusWriter records the status and size of the response.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusWriter) statusOrDefault() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}
