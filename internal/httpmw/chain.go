package httpmw

import (
	"net/http"
)

// Middleware is the standard net/http wrapper.
type Middleware func(http.Handler) http.Handler

// Middlewares is an ordered stack, outermost first. Nil entries are skipped
// so optional layers can be listed inline.
type Middlewares []Middleware

func Stack(mws ...Middleware) Middlewares { return Middlewares(mws) }

// With returns a new stack with mws appended inside the receiver's layers.
// The receiver is not modified.
func (m Middlewares) With(mws ...Middleware) Middlewares {
	out := make(Middlewares, 0, len(m)+len(mws))
	out = append(out, m...)
	return append(out, mws...)
}

// Then wraps h so Stack(a, b).Then(h) serves as a(b(h)). A nil h is an
// assembly error and panics.
func (m Middlewares) Then(h http.Handler) http.Handler {
	if h == nil {
		panic("httpmw: Then called with nil handler")
	}
	for i := len(m) - 1; i >= 0; i-- {
		if m[i] != nil {
			h = m[i](h)
		}
	}
	return h
}
