package httpmw

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/apiserver/internal/apperror"
	"github.com/keithlinneman/apiserver/internal/log"
)

// Recover turns a handler panic into a 500 rendered by reporter, logs it
// with the stack and calls onPanic (e.g. a metrics counter). A nil reporter
// falls back to http.Error. http.ErrAbortHandler is re-raised so net/http
// can abort the connection as intended.
func Recover(L log.Logger, reporter apperror.Reporter, onPanic func()) func(http.Handler) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				err, ok := rec.(error)
				if !ok {
					err = fmt.Errorf("panic: %v", rec)
				}
				L.With(
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
					"stack", string(debug.Stack()),
				).Error(r.Context(), err, "httpserver panic recovered")

				if onPanic != nil {
					onPanic()
				}

				if reporter == nil {
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				reporter.Report(w, r, apperror.Internal(err))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
