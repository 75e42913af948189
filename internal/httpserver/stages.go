package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/apiserver/internal/apperror"
	"github.com/keithlinneman/apiserver/internal/httpmw"
	"github.com/keithlinneman/apiserver/internal/pipeline"
)

// Stage names in execution order. Dispatch is always last.
const (
	StageCORS           = "cors"
	StageSecurityHeader = "security-headers"
	StageDevLog         = "dev-log"
	StageRateLimit      = "rate-limit"
	StageJSONBody       = "json-body"
	StageQuerySanitize  = "query-sanitize"
	StageScriptSanitize = "script-sanitize"
	StageParamDedupe    = "param-dedupe"
	StageTimestamp      = "timestamp"
	StageDispatch       = "dispatch"
)

// Stages returns the fixed stage list for opts, router dispatch last.
// Disabled stages keep their slot with a nil Run so positions never shift.
//
// The order matters: the limiter runs before the body is read so rejected
// clients cost nothing, and both sanitizers run after parsing but before any
// route sees the data.
func Stages(opts Options, router *chi.Mux) []pipeline.Stage {
	rateLimit := pipeline.Stage{Name: StageRateLimit}
	if opts.Limiter != nil {
		rateLimit = opts.Limiter.Stage(opts.RateLimitPrefix, opts.RateLimitMessage)
	}

	var onSanitize func(*pipeline.Request, string)
	if opts.OnSanitize != nil {
		onSanitize = func(_ *pipeline.Request, key string) { opts.OnSanitize(key) }
	}

	return []pipeline.Stage{
		httpmw.CORS(opts.CORSOrigins),
		httpmw.SecureHeaders(),
		httpmw.DevLogger(opts.Env, opts.Logger),
		rateLimit,
		httpmw.JSONBody(opts.BodyLimit),
		httpmw.QuerySanitizer(httpmw.QuerySanitizerOptions{OnSanitize: onSanitize}),
		httpmw.ScriptSanitizer(),
		httpmw.ParamDedupe(opts.HPPWhitelist),
		httpmw.Timestamp(opts.Now),
		Dispatch(router, opts.OnNotFound),
	}
}

// Dispatch hands requests that match a registered route to router. Anything
// else, including a known path with the wrong method, fails with a 404 naming
// the requested URI.
func Dispatch(router *chi.Mux, onNotFound func()) pipeline.Stage {
	return pipeline.Stage{
		Name: StageDispatch,
		Run: func(q *pipeline.Request) pipeline.Outcome {
			if router == nil || !router.Match(chi.NewRouteContext(), q.Method, q.Path) {
				if onNotFound != nil {
					onNotFound()
				}
				return pipeline.Fail(apperror.NotFound(q.URI()))
			}
			if err := q.Sync(); err != nil {
				return pipeline.Fail(apperror.Internal(err))
			}
			return pipeline.Respond(router)
		},
	}
}

// notFoundHandler reports through the pipeline's reporter for requests the
// router itself rejects after Dispatch matched them.
func notFoundHandler(reporter apperror.Reporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reporter.Report(w, r, apperror.NotFound(r.URL.RequestURI()))
	}
}
