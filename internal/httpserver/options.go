package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/apiserver/internal/apperror"
	"github.com/keithlinneman/apiserver/internal/httpmw"
	"github.com/keithlinneman/apiserver/internal/log"
	"github.com/keithlinneman/apiserver/internal/pipeline"
	"github.com/keithlinneman/apiserver/internal/ratelimit"
)

// RouteRegistrar mounts real routes on the router behind the pipeline.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// RouteFunc adapts a plain function into a RouteRegistrar.
type RouteFunc func(r chi.Router)

func (f RouteFunc) RegisterRoutes(r chi.Router) { f(r) }

type Options struct {
	Logger log.Logger
	Port   int
	// Env is NODE_ENV; "development" enables the dev log stage and verbose errors.
	Env string
	// Reporter renders every pipeline failure. Defaults to a JSONReporter for Env.
	Reporter apperror.Reporter

	CORSOrigins []string

	// Limiter is nil to disable rate limiting.
	Limiter          *ratelimit.IPLimiter
	RateLimitPrefix  string
	RateLimitMessage string

	BodyLimit    int64
	HPPWhitelist []string
	ClientIPOpts httpmw.ClientIPOptions
	// OnSanitize is called for every query/body key the injection sanitizer rewrites.
	OnSanitize func(key string)
	// Now stamps request times, time.Now when nil.
	Now func() time.Time

	Routes []RouteRegistrar

	UseRecoverMW   bool
	OnPanic        func() // called after a recovered panic, e.g. to bump a prometheus counter
	MetricsMW      func(http.Handler) http.Handler
	OnShortCircuit func(stage string, kind pipeline.Kind)
	// OnNotFound is called when a request matched no route.
	OnNotFound func()
}
