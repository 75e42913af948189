package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/apiserver/internal/apperror"
	"github.com/keithlinneman/apiserver/internal/httpmw"
	"github.com/keithlinneman/apiserver/internal/log"
	"github.com/keithlinneman/apiserver/internal/pipeline"
	"github.com/keithlinneman/apiserver/internal/xerrors"
)

// DefaultPort is used when Options.Port is zero.
const DefaultPort = 8000

// NewRouter builds the chi router that serves matched requests at the end of
// the pipeline. Unmatched requests never reach it through Dispatch.
func NewRouter(opts Options, reporter apperror.Reporter) *chi.Mux {
	r := chi.NewRouter()

	// Compress JSON responses
	r.Use(middleware.Compress(5, "application/json", "text/plain"))

	// Rename span after the chi route pattern once the route is known
	r.Use(httpmw.AnnotateHTTPRoute)

	for _, rr := range opts.Routes {
		if rr != nil {
			rr.RegisterRoutes(r)
		}
	}

	r.NotFound(notFoundHandler(reporter))
	r.MethodNotAllowed(notFoundHandler(reporter))
	return r
}

// NewPipeline returns the request pipeline with the router as its last stage.
func NewPipeline(opts Options) *pipeline.Pipeline {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = &apperror.JSONReporter{Development: opts.Env == httpmw.EnvDevelopment}
	}
	router := NewRouter(opts, reporter)

	var popts []pipeline.Option
	if opts.OnShortCircuit != nil {
		popts = append(popts, pipeline.WithShortCircuitHook(opts.OnShortCircuit))
	}
	return pipeline.New(reporter, Stages(opts, router), popts...)
}

// NewHandler builds the full HTTP handler: transport middleware around the
// pipeline. main() owns *http.Server so it can do graceful shutdown.
func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = &apperror.JSONReporter{Development: opts.Env == httpmw.EnvDevelopment}
		opts.Reporter = reporter
	}

	var recoverMW func(http.Handler) http.Handler
	if opts.UseRecoverMW {
		recoverMW = httpmw.Recover(opts.Logger, reporter, opts.OnPanic)
	}

	tracing := func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(
			next,
			"http.server",
			otelhttp.WithFilter(func(r *http.Request) bool {
				// dont trace health checks
				return r.URL.Path != "/-/ping" && r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
			}),
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				// AnnotateHTTPRoute renames the span to the route pattern later
				return r.Method + " " + r.URL.Path
			}),
			otelhttp.WithPublicEndpointFn(func(r *http.Request) bool { return true }),
		)
	}

	// outermost first
	return httpmw.Stack(
		httpmw.RequestID("X-Request-Id"),
		recoverMW,
		httpmw.ClientIP(opts.ClientIPOpts),
		httpmw.WithRouteContext,
		tracing,
		httpmw.Correlate,
		opts.MetricsMW,
		httpmw.WithLogger(opts.Logger),
		httpmw.AccessLog("/-/ping", "/-/healthy", "/-/ready"),
	).Then(NewPipeline(opts))
}

// Server timeout defaults, shared with opshttp.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Listener is a started public server.
type Listener struct {
	// Addr is the bound address, useful when Port was 0 in tests.
	Addr net.Addr
	// Done receives the Serve error once, if serving fails for any reason
	// other than shutdown.
	Done <-chan error
	// Stop drains in-flight requests, bounded by the context deadline.
	Stop func(context.Context) error
}

// Start public HTTP server on opts.Port (DefaultPort when zero; -1 picks a
// free port). Returns a Listener for graceful shutdown.
func Start(ctx context.Context, opts Options) (*Listener, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	port := opts.Port
	switch {
	case port == 0:
		port = DefaultPort
	case port < 0:
		port = 0
	}
	addr := fmt.Sprintf(":%d", port)

	handler := NewHandler(opts)
	srv := NewServer(addr, handler)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "could not listen on addr=%v", addr)
	}

	done := make(chan error, 1)
	go func() {
		opts.Logger.Info(ctx, "http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			opts.Logger.Error(ctx, err, "http server error")
			done <- xerrors.Wrap(err, "http server")
		}
		close(done)
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			opts.Logger.Info(sctx, "http server shutting down")
			retErr = srv.Shutdown(sctx)
		})
		return retErr
	}
	return &Listener{Addr: ln.Addr(), Done: done, Stop: stop}, nil
}
