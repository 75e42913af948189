// Package opshttp serves the admin listener: probes, prometheus metrics and
// pprof. It is meant for internal monitoring only and refuses public peers.
package opshttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/keithlinneman/apiserver/internal/health"
	"github.com/keithlinneman/apiserver/internal/httpmw"
	"github.com/keithlinneman/apiserver/internal/log"
	"github.com/keithlinneman/apiserver/internal/xerrors"
)

const DefaultPort = 9000

// NewHandler builds the admin handler. Routes: /healthz, /readyz and their
// /-/healthy, /-/ready aliases, /metrics when set, /debug/pprof/ when enabled.
func NewHandler(L log.Logger, opts *Options) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	if opts == nil {
		opts = &Options{}
	}

	mux := http.NewServeMux()
	live := health.HealthzHandler(opts.Health)
	ready := health.ReadyzHandler(opts.Readiness)
	for _, p := range []string{"/healthz", "/-/healthy"} {
		mux.Handle(p, live)
	}
	for _, p := range []string{"/readyz", "/-/ready"} {
		mux.Handle(p, ready)
	}
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}
	if opts.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		// shadow so the path does not fall through to another handler
		mux.Handle("/debug/pprof/", http.NotFoundHandler())
	}

	var recoverMW httpmw.Middleware
	if opts.UseRecoverMW {
		recoverMW = httpmw.Recover(L, nil, opts.OnPanic)
	}
	return httpmw.Stack(recoverMW, httpmw.SecurityHeaders).Then(internalOnly(L, mux))
}

// Start listens on opts.Port (DefaultPort when 0) and returns stop(ctx).
func Start(ctx context.Context, L log.Logger, opts *Options) (func(context.Context) error, error) {
	if L == nil {
		L = log.Nop()
	}
	if opts == nil {
		opts = &Options{}
	}
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := fmt.Sprintf(":%d", port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           NewHandler(L, opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// cpu profiles stream for up to 30s
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "could not listen for admin port on addr=%v", addr)
	}

	serve := func() error {
		L.Info(ctx, "ops http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			L.Error(ctx, err, "ops http server error")
			return xerrors.Wrap(err, "ops http server")
		}
		return nil
	}
	if opts.Go != nil {
		opts.Go("ops-http", serve)
	} else {
		go func() { _ = serve() }()
	}

	var once sync.Once
	return func(sctx context.Context) (err error) {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			err = srv.Shutdown(c)
		})
		return err
	}, nil
}

// internalOnly answers 403 to peers outside loopback, private and
// link-local ranges, and to anything that came through a proxy.
func internalOnly(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reason := rejectReason(r); reason != "" {
			L.Warn(r.Context(), "ops request rejected",
				"reason", reason,
				"remote_addr", r.RemoteAddr,
				"url.path", r.URL.Path,
			)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rejectReason(r *http.Request) string {
	if r.Header.Get("X-Forwarded-For") != "" {
		return "forwarded"
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "unparseable remote addr"
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "invalid remote ip"
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	if !(ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()) {
		return "public network"
	}
	return ""
}
