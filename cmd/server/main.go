package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/apiserver/internal/apperror"
	"github.com/keithlinneman/apiserver/internal/cfg"
	"github.com/keithlinneman/apiserver/internal/database"
	"github.com/keithlinneman/apiserver/internal/health"
	"github.com/keithlinneman/apiserver/internal/healthhttp"
	"github.com/keithlinneman/apiserver/internal/httpmw"
	"github.com/keithlinneman/apiserver/internal/httpserver"
	"github.com/keithlinneman/apiserver/internal/log"
	"github.com/keithlinneman/apiserver/internal/metrics"
	"github.com/keithlinneman/apiserver/internal/opshttp"
	"github.com/keithlinneman/apiserver/internal/otelx"
	"github.com/keithlinneman/apiserver/internal/pipeline"
	"github.com/keithlinneman/apiserver/internal/prof"
	"github.com/keithlinneman/apiserver/internal/ratelimit"
	"github.com/keithlinneman/apiserver/internal/secrets"
	"github.com/keithlinneman/apiserver/internal/supervisor"
	v "github.com/keithlinneman/apiserver/internal/version"
	"github.com/keithlinneman/apiserver/internal/xerrors"
)

func main() {
	m := metrics.New()

	// crash handlers go in first, before config and logging exist
	sup := supervisor.New(supervisor.Options{
		OnStateChange: func(s supervisor.State) { m.SetProcessState(s.String()) },
		OnFatal:       func(s supervisor.Strategy) { m.IncFatal(s.String()) },
	})
	defer sup.Recover()

	ctx, stop := sup.Install(context.Background())
	defer stop()

	os.Exit(run(ctx, sup, m))
}

func run(ctx context.Context, sup *supervisor.Supervisor, m *metrics.ServerMetrics) int {
	vi := v.Get()

	var conf cfg.App
	var showVersion bool
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			v.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return 0
	}

	stderrf := func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}

	// the config file only fills env vars that are not already set, so
	// precedence stays cli flag > env > file > default
	var resolver *secrets.Resolver
	getResolver := func() (*secrets.Resolver, error) {
		if resolver != nil {
			return resolver, nil
		}
		r, err := secrets.NewResolver(ctx, log.Nop())
		if err != nil {
			return nil, err
		}
		resolver = r
		return r, nil
	}
	configFile := cfg.ConfigFilePath(flag.CommandLine, "")
	fetch := func(ctx context.Context, uri string) ([]byte, error) {
		r, err := getResolver()
		if err != nil {
			return nil, err
		}
		return r.FetchObject(ctx, uri)
	}
	loaded, err := cfg.LoadFile(ctx, configFile, fetch)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config file error:", err)
		return 1
	}

	cfg.FillFromEnv(flag.CommandLine, "", stderrf)

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 1
	}

	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		return 1
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		return 1
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		BuildId:           vi.BuildId,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSON:              conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		return 1
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)
	sup.SetLogger(L)
	sup.SetDrainTimeout(conf.DrainTimeout)

	development := conf.NodeEnv == "development"
	L.Info(ctx, "initializing application", append(vi.LogFields(),
		"node_env", conf.NodeEnv,
		"port", conf.Port,
		"admin_port", conf.AdminPort,
		"config_file", configFile,
		"config_file_loaded", loaded,
		"database", database.RedactURI(conf.Database),
		"rate_limit_max", conf.RateLimitMax,
		"rate_limit_window", conf.RateLimitWindow,
		"body_limit", conf.BodyLimit,
		"drain_timeout", conf.DrainTimeout,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
	)...)

	m.SetBuildInfoFromVersion(v.AppName, "server", vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags:          prof.VersionTags(vi),
		OnActive:      m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// collector runs on localhost, plaintext is fine
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	// crashed: exit without waiting on exporters or the ops listener
	defer func() {
		if !sup.Graceful() {
			return
		}
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTEL(sctx); err != nil {
			L.Error(context.Background(), err, "otel shutdown")
		}
	}()

	password := conf.DatabasePassword
	if secrets.IsReference(password) {
		r, err := getResolver()
		if err == nil {
			password, err = r.Resolve(ctx, password)
		}
		if err != nil {
			L.Error(ctx, err, "failed to resolve database password")
			return 1
		}
	}
	uri, err := database.BuildURI(conf.Database, password)
	if err != nil {
		L.Error(ctx, err, "invalid database connection string")
		return 1
	}

	limiter := ratelimit.New(ctx,
		ratelimit.WithLimit(conf.RateLimitMax, conf.RateLimitWindow),
		ratelimit.WithOnDenied(func(ip string) { m.IncRateLimitDenied() }),
		// logged once per ip until its window is evicted
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, new visitors are not counted until some are evicted")
		}),
	)

	// set by Connect, read by probes on other goroutines
	var db atomic.Pointer[database.Client]
	readiness := health.All(
		sup.Ready(),
		health.CheckFunc(func(ctx context.Context) error {
			return health.Ping("database", db.Load(), 2*time.Second)(ctx)
		}),
	)

	opsStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       sup.Live(),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		Go: func(name string, serve func() error) {
			sup.Go(ctx, name, func(context.Context) error { return serve() })
		},
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return 1
	}
	defer func() {
		if !sup.Graceful() {
			return
		}
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := opsStop(sctx); err != nil {
			L.Error(context.Background(), err, "ops http server shutdown")
		}
	}()

	lc := supervisor.Lifecycle{
		Connect: func(ctx context.Context) (supervisor.Closer, error) {
			c, err := database.Connect(ctx, database.Options{
				URI:           uri,
				Timeout:       conf.DatabaseConnectTimeout,
				AppName:       v.AppName,
				Logger:        L,
				OnStateChange: m.SetDatabaseConnected,
			})
			if err != nil {
				return nil, err
			}
			db.Store(c)
			return c.Close, nil
		},
		Listen: func(ctx context.Context) (supervisor.Listener, error) {
			ln, err := httpserver.Start(ctx, httpserver.Options{
				Logger:          L,
				Port:            conf.Port,
				Env:             conf.NodeEnv,
				Reporter:        newReporter(development, m),
				CORSOrigins:     cfg.SplitList(conf.CORSOrigins),
				Limiter:         limiter,
				RateLimitPrefix: conf.RateLimitPrefix,
				BodyLimit:       conf.BodyLimit,
				HPPWhitelist:    cfg.SplitList(conf.HPPWhitelist),
				ClientIPOpts:    httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
				OnSanitize:      func(string) { m.IncSanitized() },
				Routes: []httpserver.RouteRegistrar{
					healthhttp.NewAPI(sup.Live(), readiness),
				},
				UseRecoverMW: true,
				OnPanic:      m.IncHttpPanic,
				MetricsMW:    m.Middleware,
				OnShortCircuit: func(stage string, kind pipeline.Kind) {
					m.IncShortCircuit(stage, kind.String())
				},
				OnNotFound: m.IncNotFound,
			})
			if err != nil {
				return supervisor.Listener{}, err
			}
			if err := notifySystemd(); err != nil {
				// worst case systemd kills us after its start timeout
				L.Debug(ctx, "systemd notify skipped", "reason", err.Error())
			}
			return supervisor.Listener{Done: ln.Done, Stop: ln.Stop}, nil
		},
	}

	return sup.Run(ctx, lc)
}

func newReporter(development bool, m *metrics.ServerMetrics) apperror.Reporter {
	return &apperror.JSONReporter{
		Development: development,
		OnReport: func(err *apperror.Error) {
			m.IncErrorReported(err.StatusCode, err.IsOperational)
		},
	}
}

// notifySystemd sends READY=1 when started under systemd with Type=notify.
func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return xerrors.New("NOTIFY_SOCKET not set")
	}
	if strings.HasPrefix(addr, "@") {
		// abstract namespace socket
		addr = "\x00" + addr[1:]
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return xerrors.Wrap(err, "systemd notify dial")
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return xerrors.Wrap(err, "systemd notify write")
	}
	return nil
}
