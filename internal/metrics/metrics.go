package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/apiserver/internal/version"
)

type ServerMetrics struct {
	reg                    *prometheus.Registry
	handler                http.Handler
	inflight               prometheus.Gauge
	reqTotal               *prometheus.CounterVec
	reqDur                 *prometheus.HistogramVec
	respBytes              *prometheus.HistogramVec
	httpPanicTotal         prometheus.Counter
	buildInfo              *prometheus.GaugeVec
	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	errorsTotal *prometheus.CounterVec

	// pipeline
	shortCircuitTotal *prometheus.CounterVec
	notFoundTotal     prometheus.Counter
	reportedTotal     *prometheus.CounterVec
	sanitizedTotal    prometheus.Counter

	// process
	processState    *prometheus.GaugeVec
	fatalTotal      *prometheus.CounterVec
	databaseUp      prometheus.Gauge
	profilingActive prometheus.Gauge
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times rate limiter capacity reached",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		shortCircuitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_short_circuits_total",
			Help: "Requests ended early by a pipeline stage, by stage and outcome kind",
		}, []string{"stage", "kind"}),
		notFoundTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_not_found_total",
			Help: "Requests no route consumed",
		}),
		reportedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_errors_reported_total",
			Help: "Typed errors rendered to clients by status code and operational flag",
		}, []string{"code", "operational"}),
		sanitizedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_sanitized_keys_total",
			Help: "Input keys rewritten to neutralise query operators",
		}),
		processState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "process_lifecycle_state",
			Help: "Current supervisor state (label carries value, gauge is always 1)",
		}, []string{"state"}),
		fatalTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "process_fatal_errors_total",
			Help: "Fatal errors handed to the supervisor by shutdown strategy",
		}, []string{"strategy"}),
		databaseUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "database_connected",
			Help: "Whether the database connection is established (1) or not (0)",
		}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.errorsTotal,
		m.shortCircuitTotal,
		m.notFoundTotal,
		m.reportedTotal,
		m.sanitizedTotal,
		m.processState,
		m.fatalTotal,
		m.databaseUp,
		m.profilingActive,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

// IncShortCircuit matches pipeline.WithShortCircuitHook once kind is
// stringified by the caller.
func (m *ServerMetrics) IncShortCircuit(stage, kind string) {
	m.shortCircuitTotal.WithLabelValues(stage, kind).Inc()
}

func (m *ServerMetrics) IncNotFound() {
	m.notFoundTotal.Inc()
}

func (m *ServerMetrics) IncErrorReported(code int, operational bool) {
	m.reportedTotal.WithLabelValues(strconv.Itoa(code), strconv.FormatBool(operational)).Inc()
}

func (m *ServerMetrics) IncSanitized() {
	m.sanitizedTotal.Inc()
}

// SetProcessState keeps exactly one state label set.
func (m *ServerMetrics) SetProcessState(state string) {
	m.processState.Reset()
	m.processState.WithLabelValues(state).Set(1)
}

func (m *ServerMetrics) IncFatal(strategy string) {
	m.fatalTotal.WithLabelValues(strategy).Inc()
}

func (m *ServerMetrics) SetDatabaseConnected(up bool) {
	if up {
		m.databaseUp.Set(1)
	} else {
		m.databaseUp.Set(0)
	}
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}
