package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/georgemihalcea/ldapcheck/internal/version"
)

// ListenerStates are the values of the "state" label on ldapcheck_listener_state.
var ListenerStates = []string{"binding", "listening", "accepting", "stopped"}

type ProbeMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// ops listener
	opsInflight prometheus.Gauge
	opsReqTotal *prometheus.CounterVec
	opsReqDur   *prometheus.HistogramVec

	connsAccepted *prometheus.CounterVec
	reqTotal      *prometheus.CounterVec
	inflight      *prometheus.GaugeVec
	probeTotal    *prometheus.CounterVec
	probeDur      *prometheus.HistogramVec
	bindFailures  *prometheus.CounterVec
	acceptErrors  *prometheus.CounterVec
	writeErrors   *prometheus.CounterVec
	listenerState *prometheus.GaugeVec
	panicTotal    prometheus.Counter
	rateLimited   prometheus.Counter
	rateLimitFull prometheus.Counter
	buildInfo     *prometheus.GaugeVec
	profiling     prometheus.Gauge
	lastProbeOK   *prometheus.GaugeVec
}

// New returns a fresh registry with the Go/process collectors and the probe
// metrics. Labels are bounded: listener name, probe mode, result.
func New() *ProbeMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ProbeMetrics{
		opsInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ops_http_inflight_requests",
			Help: "Current number of in-flight requests on the ops listener",
		}),
		opsReqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ops_http_requests_total",
			Help: "Total ops listener requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		opsReqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ops_http_request_duration_seconds",
			Help:    "Ops listener request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method", "route"}),
		connsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ldapcheck_connections_accepted_total",
			Help: "Total accepted health-check connections by listener",
		}, []string{"listener"}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ldapcheck_requests_total",
			Help: "Total health-check requests by listener and result",
		}, []string{"listener", "result"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ldapcheck_inflight_requests",
			Help: "Current number of running connection handlers by listener",
		}, []string{"listener"}),
		probeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ldapcheck_probes_total",
			Help: "Total directory probes by mode (ldaps, starttls) and outcome",
		}, []string{"mode", "outcome"}),
		probeDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ldapcheck_probe_duration_seconds",
			Help:    "Directory probe latency (dial, TLS, bind) by mode",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"mode"}),
		bindFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ldapcheck_listen_failures_total",
			Help: "Total failed attempts to bind a listening socket by listener",
		}, []string{"listener"}),
		acceptErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ldapcheck_accept_errors_total",
			Help: "Total accept errors by listener",
		}, []string{"listener"}),
		writeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ldapcheck_write_errors_total",
			Help: "Total failed response writes by listener",
		}, []string{"listener"}),
		listenerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ldapcheck_listener_state",
			Help: "Current listener state (1 for the active state, 0 otherwise)",
		}, []string{"listener", "state"}),
		panicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ldapcheck_handler_panics_total",
			Help: "Total number of recovered connection handler panics",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ldapcheck_requests_rate_limited_total",
			Help: "Total requests rejected by the per-client rate limiter",
		}),
		rateLimitFull: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ldapcheck_rate_limiter_capacity_total",
			Help: "Total number of times the rate limiter client table filled up",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_date", "vcs_dirty", "go_version"}),
		profiling: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		lastProbeOK: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ldapcheck_last_probe_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful probe by mode",
		}, []string{"mode"}),
	}
	reg.MustRegister(
		m.opsInflight,
		m.opsReqTotal,
		m.opsReqDur,
		m.connsAccepted,
		m.reqTotal,
		m.inflight,
		m.probeTotal,
		m.probeDur,
		m.bindFailures,
		m.acceptErrors,
		m.writeErrors,
		m.listenerState,
		m.panicTotal,
		m.rateLimited,
		m.rateLimitFull,
		m.buildInfo,
		m.profiling,
		m.lastProbeOK,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ProbeMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ProbeMetrics) SetBuildInfoFromVersion(component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         vi.AppName,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ProbeMetrics) SetProfilingActive(active bool) {
	if active {
		m.profiling.Set(1)
	} else {
		m.profiling.Set(0)
	}
}

// listener loop

func (m *ProbeMetrics) IncAccepted(listener string) {
	m.connsAccepted.WithLabelValues(listener).Inc()
}

func (m *ProbeMetrics) IncBindFailure(listener string) {
	m.bindFailures.WithLabelValues(listener).Inc()
}

func (m *ProbeMetrics) IncAcceptError(listener string) {
	m.acceptErrors.WithLabelValues(listener).Inc()
}

// SetListenerState marks state as the active one for listener.
func (m *ProbeMetrics) SetListenerState(listener, state string) {
	for _, s := range ListenerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.listenerState.WithLabelValues(listener, s).Set(v)
	}
}

// connection handler

func (m *ProbeMetrics) RequestStarted(listener string) {
	m.inflight.WithLabelValues(listener).Inc()
}

func (m *ProbeMetrics) RequestFinished(listener, result string) {
	m.inflight.WithLabelValues(listener).Dec()
	m.reqTotal.WithLabelValues(listener, result).Inc()
}

func (m *ProbeMetrics) ObserveProbe(mode string, ok bool, d time.Duration) {
	outcome := "fail"
	if ok {
		outcome = "ok"
		m.lastProbeOK.WithLabelValues(mode).Set(float64(time.Now().Unix()))
	}
	m.probeTotal.WithLabelValues(mode, outcome).Inc()
	m.probeDur.WithLabelValues(mode).Observe(d.Seconds())
}

func (m *ProbeMetrics) IncWriteError(listener string) {
	m.writeErrors.WithLabelValues(listener).Inc()
}

func (m *ProbeMetrics) IncPanic() {
	m.panicTotal.Inc()
}

func (m *ProbeMetrics) IncRateLimitDenied() {
	m.rateLimited.Inc()
}

func (m *ProbeMetrics) IncRateLimitCapacity() {
	m.rateLimitFull.Inc()
}
