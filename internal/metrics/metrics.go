// Package metrics owns the process-wide Prometheus registry. Labels are kept
// to bounded sets (method, route, status, outcome, stage) so no request
// input can blow up cardinality.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/linnemanlabs-imgfetch/internal/version"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// http
	inflight  prometheus.Gauge
	reqTotal  *prometheus.CounterVec
	reqDur    *prometheus.HistogramVec
	respBytes *prometheus.HistogramVec
	errors    *prometheus.CounterVec
	panics    prometheus.Counter

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	ratelimitDenied   prometheus.Counter
	ratelimitCapacity prometheus.Counter

	// remote fetch
	fetchInflight prometheus.Gauge
	fetchTotal    *prometheus.CounterVec
	fetchDur      *prometheus.HistogramVec
	fetchBytes    prometheus.Histogram

	// allow-list
	allowlistEntries    prometheus.Gauge
	allowlistInfo       *prometheus.GaugeVec
	allowlistLoadedTs   prometheus.Gauge
	allowlistPolls      prometheus.Counter
	allowlistSwaps      prometheus.Counter
	allowlistErrors     *prometheus.CounterVec
	allowlistLoadDur    prometheus.Histogram
	allowlistLastPollTs prometheus.Gauge
	allowlistStale      prometheus.Gauge
}

// New returns metrics on a fresh registry with the Go and process collectors.
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
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: sizeBuckets,
		}, []string{"method", "route"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx responses by method and route",
		}, []string{"method", "route"}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered handler panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		ratelimitDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by the rate limiter",
		}),
		ratelimitCapacity: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total new clients rejected because the limiter table was full",
		}),
		fetchInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "remote_fetch_inflight",
			Help: "Current number of in-flight remote fetches",
		}),
		fetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remote_fetch_total",
			Help: "Total remote fetches by outcome",
		}, []string{"outcome"}),
		fetchDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "remote_fetch_duration_seconds",
			Help:    "Remote fetch latency by outcome",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"outcome"}),
		fetchBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "remote_fetch_size_bytes",
			Help:    "Size of successfully fetched bodies",
			Buckets: sizeBuckets,
		}),
		allowlistEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "allowlist_entries",
			Help: "Number of entries in the active allow-list",
		}),
		allowlistInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "allowlist_info",
			Help: "Active allow-list (labels carry identity, value is always 1)",
		}, []string{"source", "version"}),
		allowlistLoadedTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "allowlist_loaded_timestamp_seconds",
			Help: "Unix timestamp of when the active allow-list was loaded",
		}),
		allowlistPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "allowlist_watcher_polls_total",
			Help: "Total number of allow-list watcher poll cycles",
		}),
		allowlistSwaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "allowlist_watcher_swaps_total",
			Help: "Total number of allow-list swaps",
		}),
		allowlistErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "allowlist_watcher_errors_total",
			Help: "Total allow-list watcher errors by stage",
		}, []string{"stage"}),
		allowlistLoadDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "allowlist_load_duration_seconds",
			Help:    "Time to fetch, verify, and parse an allow-list",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
		allowlistLastPollTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "allowlist_watcher_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful allow-list poll",
		}),
		allowlistStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "allowlist_watcher_stale",
			Help: "Whether the allow-list watcher is stale (1) or healthy (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errors,
		m.panics,
		m.buildInfo,
		m.profilingActive,
		m.ratelimitDenied,
		m.ratelimitCapacity,
		m.fetchInflight,
		m.fetchTotal,
		m.fetchDur,
		m.fetchBytes,
		m.allowlistEntries,
		m.allowlistInfo,
		m.allowlistLoadedTs,
		m.allowlistPolls,
		m.allowlistSwaps,
		m.allowlistErrors,
		m.allowlistLoadDur,
		m.allowlistLastPollTs,
		m.allowlistStale,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216}

func (m *ServerMetrics) Handler() http.Handler { return m.handler }

// Registry is exposed for tests and for callers that add their own collectors.
func (m *ServerMetrics) Registry() *prometheus.Registry { return m.reg }

func (m *ServerMetrics) IncHTTPPanic() { m.panics.Inc() }

// SetBuildInfo is called once at startup.
func (m *ServerMetrics) SetBuildInfo(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":        app,
		"component":  component,
		"version":    vi.Version,
		"commit":     vi.Commit,
		"build_id":   vi.BuildID,
		"build_date": vi.BuildDate,
		"go_version": vi.GoVersion,
		"vcs_dirty":  dirty,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) { m.profilingActive.Set(boolGauge(active)) }

func (m *ServerMetrics) IncRateLimitDenied() { m.ratelimitDenied.Inc() }

func (m *ServerMetrics) IncRateLimitCapacity() { m.ratelimitCapacity.Inc() }

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
