// Package metrics exposes Prometheus metrics for the fetch pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsNamespace is the namespace for all fetchd metrics.
const MetricsNamespace = "fetchd"

// CacheStats is the subset of cache counters exported as metrics.
type CacheStats struct {
	Entries     int
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
}

// PoolStats is the subset of browser pool state exported as metrics.
type PoolStats struct {
	Live  int
	Idle  int
	InUse int
}

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so components can be built without a registry in tests.
type Metrics struct {
	gatherer prometheus.Gatherer
	factory  promauto.Factory

	// Fetch metrics
	FetchResultsTotal   *prometheus.CounterVec
	FetchAttemptsTotal  *prometheus.CounterVec
	FetchDuration       *prometheus.HistogramVec
	EscalationsTotal    prometheus.Counter
	DeduplicatedTotal   prometheus.Counter
	ExtractionFailTotal prometheus.Counter

	// Host registry metrics
	BreakerTransitionsTotal *prometheus.CounterVec
	HostRejectionsTotal     *prometheus.CounterVec

	// Browser pool metrics
	SessionRetirementsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on reg. A nil reg uses a fresh
// registry rather than the global default, so repeated construction in tests
// never panics on duplicate registration.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	factory := promauto.With(reg)
	m := &Metrics{gatherer: reg, factory: factory}

	m.initFetchMetrics(factory)
	m.initRegistryMetrics(factory)
	m.initPoolMetrics(factory)

	return m
}

func (m *Metrics) initFetchMetrics(factory promauto.Factory) {
	m.FetchResultsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "fetch",
			Name:      "results_total",
			Help:      "Terminal fetch results by status and strategy",
		},
		[]string{"status", "strategy"},
	)

	m.FetchAttemptsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "fetch",
			Name:      "attempts_total",
			Help:      "Fetcher invocations by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	m.FetchDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Subsystem: "fetch",
			Name:      "duration_seconds",
			Help:      "End-to-end FetchOne latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"strategy"},
	)

	m.EscalationsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "fetch",
			Name:      "escalations_total",
			Help:      "Fetches escalated from HTTP to the browser",
		},
	)

	m.DeduplicatedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "fetch",
			Name:      "deduplicated_total",
			Help:      "Fetches served by another caller's in-flight request",
		},
	)

	m.ExtractionFailTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "fetch",
			Name:      "extraction_failures_total",
			Help:      "Fetched documents that did not satisfy their ruleset",
		},
	)
}

func (m *Metrics) initRegistryMetrics(factory promauto.Factory) {
	m.BreakerTransitionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "host",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)

	m.HostRejectionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "host",
			Name:      "rejections_total",
			Help:      "Calls rejected before any network attempt",
		},
		[]string{"reason"},
	)
}

func (m *Metrics) initPoolMetrics(factory promauto.Factory) {
	m.SessionRetirementsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "browser",
			Name:      "session_retirements_total",
			Help:      "Browser sessions closed, by reason",
		},
		[]string{"reason"},
	)
}

// ObserveCache exports cache counters read from stats at scrape time.
func (m *Metrics) ObserveCache(stats func() CacheStats) {
	if m == nil {
		return
	}
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{Namespace: MetricsNamespace, Subsystem: "cache", Name: name, Help: help}
	}
	m.factory.NewGaugeFunc(prometheus.GaugeOpts(opts("entries", "Live cache entries")),
		func() float64 { return float64(stats().Entries) })
	m.factory.NewCounterFunc(prometheus.CounterOpts(opts("hits_total", "Cache hits")),
		func() float64 { return float64(stats().Hits) })
	m.factory.NewCounterFunc(prometheus.CounterOpts(opts("misses_total", "Cache misses")),
		func() float64 { return float64(stats().Misses) })
	m.factory.NewCounterFunc(prometheus.CounterOpts(opts("evictions_total", "Entries evicted for capacity")),
		func() float64 { return float64(stats().Evictions) })
	m.factory.NewCounterFunc(prometheus.CounterOpts(opts("expirations_total", "Entries removed after their TTL")),
		func() float64 { return float64(stats().Expirations) })
}

// ObservePool exports browser pool gauges read from stats at scrape time.
func (m *Metrics) ObservePool(stats func() PoolStats) {
	if m == nil {
		return
	}
	opts := func(name, help string) prometheus.GaugeOpts {
		return prometheus.GaugeOpts{Namespace: MetricsNamespace, Subsystem: "browser", Name: name, Help: help}
	}
	m.factory.NewGaugeFunc(opts("sessions_live", "Browser sessions alive"),
		func() float64 { return float64(stats().Live) })
	m.factory.NewGaugeFunc(opts("sessions_idle", "Browser sessions idle in the pool"),
		func() float64 { return float64(stats().Idle) })
	m.factory.NewGaugeFunc(opts("sessions_in_use", "Browser sessions rendering a page"),
		func() float64 { return float64(stats().InUse) })
}

// RecordResult counts a terminal result and its latency.
func (m *Metrics) RecordResult(status, strategy string, seconds float64) {
	if m == nil {
		return
	}
	m.FetchResultsTotal.WithLabelValues(status, strategy).Inc()
	m.FetchDuration.WithLabelValues(strategy).Observe(seconds)
}

// RecordAttempt counts one fetcher invocation.
func (m *Metrics) RecordAttempt(strategy, outcome string) {
	if m == nil {
		return
	}
	m.FetchAttemptsTotal.WithLabelValues(strategy, outcome).Inc()
}

// RecordEscalation counts an HTTP to browser escalation.
func (m *Metrics) RecordEscalation() {
	if m == nil {
		return
	}
	m.EscalationsTotal.Inc()
}

// RecordDeduplicated counts a caller that joined an in-flight fetch.
func (m *Metrics) RecordDeduplicated() {
	if m == nil {
		return
	}
	m.DeduplicatedTotal.Inc()
}

// RecordExtractionFailure counts a document its ruleset rejected.
func (m *Metrics) RecordExtractionFailure() {
	if m == nil {
		return
	}
	m.ExtractionFailTotal.Inc()
}

// RecordRejection counts a registry rejection ("rate_limited" or "circuit_open").
func (m *Metrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.HostRejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordBreakerTransition counts a circuit state change.
func (m *Metrics) RecordBreakerTransition(from, to string) {
	if m == nil {
		return
	}
	m.BreakerTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordSessionRetired counts a browser session leaving the pool.
func (m *Metrics) RecordSessionRetired(reason string) {
	if m == nil {
		return
	}
	m.SessionRetirementsTotal.WithLabelValues(reason).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
