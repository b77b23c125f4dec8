package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the balance engine.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	queueDepth        prometheus.Gauge
	requestsProcessed *prometheus.CounterVec
	requestsRejected  prometheus.Counter
	processDuration   *prometheus.HistogramVec
	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec
	invariantFailures prometheus.Counter
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "balance_queue_depth",
				Help: "Number of update requests currently pending.",
			},
		),
		requestsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balance_requests_processed_total",
				Help: "Update requests processed, by priority and status.",
			},
			[]string{"priority", "status"},
		),
		requestsRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "balance_requests_rejected_total",
				Help: "Update requests rejected by queue backpressure.",
			},
		),
		processDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "balance_process_duration_seconds",
				Help:    "Duration of request processing by operation.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balance_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balance_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
		invariantFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "balance_invariant_failures_total",
				Help: "Recomputed balances diverging beyond tolerance.",
			},
		),
	}
}

// SetQueueDepth records the number of pending requests.
func (m *Metrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// IncrProcessed increments the processed counter for a priority and status.
func (m *Metrics) IncrProcessed(priority, status string) {
	m.requestsProcessed.WithLabelValues(priority, status).Inc()
}

// IncrRejected increments the backpressure rejection counter.
func (m *Metrics) IncrRejected() {
	m.requestsRejected.Inc()
}

// RecordProcessDuration records how long one request took to process.
func (m *Metrics) RecordProcessDuration(operation string, d time.Duration) {
	m.processDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// IncrInvariantFailure increments the invariant divergence counter.
func (m *Metrics) IncrInvariantFailure() {
	m.invariantFailures.Inc()
}
