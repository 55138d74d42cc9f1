// Package metrics exposes Prometheus collectors for the enrichment service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sourceFetchesTotal         *prometheus.CounterVec
	sourceFetchDurationSeconds *prometheus.HistogramVec
	cacheRequestsTotal         *prometheus.CounterVec
	rateLimitWaitSeconds       *prometheus.HistogramVec
	rateLimitCooldownsTotal    *prometheus.CounterVec
	itemsTotal                 *prometheus.CounterVec
	batchesTotal               *prometheus.CounterVec
	sessionsTotal              *prometheus.CounterVec
	blockingPoolBusy           prometheus.Gauge
	blockingPoolRejectedTotal  prometheus.Counter
	watchdogFinalizationsTotal *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		sourceFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enrich_source_fetches_total",
				Help: "Total source fetch attempts, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		sourceFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "enrich_source_fetch_duration_seconds",
				Help:    "Histogram of source fetch latencies, labeled by source.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 15, 30, 60, 120},
			},
			[]string{"source"},
		)

		cacheRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enrich_cache_requests_total",
				Help: "Result cache lookups, labeled by result (hit, miss, expired).",
			},
			[]string{"result"},
		)

		rateLimitWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "enrich_rate_limit_wait_seconds",
				Help:    "Histogram of time spent waiting for a rate limit slot.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"source"},
		)

		rateLimitCooldownsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enrich_rate_limit_cooldowns_total",
				Help: "Cooldowns entered after error responses, labeled by source and reason.",
			},
			[]string{"source", "reason"},
		)

		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enrich_items_total",
				Help: "Work items processed, labeled by status.",
			},
			[]string{"status"},
		)

		batchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enrich_batches_total",
				Help: "Batches processed, labeled by status.",
			},
			[]string{"status"},
		)

		sessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enrich_sessions_total",
				Help: "Sessions finalized by the scheduler, labeled by status.",
			},
			[]string{"status"},
		)

		blockingPoolBusy = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "enrich_blocking_pool_busy",
				Help: "Number of blocking pool workers currently running a call.",
			},
		)

		blockingPoolRejectedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "enrich_blocking_pool_rejected_total",
				Help: "Blocking calls rejected because the pool was saturated.",
			},
		)

		watchdogFinalizationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enrich_watchdog_finalizations_total",
				Help: "Sessions force-finalized by the recovery watchdog, labeled by status.",
			},
			[]string{"status"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveSourceFetch records one source attempt.
func ObserveSourceFetch(source, outcome string, duration time.Duration) {
	Init()
	sourceFetchesTotal.WithLabelValues(source, outcome).Inc()
	if duration > 0 {
		sourceFetchDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
	}
}

// ObserveCache records a cache lookup result.
func ObserveCache(result string) {
	Init()
	cacheRequestsTotal.WithLabelValues(result).Inc()
}

// ObserveRateLimitWait records the duration of a rate limit wait.
func ObserveRateLimitWait(source string, duration time.Duration) {
	Init()
	rateLimitWaitSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveCooldown counts a cooldown entered after an error response.
func ObserveCooldown(source, reason string) {
	Init()
	rateLimitCooldownsTotal.WithLabelValues(source, reason).Inc()
}

// ObserveItem increments the item counter for the given status.
func ObserveItem(status string) {
	Init()
	itemsTotal.WithLabelValues(status).Inc()
}

// ObserveBatch increments the batch counter for the given status.
func ObserveBatch(status string) {
	Init()
	batchesTotal.WithLabelValues(status).Inc()
}

// ObserveSession increments the session counter for the given status.
func ObserveSession(status string) {
	Init()
	sessionsTotal.WithLabelValues(status).Inc()
}

// IncBlockingBusy increments the busy blocking workers gauge.
func IncBlockingBusy() {
	Init()
	blockingPoolBusy.Inc()
}

// DecBlockingBusy decrements the busy blocking workers gauge.
func DecBlockingBusy() {
	Init()
	blockingPoolBusy.Dec()
}

// ObserveBlockingRejected counts a call rejected by a saturated pool.
func ObserveBlockingRejected() {
	Init()
	blockingPoolRejectedTotal.Inc()
}

// ObserveWatchdogFinalization counts a session finalized by the watchdog.
func ObserveWatchdogFinalization(status string) {
	Init()
	watchdogFinalizationsTotal.WithLabelValues(status).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
