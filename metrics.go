package reqflow

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives engine and transport measurements. MetricsCollector
// exports them to Prometheus, StatsdRecorder to DogStatsD.
type Recorder interface {
	RecordRequestStart(verb, endpoint string)
	RecordRequestEnd(verb, endpoint string)
	RecordRequest(verb, endpoint, status string, duration time.Duration)
	RecordRetry(verb, endpoint string, attempt int)
	RecordError(errorType, verb, endpoint string)
	RecordDeduplicationHit(verb, endpoint string)
	RecordCircuitBreakerState(name string, state CircuitState)
	RecordRateLimiterTokens(name string, tokens int)
	RecordCacheHit(tier, mode string)
	RecordCacheMiss(tier string)
	RecordCacheSize(size int)
	RecordCacheEviction(count int)
	RecordCacheError(op string)
}

type nopRecorder struct{}

func (nopRecorder) RecordRequestStart(string, string)                     {}
func (nopRecorder) RecordRequestEnd(string, string)                       {}
func (nopRecorder) RecordRequest(string, string, string, time.Duration)   {}
func (nopRecorder) RecordRetry(string, string, int)                       {}
func (nopRecorder) RecordError(string, string, string)                    {}
func (nopRecorder) RecordDeduplicationHit(string, string)                 {}
func (nopRecorder) RecordCircuitBreakerState(string, CircuitState)        {}
func (nopRecorder) RecordRateLimiterTokens(string, int)                   {}
func (nopRecorder) RecordCacheHit(string, string)                         {}
func (nopRecorder) RecordCacheMiss(string)                                {}
func (nopRecorder) RecordCacheSize(int)                                   {}
func (nopRecorder) RecordCacheEviction(int)                               {}
func (nopRecorder) RecordCacheError(string)                               {}

// MetricsCollector provides Prometheus metrics for the request lifecycle,
// the cache tiers and the transport reliability layers. It is safe for
// concurrent use.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	retriesTotal *prometheus.CounterVec

	circuitBreakerState *prometheus.GaugeVec

	rateLimiterTokens *prometheus.GaugeVec

	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheSize      prometheus.Gauge
	cacheEvictions prometheus.Counter
	cacheErrors    *prometheus.CounterVec

	deduplicationHits *prometheus.CounterVec

	errorsTotal *prometheus.CounterVec
}

var (
	defaultCollectorOnce sync.Once
	defaultCollector     *MetricsCollector
)

// NewMetricsCollector returns the collector registered on the default
// registerer. Every call returns the same instance.
func NewMetricsCollector() *MetricsCollector {
	defaultCollectorOnce.Do(func() {
		defaultCollector = NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
	})
	return defaultCollector
}

// NewMetricsCollectorWithRegistry creates a collector using supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(registry)
	return &MetricsCollector{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqflow_requests_total",
				Help: "Total number of transport calls, by outcome",
			},
			[]string{"verb", "status", "endpoint"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reqflow_request_duration_seconds",
				Help:    "Duration of transport calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"verb", "status", "endpoint"},
		),
		requestsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "reqflow_requests_in_flight",
				Help: "Number of transport calls currently in flight",
			},
			[]string{"verb", "endpoint"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqflow_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"verb", "endpoint", "attempt"},
		),
		circuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "reqflow_circuit_breaker_state",
				Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		rateLimiterTokens: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "reqflow_rate_limiter_tokens",
				Help: "Current number of available rate limiter tokens",
			},
			[]string{"name"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqflow_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"tier", "mode"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqflow_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"tier"},
		),
		cacheSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "reqflow_cache_size",
				Help: "Current number of entries in the memory tier",
			},
		),
		cacheEvictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "reqflow_cache_evictions_total",
				Help: "Total number of memory entries evicted for capacity",
			},
		),
		cacheErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqflow_cache_errors_total",
				Help: "Total number of durable tier failures",
			},
			[]string{"op"},
		),
		deduplicationHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqflow_deduplication_hits_total",
				Help: "Total number of sends that joined an in-flight call",
			},
			[]string{"verb", "endpoint"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reqflow_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type", "verb", "endpoint"},
		),
	}
}

// RecordRequest records request count and duration.
func (mc *MetricsCollector) RecordRequest(verb, endpoint, status string, duration time.Duration) {
	if mc == nil {
		return
	}

	mc.requestsTotal.WithLabelValues(verb, status, endpoint).Inc()
	mc.requestDuration.WithLabelValues(verb, status, endpoint).Observe(duration.Seconds())
}

// RecordRequestStart increments in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(verb, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(verb, endpoint).Inc()
}

// RecordRequestEnd decrements in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(verb, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(verb, endpoint).Dec()
}

// RecordRetry increments retry counter for an attempt.
func (mc *MetricsCollector) RecordRetry(verb, endpoint string, attempt int) {
	if mc == nil {
		return
	}

	mc.retriesTotal.WithLabelValues(verb, endpoint, strconv.Itoa(attempt)).Inc()
}

// RecordCircuitBreakerState sets gauge to breaker state.
func (mc *MetricsCollector) RecordCircuitBreakerState(name string, state CircuitState) {
	if mc == nil {
		return
	}

	mc.circuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordRateLimiterTokens sets available token gauge.
func (mc *MetricsCollector) RecordRateLimiterTokens(name string, tokens int) {
	if mc == nil {
		return
	}

	mc.rateLimiterTokens.WithLabelValues(name).Set(float64(tokens))
}

// RecordCacheHit increments cache hit counter.
func (mc *MetricsCollector) RecordCacheHit(tier, mode string) {
	if mc == nil {
		return
	}

	mc.cacheHits.WithLabelValues(tier, mode).Inc()
}

// RecordCacheMiss increments cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss(tier string) {
	if mc == nil {
		return
	}

	mc.cacheMisses.WithLabelValues(tier).Inc()
}

// RecordCacheSize sets cache size gauge.
func (mc *MetricsCollector) RecordCacheSize(size int) {
	if mc == nil {
		return
	}

	mc.cacheSize.Set(float64(size))
}

// RecordCacheEviction counts capacity evictions.
func (mc *MetricsCollector) RecordCacheEviction(count int) {
	if mc == nil {
		return
	}

	mc.cacheEvictions.Add(float64(count))
}

// RecordCacheError counts durable tier failures by operation.
func (mc *MetricsCollector) RecordCacheError(op string) {
	if mc == nil {
		return
	}

	mc.cacheErrors.WithLabelValues(op).Inc()
}

// RecordError increments error counter by type.
func (mc *MetricsCollector) RecordError(errorType, verb, endpoint string) {
	if mc == nil {
		return
	}

	mc.errorsTotal.WithLabelValues(errorType, verb, endpoint).Inc()
}

// RecordDeduplicationHit increments de-dup hit counter.
func (mc *MetricsCollector) RecordDeduplicationHit(verb, endpoint string) {
	if mc == nil {
		return
	}

	mc.deduplicationHits.WithLabelValues(verb, endpoint).Inc()
}

// endpointLabel strips scheme and query from a URL so label cardinality stays
// bounded by host and path.
func endpointLabel(rawURL string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if len(rawURL) > len(prefix) && rawURL[:len(prefix)] == prefix {
			return rawURL[len(prefix):]
		}
	}
	return rawURL
}
