package reqflow

import (
	"fmt"
	"strconv"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
)

// StatsdRecorder forwards measurements to a DogStatsD agent.
type StatsdRecorder struct {
	client statsd.ClientInterface
}

// NewStatsdRecorder connects to the agent at addr and prefixes every metric
// with namespace.
func NewStatsdRecorder(addr, namespace string) (*StatsdRecorder, error) {
	opts := []statsd.Option{
		statsd.WithNamespace(namespace),
	}
	client, err := statsd.New(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect statsd %s: %w", addr, err)
	}
	return &StatsdRecorder{client: client}, nil
}

// NewStatsdRecorderWithClient wraps an existing client.
func NewStatsdRecorderWithClient(client statsd.ClientInterface) *StatsdRecorder {
	return &StatsdRecorder{client: client}
}

// Close flushes and closes the underlying client.
func (r *StatsdRecorder) Close() error {
	return r.client.Close()
}

func (r *StatsdRecorder) RecordRequestStart(verb, endpoint string) {
	_ = r.client.Incr("requests.started", []string{"verb:" + verb, "endpoint:" + endpoint}, 1)
}

func (r *StatsdRecorder) RecordRequestEnd(verb, endpoint string) {
	_ = r.client.Incr("requests.finished", []string{"verb:" + verb, "endpoint:" + endpoint}, 1)
}

func (r *StatsdRecorder) RecordRequest(verb, endpoint, status string, duration time.Duration) {
	tags := []string{"verb:" + verb, "endpoint:" + endpoint, "status:" + status}
	_ = r.client.Incr("requests.total", tags, 1)
	_ = r.client.Timing("requests.duration", duration, tags, 1)
}

func (r *StatsdRecorder) RecordRetry(verb, endpoint string, attempt int) {
	_ = r.client.Incr("retries.total", []string{"verb:" + verb, "endpoint:" + endpoint, "attempt:" + strconv.Itoa(attempt)}, 1)
}

func (r *StatsdRecorder) RecordError(errorType, verb, endpoint string) {
	_ = r.client.Incr("errors.total", []string{"type:" + errorType, "verb:" + verb, "endpoint:" + endpoint}, 1)
}

func (r *StatsdRecorder) RecordDeduplicationHit(verb, endpoint string) {
	_ = r.client.Incr("deduplication.hits", []string{"verb:" + verb, "endpoint:" + endpoint}, 1)
}

func (r *StatsdRecorder) RecordCircuitBreakerState(name string, state CircuitState) {
	_ = r.client.Gauge("circuit_breaker.state", float64(state), []string{"name:" + name}, 1)
}

func (r *StatsdRecorder) RecordRateLimiterTokens(name string, tokens int) {
	_ = r.client.Gauge("rate_limiter.tokens", float64(tokens), []string{"name:" + name}, 1)
}

func (r *StatsdRecorder) RecordCacheHit(tier, mode string) {
	_ = r.client.Incr("cache.hits", []string{"tier:" + tier, "mode:" + mode}, 1)
}

func (r *StatsdRecorder) RecordCacheMiss(tier string) {
	_ = r.client.Incr("cache.misses", []string{"tier:" + tier}, 1)
}

func (r *StatsdRecorder) RecordCacheSize(size int) {
	_ = r.client.Gauge("cache.size", float64(size), nil, 1)
}

func (r *StatsdRecorder) RecordCacheEviction(count int) {
	_ = r.client.Count("cache.evictions", int64(count), nil, 1)
}

func (r *StatsdRecorder) RecordCacheError(op string) {
	_ = r.client.Incr("cache.errors", []string{"op:" + op}, 1)
}

// multiRecorder fans measurements out to several recorders.
type multiRecorder []Recorder

func (m multiRecorder) RecordRequestStart(verb, endpoint string) {
	for _, r := range m {
		r.RecordRequestStart(verb, endpoint)
	}
}

func (m multiRecorder) RecordRequestEnd(verb, endpoint string) {
	for _, r := range m {
		r.RecordRequestEnd(verb, endpoint)
	}
}

func (m multiRecorder) RecordRequest(verb, endpoint, status string, duration time.Duration) {
	for _, r := range m {
		r.RecordRequest(verb, endpoint, status, duration)
	}
}

func (m multiRecorder) RecordRetry(verb, endpoint string, attempt int) {
	for _, r := range m {
		r.RecordRetry(verb, endpoint, attempt)
	}
}

func (m multiRecorder) RecordError(errorType, verb, endpoint string) {
	for _, r := range m {
		r.RecordError(errorType, verb, endpoint)
	}
}

func (m multiRecorder) RecordDeduplicationHit(verb, endpoint string) {
	for _, r := range m {
		r.RecordDeduplicationHit(verb, endpoint)
	}
}

func (m multiRecorder) RecordCircuitBreakerState(name string, state CircuitState) {
	for _, r := range m {
		r.RecordCircuitBreakerState(name, state)
	}
}

func (m multiRecorder) RecordRateLimiterTokens(name string, tokens int) {
	for _, r := range m {
		r.RecordRateLimiterTokens(name, tokens)
	}
}

func (m multiRecorder) RecordCacheHit(tier, mode string) {
	for _, r := range m {
		r.RecordCacheHit(tier, mode)
	}
}

func (m multiRecorder) RecordCacheMiss(tier string) {
	for _, r := range m {
		r.RecordCacheMiss(tier)
	}
}

func (m multiRecorder) RecordCacheSize(size int) {
	for _, r := range m {
		r.RecordCacheSize(size)
	}
}

func (m multiRecorder) RecordCacheEviction(count int) {
	for _, r := range m {
		r.RecordCacheEviction(count)
	}
}

func (m multiRecorder) RecordCacheError(op string) {
	for _, r := range m {
		r.RecordCacheError(op)
	}
}
