package reqflow

import (
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ambiyansyah-risyal/reqflow/internal/backoff"
)

// BackoffStrategy names a retry delay strategy.
type BackoffStrategy string

const (
	ExponentialJitter  BackoffStrategy = "exponential"
	DecorrelatedJitter BackoffStrategy = "decorrelated"
)

// RetryPolicy decides whether a transport attempt is retried and after what
// delay. resp is nil when the attempt failed before a response arrived.
type RetryPolicy interface {
	ShouldRetry(verb string, resp *http.Response, err error, attempt int) (time.Duration, bool)
}

// DefaultRetryPolicy retries network failures, 429 and 5xx responses for
// idempotent verbs, honouring Retry-After.
type DefaultRetryPolicy struct {
	maxRetries   int
	cfg          backoff.Config
	strategy     backoff.Strategy
	isIdempotent func(verb string) bool
}

// NewDefaultRetryPolicy creates a retry policy using exponential backoff with jitter.
func NewDefaultRetryPolicy(maxRetries int, initialBackoff, maxBackoff time.Duration, multiplier, jitter float64) *DefaultRetryPolicy {
	return NewDefaultRetryPolicyWithStrategy(maxRetries, initialBackoff, maxBackoff, multiplier, jitter, ExponentialJitter)
}

// NewDefaultRetryPolicyWithStrategy creates a retry policy with a specific
// backoff strategy. Unknown strategies fall back to exponential.
func NewDefaultRetryPolicyWithStrategy(maxRetries int, initialBackoff, maxBackoff time.Duration, multiplier, jitter float64, strategy BackoffStrategy) *DefaultRetryPolicy {
	s, ok := backoff.ByName(string(strategy))
	if !ok {
		s = backoff.Exponential{}
	}
	return &DefaultRetryPolicy{
		maxRetries: maxRetries,
		cfg: backoff.Config{
			Initial:    initialBackoff,
			Max:        maxBackoff,
			Multiplier: multiplier,
			Jitter:     jitter,
		},
		strategy:     s,
		isIdempotent: DefaultIsIdempotent,
	}
}

// ShouldRetry implements the RetryPolicy interface.
func (p *DefaultRetryPolicy) ShouldRetry(verb string, resp *http.Response, err error, attempt int) (time.Duration, bool) {
	if attempt >= p.maxRetries || !p.isIdempotent(verb) {
		return 0, false
	}

	var delay time.Duration
	switch {
	case err != nil:
	case resp != nil && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500):
		delay = parseRetryAfter(resp.Header.Get("Retry-After"))
	default:
		return 0, false
	}

	if delay == 0 {
		delay = p.strategy.Delay(attempt, p.cfg)
	}
	return delay, true
}

// DefaultIsIdempotent returns true for idempotent HTTP methods.
func DefaultIsIdempotent(verb string) bool {
	switch verb {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	default:
		return false
	}
}

// parseRetryAfter parses the Retry-After header value in either its
// delay-seconds or HTTP-date form, capped at one hour.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds <= 0 {
			return 0
		}
		return min(time.Duration(seconds)*time.Second, time.Hour)
	}

	if t, err := http.ParseTime(value); err == nil {
		if delay := time.Until(t); delay > 0 && delay <= time.Hour {
			return delay
		}
	}
	return 0
}

// RetryBudget caps retries across all requests within a sliding window so a
// struggling upstream is not flooded by retry storms.
type RetryBudget struct {
	maxRetries  int64
	perWindow   time.Duration
	current     atomic.Int64
	windowStart atomic.Int64
}

// NewRetryBudget creates a new retry budget tracker.
func NewRetryBudget(maxRetries int, perWindow time.Duration) *RetryBudget {
	rb := &RetryBudget{
		maxRetries: int64(maxRetries),
		perWindow:  perWindow,
	}
	rb.windowStart.Store(time.Now().UnixNano())
	return rb
}

// Allow checks if a retry is allowed under the current budget.
func (rb *RetryBudget) Allow() bool {
	now := time.Now().UnixNano()
	start := rb.windowStart.Load()
	if now-start >= int64(rb.perWindow) && rb.windowStart.CompareAndSwap(start, now) {
		rb.current.Store(0)
	}

	if rb.current.Load() >= rb.maxRetries {
		return false
	}
	return rb.current.Add(1) <= rb.maxRetries
}

// Stats returns current retry budget statistics.
func (rb *RetryBudget) Stats() (current, max int64, windowStart time.Time) {
	return rb.current.Load(), rb.maxRetries, time.Unix(0, rb.windowStart.Load())
}
