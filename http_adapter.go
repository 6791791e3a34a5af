package reqflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Middleware wraps a single transport attempt.
type Middleware func(req *http.Request, next RoundTripper) (*http.Response, error)

// RoundTripper represents the HTTP transport interface
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc is a helper type for middleware
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// HTTPAdapter is the default Adapter. It sends requests over net/http and
// layers retries, circuit breaking, rate limiting and middleware around each
// attempt. Non-2xx responses are returned, not treated as errors; the
// transform chain decides how to interpret them.
type HTTPAdapter struct {
	httpClient     *http.Client
	retryPolicy    RetryPolicy
	retryBudget    *RetryBudget
	circuitBreaker *CircuitBreaker
	rateLimiter    *RateLimiter
	middleware     []Middleware
	userAgent      string
	metrics        Recorder
	logger         zerolog.Logger
}

// HTTPOption configures an HTTPAdapter.
type HTTPOption func(*HTTPAdapter)

// NewHTTPAdapter constructs an adapter. Without options it performs a single
// attempt per request with no breaker or limiter.
func NewHTTPAdapter(opts ...HTTPOption) *HTTPAdapter {
	a := &HTTPAdapter{
		httpClient: &http.Client{},
		metrics:    nopRecorder{},
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.circuitBreaker != nil {
		cb, rec := a.circuitBreaker, a.metrics
		cb.onChange = func(s CircuitState) {
			rec.RecordCircuitBreakerState(cb.Name(), s)
		}
	}
	return a
}

// WithHTTPClient sets the underlying *http.Client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(a *HTTPAdapter) {
		a.httpClient = client
	}
}

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(policy RetryPolicy) HTTPOption {
	return func(a *HTTPAdapter) {
		a.retryPolicy = policy
	}
}

// WithRetryBudget caps retries across all requests within a window.
func WithRetryBudget(maxRetries int, perWindow time.Duration) HTTPOption {
	return func(a *HTTPAdapter) {
		a.retryBudget = NewRetryBudget(maxRetries, perWindow)
	}
}

// WithCircuitBreaker enables a circuit breaker.
func WithCircuitBreaker(config CircuitBreakerConfig) HTTPOption {
	return func(a *HTTPAdapter) {
		a.circuitBreaker = NewCircuitBreaker(config)
	}
}

// WithRateLimiter enables a token bucket limiter.
func WithRateLimiter(maxTokens int, refillRate time.Duration) HTTPOption {
	return func(a *HTTPAdapter) {
		a.rateLimiter = NewRateLimiter(maxTokens, refillRate)
	}
}

// WithMiddleware appends middleware; the first one added runs outermost.
func WithMiddleware(middleware ...Middleware) HTTPOption {
	return func(a *HTTPAdapter) {
		a.middleware = append(a.middleware, middleware...)
	}
}

// WithUserAgent sets a User-Agent for requests that do not carry one.
func WithUserAgent(ua string) HTTPOption {
	return func(a *HTTPAdapter) {
		a.userAgent = ua
	}
}

// WithAdapterMetrics sets the recorder for retry, breaker and limiter metrics.
func WithAdapterMetrics(r Recorder) HTTPOption {
	return func(a *HTTPAdapter) {
		if r != nil {
			a.metrics = r
		}
	}
}

// WithAdapterLogger sets the adapter logger.
func WithAdapterLogger(logger zerolog.Logger) HTTPOption {
	return func(a *HTTPAdapter) {
		a.logger = logger
	}
}

// CircuitBreaker returns the configured breaker, or nil.
func (a *HTTPAdapter) CircuitBreaker() *CircuitBreaker {
	return a.circuitBreaker
}

// Send implements Adapter.
func (a *HTTPAdapter) Send(ctx context.Context, req *Request) (*Response, error) {
	endpoint := endpointLabel(req.URL)
	upload := newProgressTracker(req.OnUpload)
	upload.total.Store(int64(len(req.Body)))
	download := newProgressTracker(req.OnDownload)

	for attempt := 0; ; attempt++ {
		if a.rateLimiter != nil {
			if !a.rateLimiter.Allow() {
				a.logger.Warn().Str("url", req.URL).Msg("rate limit exceeded")
				a.metrics.RecordError(ErrorTypeRateLimit, req.Verb, endpoint)
				return nil, a.fail(ErrorTypeRateLimit, "rate limit exceeded", ErrRateLimited, req, attempt)
			}
			a.metrics.RecordRateLimiterTokens(a.rateLimiter.name, a.rateLimiter.Tokens())
		}

		if a.circuitBreaker != nil && !a.circuitBreaker.Allow() {
			a.logger.Warn().Str("url", req.URL).Str("breaker", a.circuitBreaker.Name()).Msg("circuit breaker open")
			a.metrics.RecordError(ErrorTypeCircuitOpen, req.Verb, endpoint)
			return nil, a.fail(ErrorTypeCircuitOpen, "circuit breaker is open", ErrCircuitOpen, req, attempt)
		}

		if attempt > 0 {
			a.logger.Debug().Str("url", req.URL).Int("attempt", attempt).Msg("retry attempt")
			a.metrics.RecordRetry(req.Verb, endpoint, attempt)
		}

		resp, raw, err := a.attempt(ctx, req, upload, download)
		var built *Error
		if errors.As(err, &built) && built.Kind == KindConfiguration {
			return nil, err
		}

		if a.circuitBreaker != nil {
			if err != nil || resp.StatusCode >= 500 {
				a.circuitBreaker.RecordFailure()
			} else {
				a.circuitBreaker.RecordSuccess()
			}
		}

		if ctx.Err() != nil {
			return nil, a.contextError(ctx, req, attempt)
		}

		if a.retryPolicy != nil {
			if delay, retry := a.retryPolicy.ShouldRetry(req.Verb, raw, err, attempt); retry {
				if a.retryBudget != nil && !a.retryBudget.Allow() {
					a.logger.Warn().Str("url", req.URL).Msg("retry budget exceeded")
				} else {
					a.logger.Debug().Str("url", req.URL).Int("attempt", attempt+1).Dur("backoff", delay).Msg("scheduling retry")
					if !sleep(ctx, delay) {
						return nil, a.contextError(ctx, req, attempt)
					}
					continue
				}
			}
		}

		if err != nil {
			a.metrics.RecordError(ErrorTypeNetwork, req.Verb, endpoint)
			return nil, a.fail(ErrorTypeNetwork, "network request failed", err, req, attempt)
		}
		return resp, nil
	}
}

func (a *HTTPAdapter) attempt(ctx context.Context, req *Request, upload, download *progressTracker) (*Response, *http.Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = &countingReader{r: bytes.NewReader(req.Body), tracker: upload}
	}

	hreq, err := http.NewRequestWithContext(ctx, req.Verb, req.URL, body)
	if err != nil {
		return nil, nil, configError(fmt.Sprintf("cannot build request for %s", req.URL), err)
	}
	hreq.ContentLength = int64(len(req.Body))
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	if a.userAgent != "" && hreq.Header.Get("User-Agent") == "" {
		hreq.Header.Set("User-Agent", a.userAgent)
	}

	raw, err := a.executeMiddleware(hreq)
	if err != nil {
		return nil, nil, err
	}
	defer raw.Body.Close()

	if raw.ContentLength > 0 {
		download.total.Store(raw.ContentLength)
	}
	data, err := io.ReadAll(&countingReader{r: raw.Body, tracker: download})
	if err != nil {
		return nil, nil, err
	}

	return &Response{
		StatusCode: raw.StatusCode,
		Header:     raw.Header.Clone(),
		Body:       data,
	}, raw, nil
}

func (a *HTTPAdapter) executeMiddleware(req *http.Request) (*http.Response, error) {
	current := RoundTripperFunc(a.httpClient.Do)

	for i := len(a.middleware) - 1; i >= 0; i-- {
		middleware := a.middleware[i]
		next := current
		current = func(r *http.Request) (*http.Response, error) {
			return middleware(r, next)
		}
	}

	return current.RoundTrip(req)
}

func (a *HTTPAdapter) contextError(ctx context.Context, req *Request, attempt int) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return a.fail(ErrorTypeTimeout, "request timed out", ctx.Err(), req, attempt)
	}
	e := abortError(req.Method, ctx.Err())
	e.Attempt = attempt
	return e
}

func (a *HTTPAdapter) fail(typ, message string, cause error, req *Request, attempt int) *Error {
	e := transportError(typ, message, cause, req.Method)
	e.Verb, e.URL = req.Verb, req.URL
	e.Attempt = attempt
	return e
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// progressTracker reports monotonically increasing progress across retries.
type progressTracker struct {
	fn       func(Progress)
	total    atomic.Int64
	reported atomic.Int64
}

func newProgressTracker(fn func(Progress)) *progressTracker {
	return &progressTracker{fn: fn}
}

func (t *progressTracker) report(loaded int64) {
	if t.fn == nil {
		return
	}
	for {
		prev := t.reported.Load()
		if loaded <= prev {
			return
		}
		if t.reported.CompareAndSwap(prev, loaded) {
			break
		}
	}
	t.fn(Progress{Loaded: loaded, Total: max(t.total.Load(), loaded)})
}

type countingReader struct {
	r       io.Reader
	n       int64
	tracker *progressTracker
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n += int64(n)
		c.tracker.report(c.n)
	}
	return n, err
}
