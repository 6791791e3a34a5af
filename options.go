package reqflow

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// WithBaseURL sets the base joined to relative method URLs.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		c.baseURL = base
	}
}

// WithTimeout sets the default request timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithAdapter sets the transport adapter.
func WithAdapter(a Adapter) Option {
	return func(c *Client) {
		c.adapter = a
	}
}

// WithStatesHook sets the factory for reactive state cells.
func WithStatesHook(h StatesHook) Option {
	return func(c *Client) {
		c.states = h
	}
}

// WithDefaultCachePolicy sets the policy for GET methods without their own.
// Other verbs are never cached unless a method or route says so.
func WithDefaultCachePolicy(p CachePolicy) Option {
	return func(c *Client) {
		c.defaultPolicy = p
	}
}

// WithRouteCachePolicy applies p to methods whose URL path starts with
// prefix. The longest matching prefix wins; per-method policies win over
// routes.
func WithRouteCachePolicy(prefix string, p CachePolicy) Option {
	return func(c *Client) {
		c.routes = append(c.routes, routePolicy{prefix: prefix, policy: p})
	}
}

// WithMaxCacheEntries bounds the memory tier.
func WithMaxCacheEntries(n int) Option {
	return func(c *Client) {
		c.maxEntries = n
	}
}

// WithDurableStore enables the durable cache tier.
func WithDurableStore(store DurableStore) Option {
	return func(c *Client) {
		c.durable = store
	}
}

// WithDurableTimeouts bounds durable reads and writes.
func WithDurableTimeouts(read, write time.Duration) Option {
	return func(c *Client) {
		c.durableReadTimeout = read
		c.durableWriteTimeout = write
	}
}

// WithBeforeRequest sets the hook run before every transport call.
func WithBeforeRequest(fn BeforeRequestFunc) Option {
	return func(c *Client) {
		c.before = fn
	}
}

// WithResponded sets the response interceptors.
func WithResponded(hooks RespondedHooks) Option {
	return func(c *Client) {
		c.responded = hooks
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetrics enables Prometheus metrics on the default registerer.
func WithMetrics() Option {
	return func(c *Client) {
		c.recorders = append(c.recorders, NewMetricsCollector())
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.recorders = append(c.recorders, collector)
	}
}

// WithRecorder adds a measurement sink such as a StatsdRecorder.
func WithRecorder(r Recorder) Option {
	return func(c *Client) {
		c.recorders = append(c.recorders, r)
	}
}

// WithClock overrides the time source of the cache tiers.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// WithCloser registers a resource released by Client.Close.
func WithCloser(closer io.Closer) Option {
	return func(c *Client) {
		c.closers = append(c.closers, closer)
	}
}

// ValidateConfiguration validates the client configuration and returns an error if invalid
func (c *Client) ValidateConfiguration() error {
	var problems []string

	problems = append(problems, c.validateTransportConfig()...)
	problems = append(problems, c.validateCacheConfig()...)
	problems = append(problems, c.validateExtremeValues()...)

	if len(problems) > 0 {
		return configError("configuration validation failed", fmt.Errorf("validation errors: %v", problems))
	}
	return nil
}

func (c *Client) validateTransportConfig() []string {
	var problems []string

	if c.adapter == nil {
		problems = append(problems, "adapter cannot be nil")
	}
	if c.states == nil {
		problems = append(problems, "states hook cannot be nil")
	}
	if c.timeout < 0 {
		problems = append(problems, "timeout must be non-negative")
	}
	if c.baseURL != "" {
		u, err := url.Parse(c.baseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, fmt.Sprintf("baseURL %q must be an absolute URL", c.baseURL))
		}
	}
	for i, r := range c.recorders {
		if r == nil {
			problems = append(problems, fmt.Sprintf("recorder[%d] cannot be nil", i))
		}
	}

	return problems
}

func (c *Client) validateCacheConfig() []string {
	var problems []string

	if c.maxEntries < 0 {
		problems = append(problems, "maxEntries must be non-negative")
	}
	if c.defaultPolicy.TTL < 0 {
		problems = append(problems, "default cache TTL must be non-negative")
	}
	for _, r := range c.routes {
		if strings.TrimSpace(r.prefix) == "" {
			problems = append(problems, "route cache policy needs a prefix")
		}
		if r.policy.TTL < 0 {
			problems = append(problems, fmt.Sprintf("route %q cache TTL must be non-negative", r.prefix))
		}
	}
	if c.durable != nil {
		if c.durableReadTimeout <= 0 {
			problems = append(problems, "durable read timeout must be positive")
		}
		if c.durableWriteTimeout <= 0 {
			problems = append(problems, "durable write timeout must be positive")
		}
	}

	return problems
}

func (c *Client) validateExtremeValues() []string {
	var problems []string

	if c.timeout > 10*time.Minute {
		problems = append(problems, "timeout > 10m may cause requests to hang for too long")
	}
	if c.durableReadTimeout > time.Minute {
		problems = append(problems, "durable read timeout > 1m would stall sends")
	}

	return problems
}
