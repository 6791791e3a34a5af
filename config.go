package reqflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ambiyansyah-risyal/reqflow/durable/redisstore"
	"github.com/ambiyansyah-risyal/reqflow/durable/sqlstore"
)

// Config is the file form of a client configuration.
type Config struct {
	BaseURL string        `yaml:"base_url" validate:"omitempty,url"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
	Cache   CacheConfig   `yaml:"cache"`
	HTTP    HTTPConfig    `yaml:"http"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// CacheConfig holds cache policies in directive form (see ParseCachePolicy).
type CacheConfig struct {
	Default    string             `yaml:"default"`
	MaxEntries int                `yaml:"max_entries" validate:"gte=0"`
	Routes     []RouteCacheConfig `yaml:"routes" validate:"dive"`
	Durable    DurableConfig      `yaml:"durable"`
}

// RouteCacheConfig applies a policy to URL paths under Prefix.
type RouteCacheConfig struct {
	Prefix string `yaml:"prefix" validate:"required"`
	Policy string `yaml:"policy"`
}

// DurableConfig selects the durable tier backend.
type DurableConfig struct {
	Driver       string        `yaml:"driver" validate:"omitempty,oneof=redis sqlite postgres"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db" validate:"gte=0"`
	Prefix       string        `yaml:"prefix"`
	DSN          string        `yaml:"dsn"`
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gte=0"`
}

// HTTPConfig configures the default HTTP adapter.
type HTTPConfig struct {
	UserAgent      string                `yaml:"user_agent"`
	MaxRetries     int                   `yaml:"max_retries" validate:"gte=0,lte=10"`
	InitialBackoff time.Duration         `yaml:"initial_backoff" validate:"gte=0"`
	MaxBackoff     time.Duration         `yaml:"max_backoff" validate:"gte=0"`
	Multiplier     float64               `yaml:"multiplier" validate:"gte=0"`
	Jitter         float64               `yaml:"jitter" validate:"gte=0,lte=1"`
	Strategy       string                `yaml:"strategy" validate:"omitempty,oneof=exponential decorrelated"`
	RetryBudget    RetryBudgetConfig     `yaml:"retry_budget"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig       `yaml:"rate_limit"`
}

// RetryBudgetConfig caps retries per time window.
type RetryBudgetConfig struct {
	MaxRetries int           `yaml:"max_retries" validate:"gte=0"`
	Window     time.Duration `yaml:"window" validate:"gte=0"`
}

// RateLimitConfig configures the token bucket.
type RateLimitConfig struct {
	MaxTokens  int           `yaml:"max_tokens" validate:"gte=0"`
	RefillRate time.Duration `yaml:"refill_rate" validate:"gte=0"`
}

// MetricsConfig selects metric sinks.
type MetricsConfig struct {
	Prometheus bool         `yaml:"prometheus"`
	Statsd     StatsdConfig `yaml:"statsd"`
}

// StatsdConfig configures the DogStatsD sink.
type StatsdConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr" validate:"required_if=Enabled true"`
	Namespace string `yaml:"namespace"`
}

// DefaultConfig returns the configuration New uses without options.
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
		Cache: CacheConfig{
			Default: CacheFor(defaultGetCacheTTL).String(),
		},
		HTTP: HTTPConfig{
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			Multiplier:     2.0,
			Jitter:         0.1,
			Strategy:       string(ExponentialJitter),
		},
	}
}

// LoadConfig reads a YAML file, applies REQFLOW_* environment overrides and
// validates the result.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, configError("failed to read config", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML on top of DefaultConfig. Unknown fields are
// rejected.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()

	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, configError("failed to parse config", err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides scalar settings from the environment.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var problems []string

	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", name, err))
				return
			}
			*dst = d
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", name, err))
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", name, err))
				return
			}
			*dst = b
		}
	}

	str("REQFLOW_BASE_URL", &cfg.BaseURL)
	dur("REQFLOW_TIMEOUT", &cfg.Timeout)
	str("REQFLOW_CACHE_DEFAULT", &cfg.Cache.Default)
	num("REQFLOW_CACHE_MAX_ENTRIES", &cfg.Cache.MaxEntries)
	str("REQFLOW_DURABLE_DRIVER", &cfg.Cache.Durable.Driver)
	str("REQFLOW_DURABLE_ADDR", &cfg.Cache.Durable.Addr)
	str("REQFLOW_DURABLE_PASSWORD", &cfg.Cache.Durable.Password)
	str("REQFLOW_DURABLE_DSN", &cfg.Cache.Durable.DSN)
	num("REQFLOW_HTTP_MAX_RETRIES", &cfg.HTTP.MaxRetries)
	str("REQFLOW_HTTP_USER_AGENT", &cfg.HTTP.UserAgent)
	flag("REQFLOW_LOG_ENABLED", &cfg.Logging.Enabled)
	str("REQFLOW_LOG_LEVEL", &cfg.Logging.Level)
	str("REQFLOW_LOG_FORMAT", &cfg.Logging.Format)
	flag("REQFLOW_METRICS_PROMETHEUS", &cfg.Metrics.Prometheus)
	flag("REQFLOW_STATSD_ENABLED", &cfg.Metrics.Statsd.Enabled)
	str("REQFLOW_STATSD_ADDR", &cfg.Metrics.Statsd.Addr)

	if len(problems) > 0 {
		return configError("invalid environment override", fmt.Errorf("validation errors: %v", problems))
	}
	return nil
}

// Validate runs struct-tag validation followed by semantic checks.
func (cfg Config) Validate() error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, e := range verrs {
				msgs = append(msgs, fmt.Sprintf("field '%s' failed rule '%s'", e.Namespace(), e.Tag()))
			}
			return configError("configuration validation failed", fmt.Errorf("validation errors: %v", msgs))
		}
		return configError("configuration validation failed", err)
	}

	var problems []string
	if _, err := ParseCachePolicy(cfg.Cache.Default); err != nil {
		problems = append(problems, fmt.Sprintf("cache.default: %v", err))
	}
	for _, r := range cfg.Cache.Routes {
		if _, err := ParseCachePolicy(r.Policy); err != nil {
			problems = append(problems, fmt.Sprintf("cache.routes[%s]: %v", r.Prefix, err))
		}
	}
	switch cfg.Cache.Durable.Driver {
	case "redis":
		if cfg.Cache.Durable.Addr == "" {
			problems = append(problems, "cache.durable.addr is required for redis")
		}
	case "sqlite", "postgres":
		if cfg.Cache.Durable.DSN == "" {
			problems = append(problems, fmt.Sprintf("cache.durable.dsn is required for %s", cfg.Cache.Durable.Driver))
		}
	}
	if cfg.HTTP.MaxBackoff > 0 && cfg.HTTP.InitialBackoff > cfg.HTTP.MaxBackoff {
		problems = append(problems, "http.initial_backoff must not exceed http.max_backoff")
	}
	if cfg.HTTP.RateLimit.MaxTokens > 0 && cfg.HTTP.RateLimit.RefillRate <= 0 {
		problems = append(problems, "http.rate_limit.refill_rate must be positive")
	}

	if len(problems) > 0 {
		return configError("configuration validation failed", fmt.Errorf("validation errors: %v", problems))
	}
	return nil
}

// NewFromConfig builds a client, its HTTP adapter, metric sinks, logger and
// durable store from cfg. Extra options are applied last and win.
func NewFromConfig(ctx context.Context, cfg Config, extra ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := NewLogger(cfg.Logging, nil)
	opts := []Option{
		WithBaseURL(cfg.BaseURL),
		WithTimeout(cfg.Timeout),
		WithLogger(logger),
		WithMaxCacheEntries(cfg.Cache.MaxEntries),
	}

	def, _ := ParseCachePolicy(cfg.Cache.Default)
	opts = append(opts, WithDefaultCachePolicy(def))
	for _, r := range cfg.Cache.Routes {
		p, _ := ParseCachePolicy(r.Policy)
		opts = append(opts, WithRouteCachePolicy(r.Prefix, p))
	}

	var recorders []Recorder
	if cfg.Metrics.Prometheus {
		recorders = append(recorders, NewMetricsCollector())
	}
	if cfg.Metrics.Statsd.Enabled {
		sd, err := NewStatsdRecorder(cfg.Metrics.Statsd.Addr, cfg.Metrics.Statsd.Namespace)
		if err != nil {
			return nil, configError("failed to create statsd recorder", err)
		}
		recorders = append(recorders, sd)
		opts = append(opts, WithCloser(sd))
	}
	for _, r := range recorders {
		opts = append(opts, WithRecorder(r))
	}

	var rec Recorder = nopRecorder{}
	switch len(recorders) {
	case 0:
	case 1:
		rec = recorders[0]
	default:
		rec = multiRecorder(recorders)
	}
	opts = append(opts, WithAdapter(newHTTPAdapterFromConfig(cfg.HTTP, logger, rec)))

	if cfg.Cache.Durable.Driver != "" {
		store, closer, err := openDurable(ctx, cfg.Cache.Durable)
		if err != nil {
			return nil, configError("failed to open durable store", err)
		}
		opts = append(opts, WithDurableStore(store), WithCloser(closer))

		read, write := cfg.Cache.Durable.ReadTimeout, cfg.Cache.Durable.WriteTimeout
		if read == 0 {
			read = defaultDurableReadTimeout
		}
		if write == 0 {
			write = defaultDurableWriteTimeout
		}
		opts = append(opts, WithDurableTimeouts(read, write))
	}

	return New(append(opts, extra...)...)
}

func newHTTPAdapterFromConfig(cfg HTTPConfig, logger zerolog.Logger, rec Recorder) *HTTPAdapter {
	opts := []HTTPOption{
		WithAdapterLogger(logger),
		WithAdapterMetrics(rec),
	}
	if cfg.UserAgent != "" {
		opts = append(opts, WithUserAgent(cfg.UserAgent))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, WithRetryPolicy(NewDefaultRetryPolicyWithStrategy(
			cfg.MaxRetries, cfg.InitialBackoff, cfg.MaxBackoff, cfg.Multiplier, cfg.Jitter, BackoffStrategy(cfg.Strategy),
		)))
	}
	if cfg.RetryBudget.MaxRetries > 0 && cfg.RetryBudget.Window > 0 {
		opts = append(opts, WithRetryBudget(cfg.RetryBudget.MaxRetries, cfg.RetryBudget.Window))
	}
	if cfg.CircuitBreaker != nil {
		opts = append(opts, WithCircuitBreaker(*cfg.CircuitBreaker))
	}
	if cfg.RateLimit.MaxTokens > 0 {
		opts = append(opts, WithRateLimiter(cfg.RateLimit.MaxTokens, cfg.RateLimit.RefillRate))
	}
	return NewHTTPAdapter(opts...)
}

type durableCloser interface {
	DurableStore
	Close() error
}

func openDurable(ctx context.Context, cfg DurableConfig) (DurableStore, interface{ Close() error }, error) {
	var (
		store durableCloser
		err   error
	)
	switch cfg.Driver {
	case "redis":
		store, err = redisstore.New(ctx, redisstore.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			Prefix:   cfg.Prefix,
		})
	case "sqlite":
		store, err = sqlstore.Open(ctx, sqlstore.SQLite, cfg.DSN)
	case "postgres":
		store, err = sqlstore.Open(ctx, sqlstore.Postgres, cfg.DSN)
	default:
		err = fmt.Errorf("unknown durable driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, nil, err
	}
	return store, store, nil
}

// String renders cfg as YAML with secrets masked.
func (cfg Config) String() string {
	masked := cfg
	if masked.Cache.Durable.Password != "" {
		masked.Cache.Durable.Password = "***"
	}
	masked.Cache.Durable.DSN = maskDSN(masked.Cache.Durable.DSN)
	out, err := yaml.Marshal(masked)
	if err != nil {
		return fmt.Sprintf("%+v", masked)
	}
	return string(out)
}

// maskDSN hides the userinfo password of a URL-form DSN and blanks any DSN
// that still names a password parameter.
func maskDSN(dsn string) string {
	if dsn == "" {
		return dsn
	}
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" {
		dsn = u.Redacted()
	}
	if strings.Contains(dsn, "password") {
		return "***"
	}
	return dsn
}
