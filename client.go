package reqflow

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ambiyansyah-risyal/reqflow/internal/singleflight"
	"github.com/ambiyansyah-risyal/reqflow/reactive"
)

const defaultGetCacheTTL = 5 * time.Minute

// Client owns the process-wide pieces shared by every request site: the
// in-flight registry, the cache tiers and the site registry used for shared
// updates. It is safe for concurrent use.
type Client struct {
	baseURL             string
	timeout             time.Duration
	adapter             Adapter
	states              StatesHook
	defaultPolicy       CachePolicy
	routes              []routePolicy
	maxEntries          int
	durable             DurableStore
	durableReadTimeout  time.Duration
	durableWriteTimeout time.Duration
	before              BeforeRequestFunc
	responded           RespondedHooks
	logger              zerolog.Logger
	recorders           []Recorder
	metrics             Recorder
	now                 func() time.Time
	closers             []io.Closer

	cache      *CacheStore
	dispatcher *Dispatcher
	sites      *siteRegistry
	closed     atomic.Bool
}

type routePolicy struct {
	prefix string
	policy CachePolicy
}

// refHook creates reactive.Ref cells.
type refHook struct{}

func (refHook) Create(initial any) Cell {
	return reactive.NewRef(initial)
}

// New constructs a Client. Invalid configuration is reported as a
// configuration error.
func New(options ...Option) (*Client, error) {
	c := &Client{
		timeout:             30 * time.Second,
		states:              refHook{},
		defaultPolicy:       CacheFor(defaultGetCacheTTL),
		durableReadTimeout:  defaultDurableReadTimeout,
		durableWriteTimeout: defaultDurableWriteTimeout,
		logger:              zerolog.Nop(),
		now:                 time.Now,
	}

	for _, option := range options {
		option(c)
	}

	switch len(c.recorders) {
	case 0:
		c.metrics = nopRecorder{}
	case 1:
		c.metrics = c.recorders[0]
	default:
		c.metrics = multiRecorder(c.recorders)
	}
	if c.adapter == nil {
		c.adapter = NewHTTPAdapter(WithAdapterLogger(c.logger), WithAdapterMetrics(c.metrics))
	}

	if err := c.ValidateConfiguration(); err != nil {
		return nil, err
	}

	memory := NewMemoryCache(c.maxEntries)
	memory.now = c.now
	c.cache = newCacheStore(memory, c.durable, c.logger, c.metrics)
	c.cache.now = c.now
	c.cache.readTimeout = c.durableReadTimeout
	c.cache.writeTimeout = c.durableWriteTimeout

	c.dispatcher = &Dispatcher{
		adapter:   c.adapter,
		group:     singleflight.New(),
		baseURL:   c.baseURL,
		timeout:   c.timeout,
		before:    c.before,
		responded: c.responded,
		cache:     c.cache,
		policyFor: c.policyFor,
		metrics:   c.metrics,
		logger:    c.logger,
	}
	c.sites = newSiteRegistry()

	return c, nil
}

// Cache returns the two-tier cache store.
func (c *Client) Cache() *CacheStore { return c.cache }

// Dispatcher returns the request dispatcher.
func (c *Client) Dispatcher() *Dispatcher { return c.dispatcher }

// Logger returns the client logger.
func (c *Client) Logger() zerolog.Logger { return c.logger }

// UseRequest creates a request site. Unless WithImmediate(false) is given it
// sends once right away.
func (c *Client) UseRequest(handler MethodHandler, opts ...HookOption) *RequestState {
	cfg := newHookConfig(opts)
	s := c.newState(stateSpec{handler: handler, cfg: cfg, register: true})
	if cfg.immediateOr(true) {
		s.Send(context.Background())
	}
	return s
}

// UseWatcher creates a site that re-sends when any input changes.
func (c *Client) UseWatcher(handler MethodHandler, inputs []Watchable, opts ...HookOption) (*Watcher, error) {
	return c.newWatcher(handler, inputs, newHookConfig(opts))
}

// UseFetcher creates a fetcher.
func (c *Client) UseFetcher(opts ...HookOption) *Fetcher {
	return c.newFetcher(newHookConfig(opts))
}

// Invoke runs m once outside any site, honouring the cache. The returned
// invocation settles asynchronously.
func (c *Client) Invoke(ctx context.Context, m *Method, opts ...SendOption) *Invocation {
	s := c.newState(stateSpec{handler: Static(m), cfg: hookConfig{states: refHook{}}, headless: true})
	return s.Send(ctx, opts...)
}

// Send is Invoke followed by Wait.
func (c *Client) Send(ctx context.Context, m *Method, opts ...SendOption) (any, error) {
	return c.Invoke(ctx, m, opts...).Wait(ctx)
}

// policyFor resolves the cache policy for m: its own, then the longest
// matching route, then the GET default.
func (c *Client) policyFor(m *Method) CachePolicy {
	if p, ok := m.CachePolicy(); ok {
		return p
	}

	path := m.URL()
	if u, err := url.Parse(path); err == nil {
		path = u.Path
	}
	best := -1
	var policy CachePolicy
	for _, r := range c.routes {
		if strings.HasPrefix(path, r.prefix) && len(r.prefix) > best {
			best, policy = len(r.prefix), r.policy
		}
	}
	if best >= 0 {
		return policy
	}

	if m.Verb() == "GET" {
		return c.defaultPolicy
	}
	return NoCache()
}

// Close waits for pending durable writes, bounded by ctx, and releases the
// durable store and other registered resources.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if err := c.cache.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, closer := range c.closers {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// siteRegistry tracks which live sites are bound to which identity.
type siteRegistry struct {
	mu     sync.Mutex
	byKey  map[string]map[*RequestState]struct{}
	bySite map[*RequestState]string
}

func newSiteRegistry() *siteRegistry {
	return &siteRegistry{
		byKey:  make(map[string]map[*RequestState]struct{}),
		bySite: make(map[*RequestState]string),
	}
}

func (r *siteRegistry) bind(s *RequestState, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.bySite[s]; ok {
		if old == key {
			return
		}
		r.removeLocked(s, old)
	}
	set, ok := r.byKey[key]
	if !ok {
		set = make(map[*RequestState]struct{})
		r.byKey[key] = set
	}
	set[s] = struct{}{}
	r.bySite[s] = key
}

func (r *siteRegistry) unbind(s *RequestState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key, ok := r.bySite[s]; ok {
		r.removeLocked(s, key)
	}
}

func (r *siteRegistry) removeLocked(s *RequestState, key string) {
	delete(r.bySite, s)
	if set, ok := r.byKey[key]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(r.byKey, key)
		}
	}
}

func (r *siteRegistry) peers(key string, except *RequestState) []*RequestState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*RequestState, 0, len(r.byKey[key]))
	for s := range r.byKey[key] {
		if s != except {
			out = append(out, s)
		}
	}
	return out
}
