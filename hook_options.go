package reqflow

import (
	"time"
)

// SendOption adjusts a single send.
type SendOption func(*sendOptions)

type sendOptions struct {
	args         []any
	argsSet      bool
	force        bool
	updateShared bool
}

// WithArgs passes args to the method handler.
func WithArgs(args ...any) SendOption {
	return func(o *sendOptions) {
		o.args = args
		o.argsSet = true
	}
}

// Force bypasses both cache tiers and always dispatches.
func Force() SendOption {
	return func(o *sendOptions) {
		o.force = true
	}
}

// UpdateShared propagates the outcome to every other live site bound to the
// same identity.
func UpdateShared() SendOption {
	return func(o *sendOptions) {
		o.updateShared = true
	}
}

// HookOption configures UseRequest, UseWatcher and UseFetcher.
type HookOption func(*hookConfig)

type hookConfig struct {
	immediate    *bool
	initialData  any
	debounce     []time.Duration
	leading      bool
	discardStale bool
	force        bool
	states       StatesHook
}

func newHookConfig(opts []HookOption) hookConfig {
	var cfg hookConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (c hookConfig) immediateOr(def bool) bool {
	if c.immediate == nil {
		return def
	}
	return *c.immediate
}

// WithImmediate controls whether the hook sends at construction. UseRequest
// defaults to true, UseWatcher to false.
func WithImmediate(immediate bool) HookOption {
	return func(c *hookConfig) {
		c.immediate = &immediate
	}
}

// WithInitialData sets the data cell's value before the first send.
func WithInitialData(v any) HookOption {
	return func(c *hookConfig) {
		c.initialData = v
	}
}

// WithDebounce sets the watcher debounce. A single value applies to every
// input; several values are matched to inputs by index, and inputs without a
// value of their own use the first one.
func WithDebounce(d ...time.Duration) HookOption {
	return func(c *hookConfig) {
		c.debounce = append([]time.Duration(nil), d...)
	}
}

// WithLeading makes a debounced watcher fire on the leading edge of a burst,
// followed by at most one trailing send for later changes in the window.
func WithLeading(leading bool) HookOption {
	return func(c *hookConfig) {
		c.leading = leading
	}
}

// WithDiscardStale drops state writes from invocations older than the newest
// one already applied.
func WithDiscardStale() HookOption {
	return func(c *hookConfig) {
		c.discardStale = true
	}
}

// WithForce makes every send of the hook bypass the cache.
func WithForce() HookOption {
	return func(c *hookConfig) {
		c.force = true
	}
}

// WithStates overrides the client's StatesHook for one hook.
func WithStates(states StatesHook) HookOption {
	return func(c *hookConfig) {
		c.states = states
	}
}
