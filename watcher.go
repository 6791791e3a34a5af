package reqflow

import (
	"context"
	"sync"
	"time"
)

// Watcher re-sends its request whenever a watched input changes, optionally
// debounced. Its event handlers persist across invocations.
type Watcher struct {
	*RequestState

	inputs   []Watchable
	debounce []time.Duration
	leading  bool

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	timer    *time.Timer
	token    uint64
	trailing bool
	unsubs   []func()
	closed   bool
}

func (c *Client) newWatcher(handler MethodHandler, inputs []Watchable, cfg hookConfig) (*Watcher, error) {
	if handler == nil {
		return nil, configError("watcher needs a method handler", ErrNilHandler)
	}
	if len(inputs) == 0 {
		return nil, configError("watcher needs at least one input", ErrNoWatchedInputs)
	}
	for _, d := range cfg.debounce {
		if d < 0 {
			return nil, configError("debounce must not be negative", nil)
		}
	}

	state := c.newState(stateSpec{
		handler:    handler,
		cfg:        cfg,
		register:   true,
		persistent: true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		RequestState: state,
		inputs:       inputs,
		debounce:     cfg.debounce,
		leading:      cfg.leading,
		ctx:          ctx,
		cancel:       cancel,
	}
	state.defaultArgs = w.values

	for i, in := range inputs {
		idx := i
		w.unsubs = append(w.unsubs, in.Subscribe(func(any) {
			w.changed(idx)
		}))
	}

	if cfg.immediateOr(false) {
		w.trigger()
	}
	return w, nil
}

// values snapshots the current input values in input order.
func (w *Watcher) values() []any {
	out := make([]any, len(w.inputs))
	for i, in := range w.inputs {
		out[i] = in.Get()
	}
	return out
}

func (w *Watcher) debounceFor(idx int) time.Duration {
	switch {
	case len(w.debounce) == 0:
		return 0
	case idx < len(w.debounce):
		return w.debounce[idx]
	default:
		return w.debounce[0]
	}
}

func (w *Watcher) changed(idx int) {
	d := w.debounceFor(idx)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	if d <= 0 {
		// The immediate send carries every pending change.
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		w.token++
		w.trailing = false
		w.mu.Unlock()
		w.trigger()
		return
	}

	fireNow := false
	if w.leading {
		if w.timer == nil {
			fireNow = true
		} else {
			w.trailing = true
		}
	}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.token++
	token := w.token
	w.timer = time.AfterFunc(d, func() { w.elapsed(token) })
	w.mu.Unlock()

	if fireNow {
		w.trigger()
	}
}

// elapsed closes a debounce window. In trailing mode it always sends; in
// leading mode only when changes arrived after the leading send.
func (w *Watcher) elapsed(token uint64) {
	w.mu.Lock()
	if w.closed || token != w.token {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	fire := !w.leading || w.trailing
	w.trailing = false
	w.mu.Unlock()

	if fire {
		w.trigger()
	}
}

func (w *Watcher) trigger() {
	w.RequestState.Send(w.ctx)
}

// Close unsubscribes from the inputs, stops pending timers and aborts
// outstanding invocations.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	unsubs := w.unsubs
	w.unsubs = nil
	w.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	w.cancel()
	w.RequestState.Close()
}
