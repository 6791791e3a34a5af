package reqflow

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Invocation is the outcome handle of one send.
type Invocation struct {
	id     string
	method *Method
	args   []any
	hub    *Hub
	done   chan struct{}

	// counted marks invocations that contribute to the loading counter.
	counted bool

	mu        sync.Mutex
	handle    *Handle
	aborted   bool
	settled   bool
	data      any
	err       error
	fromCache bool
}

func newInvocation(m *Method, args []any) *Invocation {
	return &Invocation{
		id:     uuid.NewString(),
		method: m,
		args:   args,
		hub:    newHub(false),
		done:   make(chan struct{}),
	}
}

// ID returns the unique invocation id used in logs.
func (inv *Invocation) ID() string { return inv.id }

// Method returns the method sent, nil when the handler failed.
func (inv *Invocation) Method() *Method { return inv.method }

// Done is closed once the invocation has settled.
func (inv *Invocation) Done() <-chan struct{} { return inv.done }

// Wait blocks until the invocation settles or ctx ends. Ending ctx only stops
// waiting; use Abort to withdraw from the request.
func (inv *Invocation) Wait(ctx context.Context) (any, error) {
	select {
	case <-inv.done:
		return inv.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the settled outcome; before settlement both are nil.
func (inv *Invocation) Result() (any, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.data, inv.err
}

// FromCache reports whether the outcome was served from the cache.
func (inv *Invocation) FromCache() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.fromCache
}

// Abort withdraws this invocation from its request. Other sharers of the
// same transport call are unaffected.
func (inv *Invocation) Abort() {
	inv.mu.Lock()
	if inv.settled || inv.aborted {
		inv.mu.Unlock()
		return
	}
	inv.aborted = true
	h := inv.handle
	inv.mu.Unlock()

	if h != nil {
		h.Abort()
	}
}

// OnSuccess registers a one-shot success handler for this invocation.
func (inv *Invocation) OnSuccess(fn func(Event)) *Invocation {
	inv.hub.OnSuccess(fn)
	return inv
}

// OnError registers a one-shot error handler for this invocation.
func (inv *Invocation) OnError(fn func(Event)) *Invocation {
	inv.hub.OnError(fn)
	return inv
}

// OnComplete registers a one-shot completion handler for this invocation.
func (inv *Invocation) OnComplete(fn func(Event)) *Invocation {
	inv.hub.OnComplete(fn)
	return inv
}

func (inv *Invocation) isAborted() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.aborted
}

// attach records the dispatch handle, aborting it at once when the
// invocation was aborted before dispatch.
func (inv *Invocation) attach(h *Handle) {
	inv.mu.Lock()
	aborted := inv.aborted
	if !aborted {
		inv.handle = h
	}
	inv.mu.Unlock()

	if aborted {
		h.Abort()
	}
}

func (inv *Invocation) settle(data any, err error, fromCache bool) bool {
	inv.mu.Lock()
	if inv.settled {
		inv.mu.Unlock()
		return false
	}
	inv.settled = true
	inv.data, inv.err, inv.fromCache = data, err, fromCache
	inv.handle = nil
	inv.mu.Unlock()
	return true
}

// complete releases waiters. It runs after the event handlers so a returned
// Wait observes every handler's effects.
func (inv *Invocation) complete() {
	close(inv.done)
}

func (inv *Invocation) event() Event {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return Event{
		Method:       inv.method,
		InvocationID: inv.id,
		Args:         inv.args,
		Data:         inv.data,
		Err:          inv.err,
		FromCache:    inv.fromCache,
	}
}
