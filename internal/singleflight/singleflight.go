package singleflight

import (
	"context"
	"fmt"
	"sync"
)

// Func is the work shared by every member of a call. ctx is cancelled once all
// members have left before the call settles; emit broadcasts an event to the
// subscribers registered at that moment.
type Func func(ctx context.Context, emit func(event any)) (any, error)

// Group manages a set of in-flight calls keyed by string. Members hold a
// reference on the call they joined and release it with Leave.
type Group struct {
	mu    sync.Mutex
	calls map[string]*Call
}

// Call represents an in-flight or settled execution shared by its members.
type Call struct {
	g      *Group
	key    string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	refs      int
	settled   bool
	val       any
	err       error
	listeners []*listener
}

type listener struct {
	fn      func(any)
	removed bool
}

// New creates an empty Group.
func New() *Group {
	return &Group{
		calls: make(map[string]*Call),
	}
}

// Join attaches to the in-flight call for key, or starts fn in a new goroutine
// when none exists. shared reports whether an existing call was joined. The
// caller owns one reference and must release it with Leave if it stops waiting
// before the call settles.
func (g *Group) Join(key string, fn Func) (c *Call, shared bool) {
	g.mu.Lock()
	if c, ok := g.calls[key]; ok {
		c.mu.Lock()
		c.refs++
		c.mu.Unlock()
		g.mu.Unlock()
		return c, true
	}

	c = g.newCall(key)
	g.calls[key] = c
	g.mu.Unlock()

	go c.run(fn)
	return c, false
}

// Start runs fn as a private call that is never registered for sharing.
func (g *Group) Start(fn Func) *Call {
	c := g.newCall("")
	go c.run(fn)
	return c
}

// InFlight returns the number of registered calls.
func (g *Group) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// Forget unregisters the call for key so the next Join starts a new one. The
// forgotten call keeps running for its current members.
func (g *Group) Forget(key string) {
	g.mu.Lock()
	delete(g.calls, key)
	g.mu.Unlock()
}

func (g *Group) newCall(key string) *Call {
	ctx, cancel := context.WithCancel(context.Background())
	return &Call{
		g:      g,
		key:    key,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		refs:   1,
	}
}

// remove must be called with g.mu held. It is a no-op when c is no longer the
// registered call for its key.
func (g *Group) remove(c *Call) {
	if c.key == "" {
		return
	}
	if cur, ok := g.calls[c.key]; ok && cur == c {
		delete(g.calls, c.key)
	}
}

func (c *Call) run(fn Func) {
	var (
		val any
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("singleflight: call panicked: %v", r)
			}
		}()
		val, err = fn(c.ctx, c.emit)
	}()

	c.g.mu.Lock()
	c.g.remove(c)
	c.g.mu.Unlock()

	c.mu.Lock()
	c.val, c.err = val, err
	c.settled = true
	c.listeners = nil
	c.mu.Unlock()

	c.cancel()
	close(c.done)
}

func (c *Call) emit(event any) {
	c.mu.Lock()
	if c.settled {
		c.mu.Unlock()
		return
	}
	fns := make([]func(any), 0, len(c.listeners))
	for _, l := range c.listeners {
		if !l.removed {
			fns = append(fns, l.fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
}

// Subscribe registers fn for events emitted by the call until the returned
// function is invoked or the call settles.
func (c *Call) Subscribe(fn func(any)) (unsubscribe func()) {
	l := &listener{fn: fn}
	c.mu.Lock()
	if !c.settled {
		c.listeners = append(c.listeners, l)
	}
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		l.removed = true
		c.mu.Unlock()
	}
}

// Leave releases one reference. When the last member leaves before the call
// settles, the call is unregistered and its context cancelled; Leave then
// reports true. Calling Leave after settlement only drops the reference.
func (c *Call) Leave() (cancelled bool) {
	c.g.mu.Lock()
	c.mu.Lock()
	if c.refs > 0 {
		c.refs--
	}
	cancelled = c.refs == 0 && !c.settled
	if cancelled {
		c.g.remove(c)
	}
	c.mu.Unlock()
	c.g.mu.Unlock()

	if cancelled {
		c.cancel()
	}
	return cancelled
}

// Refs returns the current number of members.
func (c *Call) Refs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

// Done is closed once the call has settled.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome. It must only be called after Done is closed.
func (c *Call) Result() (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val, c.err
}

// Wait blocks until the call settles or ctx is done.
func (c *Call) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
