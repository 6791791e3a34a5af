// Package reactive provides a minimal observable value usable both as a
// reqflow state cell and as a watched input.
package reactive

import (
	"sync"
)

// Ref is a goroutine-safe observable value. Subscribers are notified
// synchronously, in subscription order, outside the lock.
type Ref struct {
	mu      sync.RWMutex
	value   any
	version uint64
	subs    []*subscription
}

type subscription struct {
	fn     func(any)
	closed bool
}

// NewRef creates a Ref holding initial.
func NewRef(initial any) *Ref {
	return &Ref{value: initial}
}

// Get returns the current value.
func (r *Ref) Get() any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.value
}

// Version counts Set calls, useful to detect writes in tests.
func (r *Ref) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Set stores v and notifies subscribers.
func (r *Ref) Set(v any) {
	r.mu.Lock()
	r.value = v
	r.version++
	fns := make([]func(any), 0, len(r.subs))
	live := r.subs[:0]
	for _, s := range r.subs {
		if s.closed {
			continue
		}
		live = append(live, s)
		fns = append(fns, s.fn)
	}
	r.subs = live
	r.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Update replaces the value with fn applied to the current one.
func (r *Ref) Update(fn func(any) any) {
	r.mu.RLock()
	cur := r.value
	r.mu.RUnlock()
	r.Set(fn(cur))
}

// Subscribe registers fn for future changes.
func (r *Ref) Subscribe(fn func(value any)) (unsubscribe func()) {
	s := &subscription{fn: fn}
	r.mu.Lock()
	r.subs = append(r.subs, s)
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		s.closed = true
		r.mu.Unlock()
	}
}
