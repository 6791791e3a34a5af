package reqflow

import (
	"sync"
)

// EventKind tags a lifecycle handler.
type EventKind int

const (
	EventSuccess EventKind = iota
	EventError
	EventComplete
)

func (k EventKind) String() string {
	switch k {
	case EventSuccess:
		return "success"
	case EventError:
		return "error"
	case EventComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Event describes the outcome of one invocation.
type Event struct {
	Method       *Method
	InvocationID string
	Args         []any
	Data         any
	Err          error
	FromCache    bool
}

// Succeeded reports whether the invocation resolved without error.
func (e Event) Succeeded() bool {
	return e.Err == nil
}

type eventHandler struct {
	kind       EventKind
	fn         func(Event)
	persistent bool
}

// Hub dispatches lifecycle events to registered handlers. Handlers run in
// registration order, success or error handlers before complete handlers.
// A one-shot hub drops its handlers after each outcome; a handler registered
// once an outcome has been delivered, and before the next round begins, is
// invoked immediately with that outcome.
type Hub struct {
	mu         sync.Mutex
	persistent bool
	handlers   []eventHandler
	settled    bool
	last       Event
}

func newHub(persistent bool) *Hub {
	return &Hub{persistent: persistent}
}

// OnSuccess registers fn for successful outcomes.
func (h *Hub) OnSuccess(fn func(Event)) {
	h.on(EventSuccess, fn)
}

// OnError registers fn for failed outcomes.
func (h *Hub) OnError(fn func(Event)) {
	h.on(EventError, fn)
}

// OnComplete registers fn for every outcome.
func (h *Hub) OnComplete(fn func(Event)) {
	h.on(EventComplete, fn)
}

func (h *Hub) on(kind EventKind, fn func(Event)) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	if h.settled {
		ev := h.last
		if h.persistent {
			h.handlers = append(h.handlers, eventHandler{kind: kind, fn: fn, persistent: true})
		}
		h.mu.Unlock()
		if matches(kind, ev) {
			fn(ev)
		}
		return
	}
	h.handlers = append(h.handlers, eventHandler{kind: kind, fn: fn, persistent: h.persistent})
	h.mu.Unlock()
}

// begin opens a new round: late registrations wait for the next outcome.
func (h *Hub) begin() {
	h.mu.Lock()
	h.settled = false
	h.mu.Unlock()
}

// emit delivers ev to the matching handlers.
func (h *Hub) emit(ev Event) {
	h.mu.Lock()
	snapshot := h.handlers
	if !h.persistent {
		h.handlers = nil
	} else {
		h.handlers = append([]eventHandler(nil), snapshot...)
	}
	h.settled = true
	h.last = ev
	h.mu.Unlock()

	for _, hd := range snapshot {
		if hd.kind != EventComplete && matches(hd.kind, ev) {
			hd.fn(ev)
		}
	}
	for _, hd := range snapshot {
		if hd.kind == EventComplete {
			hd.fn(ev)
		}
	}
}

func matches(kind EventKind, ev Event) bool {
	switch kind {
	case EventSuccess:
		return ev.Err == nil
	case EventError:
		return ev.Err != nil
	default:
		return true
	}
}
