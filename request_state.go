package reqflow

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// RequestState binds one request site to reactive state cells. It runs the
// send lifecycle: cache lookup, dispatch, state writes and events.
type RequestState struct {
	client  *Client
	handler MethodHandler
	hub     *Hub
	logger  zerolog.Logger

	data     Cell
	loading  Cell
	err      Cell
	download Cell
	upload   Cell

	headless     bool
	register     bool
	discardStale bool
	force        bool
	defaultArgs  func() []any

	mu       sync.Mutex
	visible  int
	inflight map[*Invocation]struct{}
	seq      uint64
	applied  uint64
	closed   bool

	loadingMu sync.Mutex
}

type stateSpec struct {
	handler    MethodHandler
	cfg        hookConfig
	register   bool
	headless   bool
	persistent bool
}

func (c *Client) newState(spec stateSpec) *RequestState {
	states := c.states
	if spec.cfg.states != nil {
		states = spec.cfg.states
	}

	return &RequestState{
		client:       c,
		handler:      spec.handler,
		hub:          newHub(spec.persistent),
		logger:       c.logger,
		data:         states.Create(spec.cfg.initialData),
		loading:      states.Create(false),
		err:          states.Create(nil),
		download:     states.Create(Progress{}),
		upload:       states.Create(Progress{}),
		headless:     spec.headless,
		register:     spec.register,
		discardStale: spec.cfg.discardStale,
		force:        spec.cfg.force,
		inflight:     make(map[*Invocation]struct{}),
	}
}

// Send resolves the method through the handler and runs one invocation.
func (s *RequestState) Send(ctx context.Context, opts ...SendOption) *Invocation {
	var so sendOptions
	for _, opt := range opts {
		opt(&so)
	}
	if !so.argsSet && s.defaultArgs != nil {
		so.args = s.defaultArgs()
	}

	m, err := s.resolve(so.args)
	if err != nil {
		return s.reject(so.args, err)
	}
	return s.run(ctx, m, so)
}

func (s *RequestState) ensureOpen() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || s.client.closed.Load() {
		return configError("send on closed state", ErrClientClosed)
	}
	return nil
}

func (s *RequestState) resolve(args []any) (*Method, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if s.handler == nil {
		return nil, configError("no method handler", ErrNilHandler)
	}

	m, err := s.handler(args...)
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			return nil, err
		}
		return nil, configError("method handler failed", err)
	}
	if m == nil {
		return nil, configError("method handler returned nil", ErrNilHandler)
	}
	return m, nil
}

// reject settles an invocation whose method could not be built. State cells
// are left untouched; the failure is delivered through events only.
func (s *RequestState) reject(args []any, err error) *Invocation {
	inv := newInvocation(nil, args)
	inv.settle(nil, err, false)
	s.logger.Error().Err(err).Str("invocation", inv.id).Msg("send rejected")

	ev := inv.event()
	s.hub.begin()
	s.hub.emit(ev)
	inv.hub.emit(ev)
	inv.complete()
	return inv
}

func (s *RequestState) run(ctx context.Context, m *Method, so sendOptions) *Invocation {
	inv := newInvocation(m, so.args)
	s.hub.begin()
	key := m.Key()
	policy := s.client.policyFor(m)

	s.mu.Lock()
	s.seq++
	gen := s.seq
	s.inflight[inv] = struct{}{}
	s.mu.Unlock()
	if s.register {
		s.client.sites.bind(s, key)
	}

	force := so.force || s.force
	placeholder := false
	if !force && policy.Enabled() {
		if entry, ok := s.client.cache.Read(key); ok {
			if entry.Mode == ModeFresh {
				s.finish(inv, gen, entry.Value, nil, true, so.updateShared)
				return inv
			}
			placeholder = true
			s.setData(entry.Value)
		}
	}

	if !placeholder {
		inv.counted = true
		s.mu.Lock()
		s.visible++
		s.mu.Unlock()
		s.syncLoading()
	}

	s.logger.Debug().
		Str("key", key).
		Str("verb", m.Verb()).
		Str("url", m.URL()).
		Str("invocation", inv.id).
		Bool("placeholder", placeholder).
		Msg("send")

	go s.execute(ctx, inv, m, policy, gen, so, force || placeholder)
	return inv
}

func (s *RequestState) execute(ctx context.Context, inv *Invocation, m *Method, policy CachePolicy, gen uint64, so sendOptions, skipCache bool) {
	if !skipCache && policy.Persist {
		if entry, ok := s.client.cache.ReadDurable(ctx, m, policy); ok && !inv.isAborted() {
			if entry.Mode == ModeFresh {
				s.finish(inv, gen, entry.Value, nil, true, so.updateShared)
				return
			}
			s.setData(entry.Value)
		}
	}

	if inv.isAborted() {
		s.finish(inv, gen, nil, abortError(m, nil), false, false)
		return
	}

	h := s.client.dispatcher.Dispatch(ctx, m)
	inv.attach(h)
	unsubDown := h.OnDownload(func(p Progress) { s.download.Set(p) })
	unsubUp := h.OnUpload(func(p Progress) { s.upload.Set(p) })

	data, err := h.Wait(ctx)
	unsubDown()
	unsubUp()

	s.logger.Debug().
		Str("key", m.Key()).
		Str("invocation", inv.id).
		Bool("shared", h.Shared()).
		Bool("from_cache", false).
		Err(err).
		Msg("settled")

	s.finish(inv, gen, data, err, false, so.updateShared)
}

// finish applies an outcome to state, then fires events. Stale outcomes
// (when discarding is on) and aborted ones never write data.
func (s *RequestState) finish(inv *Invocation, gen uint64, data any, err error, fromCache, updateShared bool) {
	aborted := inv.isAborted() || IsAborted(err)
	if aborted {
		data = nil
		if err == nil || !IsAborted(err) {
			err = abortError(inv.method, nil)
		}
	}

	s.mu.Lock()
	delete(s.inflight, inv)
	stale := false
	if !aborted {
		if s.discardStale && gen < s.applied {
			stale = true
		} else if gen > s.applied {
			s.applied = gen
		}
	}
	if inv.counted {
		s.visible--
	}
	s.mu.Unlock()

	if !stale {
		if err == nil {
			s.setData(data)
			s.err.Set(nil)
		} else {
			s.err.Set(err)
		}
	}
	if inv.counted {
		s.syncLoading()
	}

	if updateShared && !aborted && !stale && inv.method != nil {
		for _, peer := range s.client.sites.peers(inv.method.Key(), s) {
			peer.applyShared(data, err)
		}
	}

	inv.settle(data, err, fromCache)
	ev := inv.event()
	s.hub.emit(ev)
	inv.hub.emit(ev)
	inv.complete()
}

func (s *RequestState) applyShared(data any, err error) {
	if err == nil {
		s.setData(data)
		s.err.Set(nil)
		return
	}
	s.err.Set(err)
}

func (s *RequestState) setData(v any) {
	if !s.headless {
		s.data.Set(v)
	}
}

// syncLoading writes the loading cell from the pending counter. Writes are
// serialised so the cell converges on the counter's latest value.
func (s *RequestState) syncLoading() {
	s.loadingMu.Lock()
	defer s.loadingMu.Unlock()

	s.mu.Lock()
	want := s.visible > 0
	s.mu.Unlock()

	if cur, _ := s.loading.Get().(bool); cur != want {
		s.loading.Set(want)
	}
}

// Abort aborts every outstanding invocation of this site.
func (s *RequestState) Abort() {
	s.mu.Lock()
	pending := make([]*Invocation, 0, len(s.inflight))
	for inv := range s.inflight {
		pending = append(pending, inv)
	}
	s.mu.Unlock()

	for _, inv := range pending {
		inv.Abort()
	}
}

// Close aborts outstanding work and unbinds the site. Later sends fail.
func (s *RequestState) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.Abort()
	if s.register {
		s.client.sites.unbind(s)
	}
}

// Update replaces the data cell's value without sending.
func (s *RequestState) Update(data any) {
	s.setData(data)
}

// Data returns the current data value.
func (s *RequestState) Data() any { return s.data.Get() }

// Loading reports whether any invocation of this site is outstanding.
func (s *RequestState) Loading() bool {
	v, _ := s.loading.Get().(bool)
	return v
}

// Error returns the last error, nil after a success.
func (s *RequestState) Error() error {
	v, _ := s.err.Get().(error)
	return v
}

// Download returns the latest download progress.
func (s *RequestState) Download() Progress {
	v, _ := s.download.Get().(Progress)
	return v
}

// Upload returns the latest upload progress.
func (s *RequestState) Upload() Progress {
	v, _ := s.upload.Get().(Progress)
	return v
}

// DataCell exposes the data cell for framework bindings.
func (s *RequestState) DataCell() Cell { return s.data }

// LoadingCell exposes the loading cell.
func (s *RequestState) LoadingCell() Cell { return s.loading }

// ErrorCell exposes the error cell.
func (s *RequestState) ErrorCell() Cell { return s.err }

// OnSuccess registers a success handler.
func (s *RequestState) OnSuccess(fn func(Event)) { s.hub.OnSuccess(fn) }

// OnError registers an error handler.
func (s *RequestState) OnError(fn func(Event)) { s.hub.OnError(fn) }

// OnComplete registers a completion handler.
func (s *RequestState) OnComplete(fn func(Event)) { s.hub.OnComplete(fn) }

// Pending returns the number of outstanding invocations.
func (s *RequestState) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}
