package reqflow

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ambiyansyah-risyal/reqflow/reactive"
)

func TestRequestState_FreshCacheSkipsDispatch(t *testing.T) {
	clock := newManualClock()
	a := counterAdapter()
	c := newTestClient(t, a, WithClock(clock.Now))
	ctx := waitCtx(t)

	m := mustGet(t, "/widgets", WithCache(CacheFor(5000*time.Millisecond)))
	s := c.UseRequest(Static(m), WithImmediate(false))

	first := s.Send(ctx)
	data1, err := first.Wait(ctx)
	require.NoError(t, err)
	assert.False(t, first.FromCache())

	clock.Advance(4999 * time.Millisecond)
	second := s.Send(ctx)
	data2, err := second.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, second.FromCache())
	assert.Equal(t, 1, a.Calls())
	assert.Equal(t, data1, data2)
	assert.Equal(t, data1, s.Data())

	clock.Advance(2 * time.Millisecond)
	_, err = s.Send(ctx).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, a.Calls())
}

func TestRequestState_ImmediateSendOnCreate(t *testing.T) {
	a := echoAdapter()
	c := newTestClient(t, a)

	s := c.UseRequest(Static(mustGet(t, "/widgets")))
	require.Eventually(t, func() bool { return s.Data() != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, map[string]any{"url": "/widgets"}, s.Data())
	assert.False(t, s.Loading())
}

func TestRequestState_LoadingTracksOutstandingSends(t *testing.T) {
	a := newBlockingAdapter()
	c := newTestClient(t, a)
	ctx := waitCtx(t)

	s := c.UseRequest(Static(mustGet(t, "/x")), WithImmediate(false))
	assert.False(t, s.Loading())

	inv := s.Send(ctx)
	assert.True(t, s.Loading())
	assert.Equal(t, 1, s.Pending())

	close(a.release)
	data, err := inv.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, data)
	assert.Equal(t, data, s.Data())
	assert.False(t, s.Loading())
	assert.NoError(t, s.Error())
	assert.Equal(t, 0, s.Pending())
}

func TestRequestState_PlaceholderShowsCachedValueAndRefreshes(t *testing.T) {
	var n atomic.Int64
	gate := make(chan struct{}, 1)
	a := newStubAdapter(func(ctx context.Context, _ *Request) (*Response, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return jsonResponse(http.StatusOK, map[string]any{"n": n.Add(1)}), nil
	})
	c := newTestClient(t, a)
	ctx := waitCtx(t)
	m := mustGet(t, "/feed", WithCache(Placeholder(time.Minute)))

	gate <- struct{}{}
	warm, err := c.Send(ctx, m)
	require.NoError(t, err)

	loadingRef := reactive.NewRef(false)
	var loadingWrites []any
	var mu sync.Mutex
	loadingRef.Subscribe(func(v any) {
		mu.Lock()
		loadingWrites = append(loadingWrites, v)
		mu.Unlock()
	})
	s := c.UseRequest(Static(m), WithImmediate(false), WithStates(&loadingFirst{loading: loadingRef}))

	inv := s.Send(ctx)
	assert.Equal(t, warm, s.Data())
	assert.False(t, s.Loading())

	gate <- struct{}{}
	fresh, err := inv.Wait(ctx)
	require.NoError(t, err)
	assert.False(t, inv.FromCache())
	assert.NotEqual(t, warm, fresh)
	assert.Equal(t, fresh, s.Data())
	assert.Equal(t, 2, a.Calls())

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, loadingWrites)
}

// loadingFirst hands out a prepared ref for the loading cell, which is the
// second cell a state creates.
type loadingFirst struct {
	loading *reactive.Ref
	n       int
}

func (l *loadingFirst) Create(initial any) Cell {
	l.n++
	if l.n == 2 {
		return l.loading
	}
	return reactive.NewRef(initial)
}

func TestRequestState_ErrorKeepsPriorData(t *testing.T) {
	var fail atomic.Bool
	a := newStubAdapter(func(context.Context, *Request) (*Response, error) {
		if fail.Load() {
			return jsonResponse(http.StatusBadGateway, nil), nil
		}
		return jsonResponse(http.StatusOK, "v1"), nil
	})
	c := newTestClient(t, a)
	ctx := waitCtx(t)

	s := c.UseRequest(Static(mustGet(t, "/x", WithCache(NoCache()))),
		WithImmediate(false), WithInitialData("initial"))
	assert.Equal(t, "initial", s.Data())

	_, err := s.Send(ctx).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", s.Data())

	fail.Store(true)
	var (
		mu     sync.Mutex
		events []string
	)
	record := func(name string) func(Event) {
		return func(Event) {
			mu.Lock()
			events = append(events, name)
			mu.Unlock()
		}
	}

	// Registered after the send starts; a fast outcome is replayed.
	inv := s.Send(ctx)
	s.OnSuccess(record("success"))
	s.OnError(record("error"))
	s.OnComplete(record("complete"))
	_, err = inv.Wait(ctx)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindTransport))
	assert.Equal(t, "v1", s.Data())
	assert.Equal(t, err, s.Error())
	assert.False(t, s.Loading())
	mu.Lock()
	assert.Equal(t, []string{"error", "complete"}, events)
	mu.Unlock()

	fail.Store(false)
	_, err = s.Send(ctx).Wait(ctx)
	require.NoError(t, err)
	assert.NoError(t, s.Error())
}

func TestRequestState_AbortWritesErrorNotData(t *testing.T) {
	a := newBlockingAdapter()
	c := newTestClient(t, a)
	ctx := waitCtx(t)

	s := c.UseRequest(Static(mustGet(t, "/x")), WithImmediate(false), WithInitialData("keep"))
	var aborted atomic.Bool
	s.OnError(func(ev Event) { aborted.Store(IsAborted(ev.Err)) })

	inv := s.Send(ctx)
	inv.Abort()

	_, err := inv.Wait(ctx)
	assert.True(t, IsAborted(err))
	assert.True(t, aborted.Load())
	assert.True(t, IsAborted(s.Error()))
	assert.Equal(t, "keep", s.Data())
	assert.False(t, s.Loading())
}

func TestRequestState_SiteAbortLeavesOtherSharersRunning(t *testing.T) {
	a := newBlockingAdapter()
	c := newTestClient(t, a)
	ctx := waitCtx(t)
	m := mustGet(t, "/x")

	s1 := c.UseRequest(Static(m), WithImmediate(false))
	s2 := c.UseRequest(Static(m), WithImmediate(false))
	inv1 := s1.Send(ctx)
	inv2 := s2.Send(ctx)
	require.Eventually(t, func() bool { return a.Calls() == 1 }, time.Second, 5*time.Millisecond)

	s1.Abort()
	_, err := inv1.Wait(ctx)
	assert.True(t, IsAborted(err))

	close(a.release)
	data, err := inv2.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, data)
	assert.Equal(t, 1, a.Calls())
}

// racingAdapter answers a request for q=<name> once release(<name>) is called.
type racingAdapter struct {
	*stubAdapter
	gates map[string]chan struct{}
}

func newRacingAdapter(names ...string) *racingAdapter {
	r := &racingAdapter{gates: map[string]chan struct{}{}}
	for _, n := range names {
		r.gates[n] = make(chan struct{})
	}
	r.stubAdapter = newStubAdapter(func(ctx context.Context, req *Request) (*Response, error) {
		for name, gate := range r.gates {
			if strings.Contains(req.URL, "q="+name) {
				select {
				case <-gate:
					return jsonResponse(http.StatusOK, name), nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		}
		return jsonResponse(http.StatusNotFound, nil), nil
	})
	return r
}

func (r *racingAdapter) release(name string) { close(r.gates[name]) }

func searchHandler(args ...any) (*Method, error) {
	return Get("/search", WithParam("q", args[0]), WithCache(NoCache()))
}

func TestRequestState_LastResolvedWins(t *testing.T) {
	a := newRacingAdapter("old", "new")
	c := newTestClient(t, a)
	ctx := waitCtx(t)

	s := c.UseRequest(searchHandler, WithImmediate(false))
	older := s.Send(ctx, WithArgs("old"))
	newer := s.Send(ctx, WithArgs("new"))
	assert.Equal(t, 2, s.Pending())

	a.release("new")
	_, err := newer.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", s.Data())
	assert.True(t, s.Loading())

	a.release("old")
	_, err = older.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "old", s.Data())
	assert.False(t, s.Loading())
}

func TestRequestState_DiscardStale(t *testing.T) {
	a := newRacingAdapter("old", "new")
	c := newTestClient(t, a)
	ctx := waitCtx(t)

	s := c.UseRequest(searchHandler, WithImmediate(false), WithDiscardStale())
	older := s.Send(ctx, WithArgs("old"))
	newer := s.Send(ctx, WithArgs("new"))

	a.release("new")
	_, err := newer.Wait(ctx)
	require.NoError(t, err)

	var staleEvent atomic.Bool
	older.OnSuccess(func(ev Event) { staleEvent.Store(ev.Data == "old") })

	a.release("old")
	data, err := older.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "old", data)
	assert.Equal(t, "new", s.Data())
	assert.True(t, staleEvent.Load())
	assert.False(t, s.Loading())
}

func TestRequestState_HandlerFailureIsConfigurationError(t *testing.T) {
	c := newTestClient(t, echoAdapter())
	ctx := waitCtx(t)

	boom := errors.New("no page")
	s := c.UseRequest(func(...any) (*Method, error) { return nil, boom },
		WithImmediate(false), WithInitialData("kept"))

	var got error
	s.OnError(func(ev Event) { got = ev.Err })

	_, err := s.Send(ctx).Wait(ctx)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindConfiguration))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, err, got)
	assert.Equal(t, "kept", s.Data())
	assert.NoError(t, s.Error())

	nilHandler := c.UseRequest(nil, WithImmediate(false))
	_, err = nilHandler.Send(ctx).Wait(ctx)
	assert.ErrorIs(t, err, ErrNilHandler)
}

func TestRequestState_ForceBypassesCache(t *testing.T) {
	a := counterAdapter()
	c := newTestClient(t, a)
	ctx := waitCtx(t)

	s := c.UseRequest(Static(mustGet(t, "/x")), WithImmediate(false))
	_, err := s.Send(ctx).Wait(ctx)
	require.NoError(t, err)
	_, err = s.Send(ctx).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Calls())

	_, err = s.Send(ctx, Force()).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, a.Calls())

	forced := c.UseRequest(Static(mustGet(t, "/x")), WithImmediate(false), WithForce())
	_, err = forced.Send(ctx).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, a.Calls())
}

func TestRequestState_UpdateSharedReachesPeers(t *testing.T) {
	a := counterAdapter()
	c := newTestClient(t, a)
	ctx := waitCtx(t)
	m := mustGet(t, "/x")

	s1 := c.UseRequest(Static(m), WithImmediate(false))
	s2 := c.UseRequest(Static(m), WithImmediate(false))
	_, err := s1.Send(ctx).Wait(ctx)
	require.NoError(t, err)
	_, err = s2.Send(ctx).Wait(ctx)
	require.NoError(t, err)
	before := s2.Data()

	_, err = s1.Send(ctx, Force()).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, s2.Data())

	fresh, err := s1.Send(ctx, Force(), UpdateShared()).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, fresh, s2.Data())
	assert.Equal(t, fresh, s1.Data())
}

func TestRequestState_ClosedRejectsSends(t *testing.T) {
	c := newTestClient(t, echoAdapter())
	ctx := waitCtx(t)

	s := c.UseRequest(Static(mustGet(t, "/x")), WithImmediate(false))
	s.Close()
	s.Close()

	_, err := s.Send(ctx).Wait(ctx)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestRequestState_UpdateAndHeadlessInvoke(t *testing.T) {
	c := newTestClient(t, echoAdapter())
	ctx := waitCtx(t)

	s := c.UseRequest(Static(mustGet(t, "/x")), WithImmediate(false))
	s.Update("local")
	assert.Equal(t, "local", s.Data())

	inv := c.Invoke(ctx, mustGet(t, "/y"))
	data, err := inv.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"url": "/y"}, data)

	again := c.Invoke(ctx, mustGet(t, "/y"))
	_, err = again.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, again.FromCache())
}

func TestRequestState_DurableTierSurvivesClients(t *testing.T) {
	durable := newMemDurable()
	ctx := waitCtx(t)
	m := mustGet(t, "/report", WithCache(CacheFor(time.Hour).Persistent()))

	first := counterAdapter()
	c1, err := New(WithAdapter(first), WithDurableStore(durable))
	require.NoError(t, err)
	want, err := c1.Send(ctx, m)
	require.NoError(t, err)
	require.NoError(t, c1.Close(ctx))
	assert.True(t, durable.has(m.Key()))

	second := counterAdapter()
	c2 := newTestClient(t, second, WithDurableStore(durable))
	inv := c2.Invoke(ctx, m)
	got, err := inv.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.True(t, inv.FromCache())
	assert.Equal(t, 0, second.Calls())

	_, err = c2.Send(ctx, m, Force())
	require.NoError(t, err)
	assert.Equal(t, 1, second.Calls())
}

func TestRequestState_ProgressCells(t *testing.T) {
	gate := make(chan struct{})
	a := newStubAdapter(func(_ context.Context, req *Request) (*Response, error) {
		<-gate
		req.OnUpload(Progress{Loaded: 4, Total: 4})
		req.OnDownload(Progress{Loaded: 5, Total: 10})
		req.OnDownload(Progress{Loaded: 10, Total: 10})
		return jsonResponse(http.StatusOK, "done"), nil
	})
	c := newTestClient(t, a)
	ctx := waitCtx(t)

	s := c.UseRequest(Static(mustGet(t, "/upload", WithCache(NoCache()))), WithImmediate(false))
	inv := s.Send(ctx)
	// Let the site subscribe to the call's progress before it reports any.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	_, err := inv.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, Progress{Loaded: 10, Total: 10}, s.Download())
	assert.Equal(t, Progress{Loaded: 4, Total: 4}, s.Upload())
}
