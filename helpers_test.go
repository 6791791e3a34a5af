package reqflow

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// stubAdapter records requests and answers them with handle.
type stubAdapter struct {
	mu     sync.Mutex
	urls   []string
	handle func(ctx context.Context, req *Request) (*Response, error)
}

func newStubAdapter(handle func(ctx context.Context, req *Request) (*Response, error)) *stubAdapter {
	return &stubAdapter{handle: handle}
}

func (a *stubAdapter) Send(ctx context.Context, req *Request) (*Response, error) {
	a.mu.Lock()
	a.urls = append(a.urls, req.URL)
	a.mu.Unlock()
	return a.handle(ctx, req)
}

func (a *stubAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.urls)
}

func (a *stubAdapter) URLs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.urls...)
}

func jsonResponse(status int, v any) *Response {
	body, _ := json.Marshal(v)
	return &Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       body,
	}
}

// echoAdapter answers every request with {"url": <request url>}.
func echoAdapter() *stubAdapter {
	return newStubAdapter(func(_ context.Context, req *Request) (*Response, error) {
		return jsonResponse(http.StatusOK, map[string]any{"url": req.URL}), nil
	})
}

// counterAdapter answers with an increasing {"n": k} per call.
func counterAdapter() *stubAdapter {
	var n atomic.Int64
	return newStubAdapter(func(_ context.Context, _ *Request) (*Response, error) {
		return jsonResponse(http.StatusOK, map[string]any{"n": n.Add(1)}), nil
	})
}

// blockingAdapter waits for release (or ctx) before answering {"ok": true}.
// cancelled is closed when a request context ends before release.
type blockingAdapter struct {
	*stubAdapter
	release   chan struct{}
	cancelled chan struct{}
	once      sync.Once
}

func newBlockingAdapter() *blockingAdapter {
	b := &blockingAdapter{
		release:   make(chan struct{}),
		cancelled: make(chan struct{}),
	}
	b.stubAdapter = newStubAdapter(func(ctx context.Context, _ *Request) (*Response, error) {
		select {
		case <-b.release:
			return jsonResponse(http.StatusOK, map[string]any{"ok": true}), nil
		case <-ctx.Done():
			b.once.Do(func() { close(b.cancelled) })
			return nil, ctx.Err()
		}
	})
	return b
}

// manualClock is a settable time source.
type manualClock struct {
	nanos atomic.Int64
}

func newManualClock() *manualClock {
	c := &manualClock{}
	c.nanos.Store(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *manualClock) Now() time.Time { return time.Unix(0, c.nanos.Load()) }

func (c *manualClock) Advance(d time.Duration) { c.nanos.Add(int64(d)) }

func newTestClient(t *testing.T, adapter Adapter, opts ...Option) *Client {
	t.Helper()

	c, err := New(append([]Option{WithAdapter(adapter)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func mustGet(t *testing.T, url string, opts ...MethodOption) *Method {
	t.Helper()

	m, err := Get(url, opts...)
	require.NoError(t, err)
	return m
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// memDurable is an in-memory DurableStore that also implements DurableScanner.
type memDurable struct {
	mu      sync.Mutex
	data    map[string][]byte
	expires map[string]time.Time
	failGet error
	sets    int
}

func newMemDurable() *memDurable {
	return &memDurable{data: map[string][]byte{}, expires: map[string]time.Time{}}
}

func (d *memDurable) Get(_ context.Context, key string) ([]byte, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failGet != nil {
		return nil, false, d.failGet
	}
	v, ok := d.data[key]
	return v, ok, nil
}

func (d *memDurable) Set(_ context.Context, key string, value []byte, expireAt time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data[key] = value
	d.expires[key] = expireAt
	d.sets++
	return nil
}

func (d *memDurable) Remove(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.data, key)
	delete(d.expires, key)
	return nil
}

func (d *memDurable) Keys(context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.data))
	for k := range d.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func (d *memDurable) has(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.data[key]
	return ok
}
