package reqflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCacheStore(durable DurableStore, clock *manualClock) *CacheStore {
	memory := NewMemoryCache(0)
	memory.now = clock.Now
	s := newCacheStore(memory, durable, zerolog.Nop(), nopRecorder{})
	s.now = clock.Now
	return s
}

func TestCacheStore_WriteRead(t *testing.T) {
	clock := newManualClock()
	s := newTestCacheStore(nil, clock)
	m := mustGet(t, "/widgets")

	s.Write(m, "v1", CacheFor(5*time.Second))
	entry, ok := s.Read(m.Key())
	require.True(t, ok)
	assert.Equal(t, "v1", entry.Value)
	assert.Equal(t, ModeFresh, entry.Mode)
	assert.Equal(t, "GET", entry.Verb)

	clock.Advance(5 * time.Second)
	_, ok = s.Read(m.Key())
	assert.False(t, ok)
}

func TestCacheStore_DisabledPolicyDropsEntry(t *testing.T) {
	s := newTestCacheStore(nil, newManualClock())
	m := mustGet(t, "/widgets")

	s.Write(m, "v1", CacheForever())
	s.Write(m, "v2", NoCache())

	_, ok := s.Read(m.Key())
	assert.False(t, ok)
}

func TestCacheStore_PersistAndReadDurable(t *testing.T) {
	clock := newManualClock()
	durable := newMemDurable()
	policy := CacheFor(time.Minute).Persistent()
	m := mustGet(t, "/widgets", WithCache(policy))

	writer := newTestCacheStore(durable, clock)
	writer.Write(m, map[string]any{"page": 1}, policy)
	require.NoError(t, writer.Flush(context.Background()))
	require.True(t, durable.has(m.Key()))

	// A second store sharing the durable tier starts with an empty memory tier.
	reader := newTestCacheStore(durable, clock)
	_, ok := reader.Read(m.Key())
	require.False(t, ok)

	entry, ok := reader.ReadDurable(context.Background(), m, policy)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"page": jsonNumber("1")}, entry.Value)
	assert.Equal(t, clock.Now().Add(time.Minute).UnixMilli(), entry.ExpireAt.UnixMilli())

	promoted, ok := reader.Read(m.Key())
	require.True(t, ok)
	assert.Equal(t, entry.Value, promoted.Value)
}

func TestCacheStore_ReadDurableSkipsNonPersistent(t *testing.T) {
	durable := newMemDurable()
	s := newTestCacheStore(durable, newManualClock())
	m := mustGet(t, "/widgets")

	s.Write(m, "v", CacheFor(time.Minute))
	require.NoError(t, s.Flush(context.Background()))
	assert.False(t, durable.has(m.Key()))

	_, ok := s.ReadDurable(context.Background(), m, CacheFor(time.Minute))
	assert.False(t, ok)
}

func TestCacheStore_ReadDurableDropsStaleRecords(t *testing.T) {
	ctx := context.Background()

	t.Run("expired", func(t *testing.T) {
		clock := newManualClock()
		durable := newMemDurable()
		policy := CacheFor(time.Second).Persistent()
		m := mustGet(t, "/a")

		s := newTestCacheStore(durable, clock)
		s.Write(m, "v", policy)
		require.NoError(t, s.Flush(ctx))

		clock.Advance(2 * time.Second)
		_, ok := newTestCacheStore(durable, clock).ReadDurable(ctx, m, policy)
		assert.False(t, ok)
		assert.False(t, durable.has(m.Key()))
	})

	t.Run("tag mismatch", func(t *testing.T) {
		clock := newManualClock()
		durable := newMemDurable()
		m := mustGet(t, "/a")

		s := newTestCacheStore(durable, clock)
		s.Write(m, "v", CacheForever().Persistent().WithTag("v1"))
		require.NoError(t, s.Flush(ctx))

		_, ok := newTestCacheStore(durable, clock).ReadDurable(ctx, m, CacheForever().Persistent().WithTag("v2"))
		assert.False(t, ok)
		assert.False(t, durable.has(m.Key()))
	})

	t.Run("corrupt", func(t *testing.T) {
		durable := newMemDurable()
		m := mustGet(t, "/a")
		require.NoError(t, durable.Set(ctx, m.Key(), []byte("{not json"), time.Time{}))

		_, ok := newTestCacheStore(durable, newManualClock()).ReadDurable(ctx, m, CacheForever().Persistent())
		assert.False(t, ok)
		assert.False(t, durable.has(m.Key()))
	})
}

func TestCacheStore_DurableFailureIsAMiss(t *testing.T) {
	durable := newMemDurable()
	durable.failGet = errors.New("connection refused")
	s := newTestCacheStore(durable, newManualClock())

	_, ok := s.ReadDurable(context.Background(), mustGet(t, "/a"), CacheForever().Persistent())
	assert.False(t, ok)
}

func TestCacheStore_PromotionKeepsLiveMemoryEntry(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	durable := newMemDurable()
	policy := CacheFor(time.Minute).Persistent()
	m := mustGet(t, "/a")

	s := newTestCacheStore(durable, clock)
	s.Write(m, "old", policy)
	require.NoError(t, s.Flush(ctx))
	s.memory.Set(&CacheEntry{Key: m.Key(), Value: "newer", StoredAt: clock.Now()})

	_, ok := s.ReadDurable(ctx, m, policy)
	require.True(t, ok)
	entry, _ := s.Read(m.Key())
	assert.Equal(t, "newer", entry.Value)
}

func TestCacheStore_Invalidation(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	durable := newMemDurable()
	s := newTestCacheStore(durable, clock)

	users := mustGet(t, "https://api.example.com/users")
	orders := mustGet(t, "https://api.example.com/orders")
	report := mustGet(t, "https://api.example.com/report", WithName("report"))

	s.Write(users, "u", CacheForever().Persistent().WithTag("v1"))
	s.Write(orders, "o", CacheForever().WithTag("v1"))
	s.Write(report, "r", CacheForever().Persistent())
	require.NoError(t, s.Flush(ctx))

	// Durable-only entry, as left by an earlier process.
	s.memory.Delete(report.Key())

	n, err := s.InvalidateExpr(ctx, `entry.name == "report"`)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, durable.has(report.Key()))

	assert.Equal(t, 2, s.InvalidateTag(ctx, "v1"))
	assert.Equal(t, 0, s.Len())
	assert.False(t, durable.has(users.Key()))

	s.Write(users, "u", CacheForever().Persistent())
	require.NoError(t, s.Flush(ctx))
	s.InvalidateMethod(ctx, users)
	_, ok := s.Read(users.Key())
	assert.False(t, ok)
	assert.False(t, durable.has(users.Key()))
}

// opaqueDurable hides the Keys method of the wrapped store.
type opaqueDurable struct{ DurableStore }

type cacheErrorRecorder struct {
	nopRecorder
	mu  sync.Mutex
	ops []string
}

func (r *cacheErrorRecorder) RecordCacheError(op string) {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
}

func TestCacheStore_ClearEmptiesBothTiers(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	durable := newMemDurable()
	policy := CacheFor(time.Minute).Persistent()
	m := mustGet(t, "/widgets", WithCache(policy))

	s := newTestCacheStore(durable, clock)
	s.Write(m, "v", policy)
	require.NoError(t, s.Flush(ctx))
	require.True(t, durable.has(m.Key()))

	s.Clear(ctx)
	assert.Equal(t, 0, s.Len())
	assert.False(t, durable.has(m.Key()))

	_, ok := s.ReadDurable(ctx, m, policy)
	assert.False(t, ok)
}

func TestCacheStore_ClearWithoutScannerReportsCacheError(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	durable := newMemDurable()
	rec := &cacheErrorRecorder{}
	memory := NewMemoryCache(0)
	memory.now = clock.Now
	s := newCacheStore(memory, opaqueDurable{durable}, zerolog.Nop(), rec)
	s.now = clock.Now

	m := mustGet(t, "/widgets")
	s.Write(m, "v", CacheForever().Persistent())
	require.NoError(t, s.Flush(ctx))

	s.Clear(ctx)
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, []string{"clear"}, rec.ops)
}

func TestClient_SendAfterClearDispatches(t *testing.T) {
	durable := newMemDurable()
	adapter := counterAdapter()
	c := newTestClient(t, adapter, WithDurableStore(durable))
	m := mustGet(t, "/widgets", WithCache(CacheFor(time.Minute).Persistent()))

	_, err := c.Send(waitCtx(t), m)
	require.NoError(t, err)
	require.NoError(t, c.Cache().Flush(waitCtx(t)))

	c.Cache().Clear(waitCtx(t))
	inv := c.Invoke(waitCtx(t), m)
	_, err = inv.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.False(t, inv.FromCache())
	assert.Equal(t, 2, adapter.Calls())
}

func TestCacheStore_InvalidateExprRejectsBadExpressions(t *testing.T) {
	s := newTestCacheStore(nil, newManualClock())

	_, err := s.InvalidateExpr(context.Background(), `entry.url.startsWith(`)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindConfiguration))

	_, err = s.InvalidateExpr(context.Background(), `1 + 2`)
	require.Error(t, err)
}
