package reqflow

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	tierMemory  = "memory"
	tierDurable = "durable"

	defaultDurableReadTimeout  = time.Second
	defaultDurableWriteTimeout = 5 * time.Second
)

// CacheStore is the two-tier response cache. The memory tier is read and
// written synchronously; the durable tier is consulted only for methods whose
// policy persists, and its writes never block the caller.
type CacheStore struct {
	memory       *MemoryCache
	durable      DurableStore
	readTimeout  time.Duration
	writeTimeout time.Duration
	logger       zerolog.Logger
	metrics      Recorder
	now          func() time.Time

	writes sync.WaitGroup
}

// durableRecord is the JSON form of an entry in the durable tier. Times are
// unix milliseconds; a zero expireAt never expires.
type durableRecord struct {
	Value    any    `json:"value"`
	StoredAt int64  `json:"storedAt"`
	ExpireAt int64  `json:"expireAt"`
	Mode     string `json:"mode"`
	Tag      string `json:"tag,omitempty"`
	Verb     string `json:"verb"`
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
}

func newCacheStore(memory *MemoryCache, durable DurableStore, logger zerolog.Logger, metrics Recorder) *CacheStore {
	return &CacheStore{
		memory:       memory,
		durable:      durable,
		readTimeout:  defaultDurableReadTimeout,
		writeTimeout: defaultDurableWriteTimeout,
		logger:       logger,
		metrics:      metrics,
		now:          time.Now,
	}
}

// Read returns the live memory entry for key.
func (s *CacheStore) Read(key string) (*CacheEntry, bool) {
	entry, ok := s.memory.Get(key)
	if !ok {
		s.metrics.RecordCacheMiss(tierMemory)
		return nil, false
	}
	s.metrics.RecordCacheHit(tierMemory, entry.Mode.String())
	return entry, true
}

// ReadDurable looks key up in the durable tier, bounded by the durable read
// timeout. A hit is promoted into memory unless memory already holds a live
// value. Expired records and records written under a different tag are
// removed. Failures are logged and reported as a miss.
func (s *CacheStore) ReadDurable(ctx context.Context, m *Method, policy CachePolicy) (*CacheEntry, bool) {
	if s.durable == nil || !policy.Persist {
		return nil, false
	}
	key := m.Key()

	readCtx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()

	raw, ok, err := s.durable.Get(readCtx, key)
	if err != nil {
		s.warn("read", cacheError(ErrorTypeDurable, "durable read failed", key, err))
		return nil, false
	}
	if !ok {
		s.metrics.RecordCacheMiss(tierDurable)
		return nil, false
	}

	entry, err := decodeRecord(key, raw)
	if err != nil {
		s.warn("decode", cacheError(ErrorTypeEncoding, "durable record is corrupt", key, err))
		s.removeDurable(ctx, key)
		return nil, false
	}
	if entry.Expired(s.now()) || entry.Tag != policy.Tag {
		s.metrics.RecordCacheMiss(tierDurable)
		s.removeDurable(ctx, key)
		return nil, false
	}

	s.metrics.RecordCacheHit(tierDurable, entry.Mode.String())
	s.memory.SetIfAbsent(entry)
	return entry, true
}

// Write stores value for m under policy. A disabled policy removes any
// memory entry for m. Persisting policies also write the durable tier in the
// background.
func (s *CacheStore) Write(m *Method, value any, policy CachePolicy) {
	key := m.Key()
	if !policy.Enabled() {
		s.memory.Delete(key)
		return
	}

	now := s.now()
	entry := &CacheEntry{
		Key:      key,
		Verb:     m.Verb(),
		URL:      m.URL(),
		Name:     m.Name(),
		Value:    value,
		StoredAt: now,
		ExpireAt: policy.expireAt(now),
		Mode:     policy.Mode,
		Tag:      policy.Tag,
	}
	if evicted := s.memory.Set(entry); evicted > 0 {
		s.metrics.RecordCacheEviction(evicted)
	}
	s.metrics.RecordCacheSize(s.memory.Len())

	if policy.Persist && s.durable != nil {
		s.persist(entry)
	}
}

func (s *CacheStore) persist(entry *CacheEntry) {
	raw, err := encodeRecord(entry)
	if err != nil {
		s.warn("encode", cacheError(ErrorTypeEncoding, "value cannot be persisted", entry.Key, err))
		return
	}

	s.writes.Add(1)
	go func() {
		defer s.writes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
		defer cancel()
		if err := s.durable.Set(ctx, entry.Key, raw, entry.ExpireAt); err != nil {
			s.warn("write", cacheError(ErrorTypeDurable, "durable write failed", entry.Key, err))
		}
	}()
}

// Flush waits for background durable writes to finish or ctx to end.
func (s *CacheStore) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.writes.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invalidate removes keys from both tiers.
func (s *CacheStore) Invalidate(ctx context.Context, keys ...string) {
	for _, key := range keys {
		s.memory.Delete(key)
		s.removeDurable(ctx, key)
	}
	s.metrics.RecordCacheSize(s.memory.Len())
}

// InvalidateMethod removes the entry for m from both tiers.
func (s *CacheStore) InvalidateMethod(ctx context.Context, m *Method) {
	s.Invalidate(ctx, m.Key())
}

// InvalidateFunc removes every entry matching pred and returns how many
// distinct keys were dropped. Durable entries are only reached when the store
// can enumerate its keys.
func (s *CacheStore) InvalidateFunc(ctx context.Context, pred func(*CacheEntry) bool) int {
	removed := make(map[string]struct{})
	for _, key := range s.memory.DeleteFunc(pred) {
		removed[key] = struct{}{}
		s.removeDurable(ctx, key)
	}

	if scanner, ok := s.durable.(DurableScanner); ok {
		keys, err := scanner.Keys(ctx)
		if err != nil {
			s.warn("scan", cacheError(ErrorTypeDurable, "durable scan failed", "", err))
		}
		for _, key := range keys {
			if _, done := removed[key]; done {
				continue
			}
			raw, ok, err := s.durable.Get(ctx, key)
			if err != nil || !ok {
				continue
			}
			entry, err := decodeRecord(key, raw)
			if err != nil || pred(entry) {
				s.removeDurable(ctx, key)
				removed[key] = struct{}{}
			}
		}
	}

	s.metrics.RecordCacheSize(s.memory.Len())
	return len(removed)
}

// InvalidateTag removes every entry stored under tag.
func (s *CacheStore) InvalidateTag(ctx context.Context, tag string) int {
	return s.InvalidateFunc(ctx, func(e *CacheEntry) bool {
		return e.Tag == tag
	})
}

// InvalidateExpr compiles expr with CompileInvalidation and removes every
// matching entry.
func (s *CacheStore) InvalidateExpr(ctx context.Context, expr string) (int, error) {
	pred, err := CompileInvalidation(expr)
	if err != nil {
		return 0, err
	}
	return s.InvalidateFunc(ctx, pred), nil
}

// Clear empties both tiers. Durable entries are only reached when the store
// can enumerate its keys; otherwise the miss is reported as a cache error.
func (s *CacheStore) Clear(ctx context.Context) {
	s.memory.Clear()
	s.metrics.RecordCacheSize(0)

	if s.durable == nil {
		return
	}
	scanner, ok := s.durable.(DurableScanner)
	if !ok {
		s.warn("clear", cacheError(ErrorTypeDurable, "durable store cannot enumerate keys", "", ErrNotScannable))
		return
	}
	keys, err := scanner.Keys(ctx)
	if err != nil {
		s.warn("scan", cacheError(ErrorTypeDurable, "durable scan failed", "", err))
	}
	for _, key := range keys {
		s.removeDurable(ctx, key)
	}
}

// Len returns the number of memory entries.
func (s *CacheStore) Len() int {
	return s.memory.Len()
}

func (s *CacheStore) removeDurable(ctx context.Context, key string) {
	if s.durable == nil {
		return
	}
	rmCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	if err := s.durable.Remove(rmCtx, key); err != nil {
		s.warn("remove", cacheError(ErrorTypeDurable, "durable remove failed", key, err))
	}
}

func (s *CacheStore) warn(op string, err *Error) {
	s.metrics.RecordCacheError(op)
	s.logger.Warn().Err(err).Str("key", err.Key).Str("op", op).Msg("cache tier failure")
}

func encodeRecord(e *CacheEntry) ([]byte, error) {
	rec := durableRecord{
		Value:    e.Value,
		StoredAt: e.StoredAt.UnixMilli(),
		Mode:     e.Mode.String(),
		Tag:      e.Tag,
		Verb:     e.Verb,
		URL:      e.URL,
		Name:     e.Name,
	}
	if !e.ExpireAt.IsZero() {
		rec.ExpireAt = e.ExpireAt.UnixMilli()
	}
	return json.Marshal(rec)
}

func decodeRecord(key string, raw []byte) (*CacheEntry, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var rec durableRecord
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	mode, err := parseCacheMode(rec.Mode)
	if err != nil {
		return nil, err
	}

	entry := &CacheEntry{
		Key:      key,
		Verb:     rec.Verb,
		URL:      rec.URL,
		Name:     rec.Name,
		Value:    rec.Value,
		StoredAt: time.UnixMilli(rec.StoredAt),
		Mode:     mode,
		Tag:      rec.Tag,
	}
	if rec.ExpireAt > 0 {
		entry.ExpireAt = time.UnixMilli(rec.ExpireAt)
	}
	return entry, nil
}
