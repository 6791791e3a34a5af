package reqflow

import (
	"hash/fnv"
	"sync"
	"time"
)

// CacheEntry is one cached response value.
type CacheEntry struct {
	Key      string
	Verb     string
	URL      string
	Name     string
	Value    any
	StoredAt time.Time
	ExpireAt time.Time
	Mode     CacheMode
	Tag      string
}

// Expired reports whether the entry is past its expiry at now. Entries with
// a zero ExpireAt never expire.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpireAt.IsZero() && !now.Before(e.ExpireAt)
}

const defaultCacheShards = 16

// MemoryCache is the in-process tier: a sharded map with optional capacity
// bounds. Expired entries are dropped lazily on access and eagerly when a
// shard needs room.
type MemoryCache struct {
	shards      []*cacheShard
	numShards   int
	maxPerShard int
	now         func() time.Time
}

type cacheShard struct {
	mu    sync.RWMutex
	store map[string]*CacheEntry
}

// NewMemoryCache creates a cache holding at most maxEntries entries; zero or
// a negative value means unbounded.
func NewMemoryCache(maxEntries int) *MemoryCache {
	shards := make([]*cacheShard, defaultCacheShards)
	for i := range shards {
		shards[i] = &cacheShard{
			store: make(map[string]*CacheEntry),
		}
	}

	perShard := 0
	if maxEntries > 0 {
		perShard = (maxEntries + defaultCacheShards - 1) / defaultCacheShards
	}

	return &MemoryCache{
		shards:      shards,
		numShards:   defaultCacheShards,
		maxPerShard: perShard,
		now:         time.Now,
	}
}

func (c *MemoryCache) getShard(key string) *cacheShard {
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(key))
	return c.shards[hash.Sum32()%uint32(c.numShards)]
}

// Get returns the live entry for key.
func (c *MemoryCache) Get(key string) (*CacheEntry, bool) {
	shard := c.getShard(key)
	shard.mu.RLock()
	entry, ok := shard.store[key]
	shard.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if entry.Expired(c.now()) {
		shard.mu.Lock()
		if cur, ok := shard.store[key]; ok && cur == entry {
			delete(shard.store, key)
		}
		shard.mu.Unlock()
		return nil, false
	}
	return entry, true
}

// Set stores entry under entry.Key and returns how many entries were evicted
// to make room.
func (c *MemoryCache) Set(entry *CacheEntry) int {
	shard := c.getShard(entry.Key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	evicted := 0
	if _, exists := shard.store[entry.Key]; !exists && c.maxPerShard > 0 && len(shard.store) >= c.maxPerShard {
		evicted = shard.evict(c.now())
	}
	shard.store[entry.Key] = entry
	return evicted
}

// SetIfAbsent stores entry only when no live entry exists for its key.
func (c *MemoryCache) SetIfAbsent(entry *CacheEntry) bool {
	shard := c.getShard(entry.Key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if cur, ok := shard.store[entry.Key]; ok && !cur.Expired(c.now()) {
		return false
	}
	if c.maxPerShard > 0 && len(shard.store) >= c.maxPerShard {
		shard.evict(c.now())
	}
	shard.store[entry.Key] = entry
	return true
}

// evict drops expired entries, or the oldest one when none has expired.
// Callers hold the shard lock.
func (s *cacheShard) evict(now time.Time) int {
	removed := 0
	var oldestKey string
	var oldest time.Time
	for k, e := range s.store {
		if e.Expired(now) {
			delete(s.store, k)
			removed++
			continue
		}
		if oldestKey == "" || e.StoredAt.Before(oldest) {
			oldestKey, oldest = k, e.StoredAt
		}
	}
	if removed == 0 && oldestKey != "" {
		delete(s.store, oldestKey)
		removed++
	}
	return removed
}

// Delete removes key and reports whether it was present.
func (c *MemoryCache) Delete(key string) bool {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	_, ok := shard.store[key]
	delete(shard.store, key)
	return ok
}

// DeleteFunc removes every entry matching pred and returns their keys.
func (c *MemoryCache) DeleteFunc(pred func(*CacheEntry) bool) []string {
	var removed []string
	for _, shard := range c.shards {
		shard.mu.Lock()
		for k, e := range shard.store {
			if pred(e) {
				delete(shard.store, k)
				removed = append(removed, k)
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Len returns the number of stored entries, including expired ones not yet
// collected.
func (c *MemoryCache) Len() int {
	n := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		n += len(shard.store)
		shard.mu.RUnlock()
	}
	return n
}

// Clear removes every entry.
func (c *MemoryCache) Clear() {
	for _, shard := range c.shards {
		shard.mu.Lock()
		shard.store = make(map[string]*CacheEntry)
		shard.mu.Unlock()
	}
}
