package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const (
	// DefaultShardCount is the default number of shards. Always a power of 2.
	DefaultShardCount = 64

	// DefaultTTL is the default time-to-live for entries.
	DefaultTTL = time.Minute
)

// TTLConfig holds configuration for a TTLCache.
type TTLConfig struct {
	// ShardCount is rounded up to a power of 2.
	ShardCount int
	TTL        time.Duration
}

// TTLCache is a sharded, thread-safe cache whose entries expire after a fixed
// TTL. Sharding by key hash keeps lock contention low under concurrent reads.
type TTLCache[V any] struct {
	shards    []*ttlShard[V]
	shardMask uint32
	ttl       time.Duration
	now       func() time.Time
}

type ttlShard[V any] struct {
	mu      sync.RWMutex
	entries map[string]ttlEntry[V]
}

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewTTL creates a TTLCache.
func NewTTL[V any](config TTLConfig) *TTLCache[V] {
	shardCount := config.ShardCount
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	shardCount = nextPowerOf2(shardCount)

	ttl := config.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	shards := make([]*ttlShard[V], shardCount)
	for i := range shards {
		shards[i] = &ttlShard[V]{entries: make(map[string]ttlEntry[V])}
	}
	return &TTLCache[V]{
		shards:    shards,
		shardMask: uint32(shardCount - 1), //nolint:gosec // Safe: shard count is small
		ttl:       ttl,
		now:       time.Now,
	}
}

// TTL returns the configured time-to-live.
func (c *TTLCache[V]) TTL() time.Duration {
	return c.ttl
}

func (c *TTLCache[V]) shard(key string) *ttlShard[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()&c.shardMask]
}

// Get returns a live entry. Expired entries are reported as missing and removed.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	s := c.shard(key)
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if c.now().After(e.expiresAt) {
		s.mu.Lock()
		if cur, ok := s.entries[key]; ok && !c.now().Before(cur.expiresAt) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return zero, false
	}
	return e.value, true
}

// Set stores a value that expires after the cache TTL.
func (c *TTLCache[V]) Set(key string, value V) {
	s := c.shard(key)
	s.mu.Lock()
	s.entries[key] = ttlEntry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
	s.mu.Unlock()
}

// Delete removes a key.
func (c *TTLCache[V]) Delete(key string) {
	s := c.shard(key)
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Clear removes every entry.
func (c *TTLCache[V]) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.entries = make(map[string]ttlEntry[V])
		s.mu.Unlock()
	}
}

// Cleanup removes expired entries and returns how many were dropped.
func (c *TTLCache[V]) Cleanup() int {
	now := c.now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if now.After(e.expiresAt) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of stored entries, including expired ones not yet cleaned up.
func (c *TTLCache[V]) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Shards returns the shard count.
func (c *TTLCache[V]) Shards() int {
	return len(c.shards)
}

// nextPowerOf2 returns the smallest power of 2 >= n.
func nextPowerOf2(n int) int {
	if n <= 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	return n + 1
}
