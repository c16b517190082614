package quote

import (
	"hash/fnv"
	"sync"
	"time"

	"arb-core/pkg/broker"
)

const numShards = 16

// Cache is a sharded per-venue quote cache. Keys are venue:symbol so
// unrelated instruments never contend on one lock.
type Cache struct {
	shards [numShards]*cacheShard
}

type cacheShard struct {
	mu    sync.RWMutex
	items map[string]broker.Quote
}

// NewCache creates a sharded quote cache.
func NewCache() *Cache {
	c := &Cache{}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &cacheShard{items: make(map[string]broker.Quote)}
	}
	return c
}

func (c *Cache) getShard(key string) *cacheShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a quote observation.
func (c *Cache) Set(key string, q broker.Quote) {
	shard := c.getShard(key)
	shard.mu.Lock()
	shard.items[key] = q
	shard.mu.Unlock()
}

// GetFresh returns the cached quote when it is younger than the freshness
// window.
func (c *Cache) GetFresh(key string, window time.Duration) (broker.Quote, bool) {
	shard := c.getShard(key)
	shard.mu.RLock()
	q, ok := shard.items[key]
	shard.mu.RUnlock()
	if !ok || time.Since(q.ObservedAt) > window {
		return broker.Quote{}, false
	}
	q.FromCache = true
	return q, true
}

// Len returns total cached quotes across all shards.
func (c *Cache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than maxAge and reports how many were
// dropped.
func (c *Cache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-maxAge)

	for _, shard := range c.shards {
		shard.mu.Lock()
		for key, q := range shard.items {
			if q.ObservedAt.Before(cutoff) {
				delete(shard.items, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}
