// Package lrucache is the bounded in-memory tier of the two-tier cache: a
// capacity-limited map with strict LRU eviction by most-recent access
// (read or write), oldest-first iteration for age-based sweeps.
//
// Grounded on github.com/hashicorp/golang-lru/v2 (vendored in the pack's
// incubusfree-consul repo) for the recency-ordered core, wrapped with the
// mutex the spec requires since simplelru itself is not safe for concurrent
// workers.
package lrucache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/clems4ever/evmcacheproxy/internal/rpctypes"
)

// Cache is the memory LRU tier. All methods are safe for concurrent use.
type Cache struct {
	mu    sync.Mutex
	inner *lru.LRU[string, rpctypes.CacheEntry]
}

// New builds a Cache with the given capacity (entries, not bytes).
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	inner, err := lru.NewLRU[string, rpctypes.CacheEntry](capacity, nil)
	if err != nil {
		// Only fails for capacity <= 0, guarded above.
		panic(err)
	}
	return &Cache{inner: inner}
}

// Get returns the entry for key and marks it most-recently-used.
func (c *Cache) Get(key string) (rpctypes.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Get(key)
}

// Put inserts or replaces key's entry, evicting the least-recently-used
// entry first if the cache is at capacity and key is new.
func (c *Cache) Put(key string, entry rpctypes.CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Add(key, entry)
}

// Has reports whether key is present, without affecting recency.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Contains(key)
}

// Delete removes key if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Remove(key)
}

// Size returns the current number of entries.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Len()
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Purge()
}

// Iterate calls fn for every entry, oldest-first, to support age-based
// sweeps. fn must not call back into the Cache (the lock is held for the
// duration of the iteration).
func (c *Cache) Iterate(fn func(key string, entry rpctypes.CacheEntry)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.inner.Keys() {
		entry, ok := c.inner.Peek(key)
		if !ok {
			continue
		}
		fn(key, entry)
	}
}

// DeleteOlderThan removes every entry whose age (relative to nowMs)
// exceeds maxAgeMs, returning the count removed. maxAgeMs <= 0 is a no-op
// (infinite retention).
func (c *Cache) DeleteOlderThan(nowMs, maxAgeMs int64) int {
	if maxAgeMs <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var stale []string
	for _, key := range c.inner.Keys() {
		entry, ok := c.inner.Peek(key)
		if !ok {
			continue
		}
		if entry.AgeMillis(nowMs) > maxAgeMs {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		c.inner.Remove(key)
	}
	return len(stale)
}
