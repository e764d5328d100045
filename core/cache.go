package core

import (
	"sort"
	"sync"
	"time"
)

// CacheStatus describes where a memoized value came from.
type CacheStatus string

const (
	CacheHit   CacheStatus = "hit"
	CacheMiss  CacheStatus = "miss"
	CacheStale CacheStatus = "stale" // previous value served after a compute failure
)

// DefaultCacheCapacity bounds the cache when no capacity is configured.
const DefaultCacheCapacity = 100

type cacheEntry struct {
	value    any
	cachedAt time.Time
}

// Cache is the in-process memoization tier in front of storage reads. It is
// constructed once by the composition root and injected wherever needed;
// there is no package-level instance.
//
// Eviction is by recency of last write: when the entry count exceeds the
// configured capacity, the oldest-written half is dropped.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]cacheEntry
	capacity int
	clock    func() time.Time
}

// NewCache creates a cache bounded to capacity entries.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &Cache{
		entries:  make(map[string]cacheEntry),
		capacity: capacity,
		clock:    time.Now,
	}
}

// SetClock overrides the cache's time source. Test hook.
func (c *Cache) SetClock(clock func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
}

// Memoize returns the cached value for key when it is younger than ttl,
// otherwise runs compute and stores the result.
//
// When compute fails, the cache is never poisoned with the error: any
// previous entry stays in place and is served as stale, so a transient
// backend outage degrades to slightly-old data instead of a hard failure.
// Only when there is no previous value does the error propagate.
func Memoize[T any](c *Cache, key string, ttl time.Duration, compute func() (T, error)) (T, CacheStatus, error) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	now := c.clock()
	if ok && now.Sub(entry.cachedAt) < ttl {
		if v, cast := entry.value.(T); cast {
			c.mu.Unlock()
			return v, CacheHit, nil
		}
	}
	c.mu.Unlock()

	v, err := compute()
	if err != nil {
		if ok {
			if prev, cast := entry.value.(T); cast {
				return prev, CacheStale, nil
			}
		}
		var zero T
		return zero, CacheMiss, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{value: v, cachedAt: c.clock()}
	c.evictLocked()
	c.mu.Unlock()
	return v, CacheMiss, nil
}

// evictLocked drops the oldest-written half once past capacity.
func (c *Cache) evictLocked() {
	if len(c.entries) <= c.capacity {
		return
	}
	type aged struct {
		key string
		at  time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{key: k, at: e.cachedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for _, a := range all[:len(all)/2] {
		delete(c.entries, a.key)
	}
}

// Invalidate removes specific keys.
func (c *Cache) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
}

// InvalidatePrefix removes every key starting with prefix. Used by the
// rollup engine to drop a device's memoized reads after a write.
func (c *Cache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.entries, k)
		}
	}
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
