package relay

import (
	"sort"
	"sync"
	"time"
)

type cacheEntry[V any] struct {
	value    V
	lastUsed time.Time
}

// Cache is a fixed-capacity key/value store with least-recently-used eviction
// and age-based purge. It backs the rate limiter windows and the result store.
//
// When an insert would exceed capacity, the coldest 50% of entries are evicted
// in one batch instead of evicting a single entry per insert, so sustained
// pressure does not turn every Set into a full scan.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*cacheEntry[V]
	maxSize int

	now func() time.Time
}

func NewCache[K comparable, V any](maxSize int) *Cache[K, V] {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &Cache[K, V]{
		entries: map[K]*cacheEntry[V]{},
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get returns the value for key and refreshes its recency.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	ent.lastUsed = c.now()
	return ent.value, true
}

// Set inserts or overwrites the value for key and refreshes its recency.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ent, ok := c.entries[key]; ok {
		ent.value = value
		ent.lastUsed = c.now()
		return
	}
	if len(c.entries) >= c.maxSize {
		c.evictColdestLocked()
	}
	c.entries[key] = &cacheEntry[V]{value: value, lastUsed: c.now()}
}

func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	return true
}

func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// CleanupOlderThan removes every entry whose last use precedes now-maxAge and
// reports how many were removed. Callers invoke it periodically (for example
// every Nth operation); there is no background goroutine.
func (c *Cache[K, V]) CleanupOlderThan(maxAge time.Duration) int {
	cutoff := c.now().Add(-maxAge)

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, ent := range c.entries {
		if ent.lastUsed.Before(cutoff) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// evictColdestLocked drops the least recently used half of the cache.
// Caller must hold c.mu.
func (c *Cache[K, V]) evictColdestLocked() {
	type aged struct {
		key      K
		lastUsed time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, ent := range c.entries {
		all = append(all, aged{key: k, lastUsed: ent.lastUsed})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].lastUsed.Before(all[j].lastUsed) })

	toRemove := (c.maxSize + 1) / 2
	if toRemove > len(all) {
		toRemove = len(all)
	}
	for i := 0; i < toRemove; i++ {
		delete(c.entries, all[i].key)
	}
}
