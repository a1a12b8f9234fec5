// Package cache provides a bounded decode cache for MosaicDB.
//
// Decoding a stored record (a PPR cache entry, a raw vector payload) costs far
// more than looking it up. The cache keeps decoded values keyed by the record
// key AND the commit version the reader observed, so a reader can only ever see
// a value that matches its own snapshot.
//
// Features:
// - LRU eviction for bounded memory
// - TTL expiration for cold entries
// - Thread-safe operations
// - Cache hit/miss statistics
//
// Usage:
//
//	c := cache.New[[]float32](4096, 10*time.Minute)
//
//	if vec, ok := c.Get(key, version); ok {
//		return vec
//	}
//	vec := decode(raw)
//	c.Put(key, version, vec)
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// Key identifies one decoded value: a stored key as seen at a commit version.
type Key struct {
	Name    string
	Version uint64
}

// Cache is a thread-safe LRU cache of decoded values.
//
// The cache uses:
// - Hash map for O(1) lookups
// - Doubly-linked list for LRU ordering
// - TTL for automatic expiration
//
// Values handed out by Get are shared between readers and must be treated as
// immutable.
type Cache[V any] struct {
	mu sync.Mutex

	maxSize int
	ttl     time.Duration
	enabled atomic.Bool

	list  *list.List
	items map[Key]*list.Element

	hits   atomic.Uint64
	misses atomic.Uint64
}

type cacheEntry[V any] struct {
	key       Key
	value     V
	expiresAt time.Time
}

// New creates a decode cache.
//
// Parameters:
//   - maxSize: Maximum number of cached values (LRU eviction when exceeded)
//   - ttl: Time-to-live for cached entries (0 = no expiration)
func New[V any](maxSize int, ttl time.Duration) *Cache[V] {
	if maxSize <= 0 {
		maxSize = 1024
	}
	c := &Cache[V]{
		maxSize: maxSize,
		ttl:     ttl,
		list:    list.New(),
		items:   make(map[Key]*list.Element, maxSize),
	}
	c.enabled.Store(true)
	return c
}

// Get returns the value cached for name at version.
func (c *Cache[V]) Get(name string, version uint64) (V, bool) {
	var zero V
	if c == nil || !c.enabled.Load() {
		return zero, false
	}
	key := Key{Name: name, Version: version}

	c.mu.Lock()
	elem, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		return zero, false
	}
	entry := elem.Value.(*cacheEntry[V])
	if c.ttl > 0 && time.Now().After(entry.expiresAt) {
		c.removeElement(elem)
		c.mu.Unlock()
		c.misses.Add(1)
		return zero, false
	}
	c.list.MoveToFront(elem)
	c.mu.Unlock()

	c.hits.Add(1)
	return entry.value, true
}

// Put stores value for name at version, evicting the least recently used
// entry when full.
func (c *Cache[V]) Put(name string, version uint64, value V) {
	if c == nil || !c.enabled.Load() {
		return
	}
	key := Key{Name: name, Version: version}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*cacheEntry[V])
		entry.value = value
		if c.ttl > 0 {
			entry.expiresAt = time.Now().Add(c.ttl)
		}
		c.list.MoveToFront(elem)
		return
	}

	for c.list.Len() >= c.maxSize {
		c.evictOldest()
	}

	entry := &cacheEntry[V]{key: key, value: value}
	if c.ttl > 0 {
		entry.expiresAt = time.Now().Add(c.ttl)
	}
	c.items[key] = c.list.PushFront(entry)
}

// Clear removes all entries from the cache.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.items = make(map[Key]*list.Element, c.maxSize)
}

// Len returns the number of cached entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// SetEnabled enables or disables the cache. Disabling clears it.
func (c *Cache[V]) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
	if !enabled {
		c.Clear()
	}
}

// Stats returns cache statistics.
func (c *Cache[V]) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	return Stats{
		Size:    c.Len(),
		MaxSize: c.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
	}
}

// Stats holds cache statistics.
type Stats struct {
	Size    int
	MaxSize int
	Hits    uint64
	Misses  uint64
	HitRate float64 // Percentage (0-100)
}

func (c *Cache[V]) evictOldest() {
	if elem := c.list.Back(); elem != nil {
		c.removeElement(elem)
	}
}

func (c *Cache[V]) removeElement(elem *list.Element) {
	c.list.Remove(elem)
	delete(c.items, elem.Value.(*cacheEntry[V]).key)
}
