// Package cache provides a small TTL cache owned by whoever constructs it.
// There is no package level state; independent instances never share entries.
package cache

import (
	"sync"
	"time"
)

// Clock abstracts time for testability.
type Clock interface { // A
	Now() time.Time
}

type realClock struct{} // A

// Now returns the current time.
func (realClock) Now() time.Time { // A
	return time.Now()
}

// RealClock returns a Clock backed by time.Now.
func RealClock() Clock { return realClock{} }

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// TTL caches values for a fixed duration. Expired entries are evicted inline
// during Put. A zero or negative TTL disables caching.
type TTL[K comparable, V any] struct { // A
	mu         sync.Mutex
	entries    map[K]entry[V]
	ttl        time.Duration
	maxEntries int
	clock      Clock
}

// New creates a TTL cache. maxEntries <= 0 means unbounded. A nil clock uses
// the wall clock.
func New[K comparable, V any]( // A
	ttl time.Duration,
	maxEntries int,
	clock Clock,
) *TTL[K, V] {
	if clock == nil {
		clock = realClock{}
	}
	return &TTL[K, V]{
		entries:    make(map[K]entry[V]),
		ttl:        ttl,
		maxEntries: maxEntries,
		clock:      clock,
	}
}

// Get returns the cached value for key if present and not expired.
func (c *TTL[K, V]) Get(key K) (V, bool) { // A
	var zero V
	if c == nil || c.ttl <= 0 {
		return zero, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if c.expired(e) {
		delete(c.entries, key)
		return zero, false
	}
	return e.value, true
}

// Put stores value under key.
func (c *TTL[K, V]) Put(key K, value V) { // A
	if c == nil || c.ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cleanup()
	if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		if _, exists := c.entries[key]; !exists {
			c.evictOldest()
		}
	}
	c.entries[key] = entry[V]{value: value, storedAt: c.clock.Now()}
}

// Delete drops key from the cache.
func (c *TTL[K, V]) Delete(key K) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the number of entries, expired ones included.
func (c *TTL[K, V]) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *TTL[K, V]) expired(e entry[V]) bool {
	return !c.clock.Now().Before(e.storedAt.Add(c.ttl))
}

// cleanup evicts expired entries. Must be called with mu held.
func (c *TTL[K, V]) cleanup() { // A
	for k, e := range c.entries {
		if c.expired(e) {
			delete(c.entries, k)
		}
	}
}

// evictOldest drops the entry stored first. Must be called with mu held.
func (c *TTL[K, V]) evictOldest() {
	var (
		oldestKey K
		oldestAt  time.Time
		found     bool
	)
	for k, e := range c.entries {
		if !found || e.storedAt.Before(oldestAt) {
			oldestKey, oldestAt, found = k, e.storedAt, true
		}
	}
	if found {
		delete(c.entries, oldestKey)
	}
}
