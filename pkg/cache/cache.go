package cache

import (
	"strings"
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a small in-memory cache with per-entry TTL. It backs the
// organization snapshot store and short-lived inventory list caching.
type Cache[V any] struct {
	mu    sync.RWMutex
	items map[string]entry[V]
}

// New creates an empty cache.
func New[V any]() *Cache[V] {
	return &Cache[V]{items: map[string]entry[V]{}}
}

// Set stores a value under key for the given TTL.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = entry[V]{value: value, expiresAt: time.Now().Add(ttl)}
}

// Get returns the value for key if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[key]
	if !ok || time.Now().After(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Delete removes a single key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear removes every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = map[string]entry[V]{}
}

// Invalidate removes all entries whose key starts with prefix. Sign-out
// uses this to drop every cached row scoped to a user.
func (c *Cache[V]) Invalidate(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.items {
		if strings.HasPrefix(key, prefix) {
			delete(c.items, key)
		}
	}
}
