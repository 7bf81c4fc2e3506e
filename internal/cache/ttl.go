// Package cache holds the process-wide read-through caches used by the
// upstream client: the bearer token and per-ticker sector metadata.
package cache

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Clock returns the current wall-clock time. Tests inject a fixed clock.
type Clock func() time.Time

type entry[V any] struct {
	value     V
	fetchedAt time.Time
}

// TTL is a string-keyed cache whose entries are valid while now-fetchedAt < ttl.
// Concurrent misses for the same key share a single load.
type TTL[V any] struct {
	ttl   time.Duration
	now   Clock
	mu    sync.Mutex
	items map[string]entry[V]
	group singleflight.Group
}

// NewTTL builds a cache with a fixed lifetime per entry.
func NewTTL[V any](ttl time.Duration, now Clock) *TTL[V] {
	if now == nil {
		now = time.Now
	}
	return &TTL[V]{ttl: ttl, now: now, items: make(map[string]entry[V])}
}

// Get returns the cached value when present and unexpired.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok || c.now().Sub(e.fetchedAt) >= c.ttl {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value stamped with the current clock time.
func (c *TTL[V]) Set(key string, value V) {
	c.mu.Lock()
	c.items[key] = entry[V]{value: value, fetchedAt: c.now()}
	c.mu.Unlock()
}

// GetOrLoad returns the cached value or runs load once for all concurrent
// callers. load reports whether its result may be cached.
func (c *TTL[V]) GetOrLoad(key string, load func() (V, bool, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	res, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, store, err := load()
		if err != nil {
			return v, err
		}
		if store {
			c.Set(key, v)
		}
		return v, nil
	})
	v, _ := res.(V)
	return v, err
}
