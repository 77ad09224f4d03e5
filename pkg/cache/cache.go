// Package cache provides a TTL cache with single-flight fetching. The sync
// engine runs two instances of it: a long-lived tier for the workspace
// project list and a medium-lived tier for per-project membership and
// workflow-state lists.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// FetchFunc loads the value for a key on a cache miss.
type FetchFunc[V any] func(ctx context.Context) (V, error)

// Cache is a keyed TTL cache. Entries past their TTL are treated as absent,
// never served stale. Concurrent lookups of the same expired key share one
// fetch. Safe for concurrent use.
type Cache[V any] struct {
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]entry[V]
}

type entry[V any] struct {
	value     V
	fetchedAt time.Time
}

// New creates a cache whose entries expire ttl after they were fetched.
func New[V any](ttl time.Duration) *Cache[V] {
	return NewWithClock[V](ttl, time.Now)
}

// NewWithClock is New with an injectable clock, for tests.
func NewWithClock[V any](ttl time.Duration, now func() time.Time) *Cache[V] {
	return &Cache[V]{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]entry[V]),
	}
}

// GetOrFetch returns the cached value for key if it is still fresh, otherwise
// calls fetch, stores its result, and returns it. While one fetch for a key
// is in flight, further callers of the same key wait for its result instead
// of issuing duplicates; unrelated keys are never serialized against each
// other.
func (c *Cache[V]) GetOrFetch(ctx context.Context, key string, fetch FetchFunc[V]) (V, error) {
	if v, ok := c.lookup(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// A concurrent caller may have completed the fetch while this one
		// was waiting on the flight group.
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.store(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Invalidate drops the entry for key, if any.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *Cache[V]) lookup(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || c.now().Sub(e.fetchedAt) >= c.ttl {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *Cache[V]) store(key string, value V) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, fetchedAt: c.now()}
	c.mu.Unlock()
}
