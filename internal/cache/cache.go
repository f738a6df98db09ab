// Package cache implements C4, a TTL cache with lazy expiry and
// single-flight miss collapsing, used by internal/accounting to avoid
// refetching vendor and account lookups on every receipt. See spec.md §4.4.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache is a generic-by-any-value TTL cache. Expiry is checked lazily on
// read; there is no background sweeper. Producer errors are never cached,
// so a transient upstream failure doesn't poison the cache for the TTL
// window. See spec.md §4.4.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	clock   func() time.Time
	group   singleflight.Group
}

// New constructs a Cache with the given time-to-live for every entry.
func New(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		clock:   time.Now,
	}
}

// Get returns the cached value for key if present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || c.clock().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// Set stores value for key with the cache's configured TTL.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry{value: value, expiresAt: c.clock().Add(c.ttl)}
}

// Trim removes all expired entries. Optional: callers may invoke this
// periodically to bound memory; Get/Set alone never leak unbounded entries
// for keys that stop being queried, since nothing re-inserts them, but a
// long-lived process with a high key cardinality may want to reclaim
// expired entries proactively.
func (c *Cache) Trim() {
	now := c.clock()

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}

// GetOrLoad returns the cached value for key, or calls load exactly once
// across any concurrent callers that miss on the same key, caching the
// result for subsequent readers. A load error is never cached and is
// returned to every caller waiting on that key's in-flight load.
func (c *Cache) GetOrLoad(ctx context.Context, key string, load func(context.Context) (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// re-check under singleflight in case a concurrent loader already
		// populated the cache while this goroutine was waiting to enter Do.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		loaded, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, loaded)
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}
