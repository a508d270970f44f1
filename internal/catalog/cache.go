package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/example/carpool/internal/models"
)

// MemoryCache is a tiny in-process TTL cache for route lookups.
type MemoryCache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	r  models.Route
	ts time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

// Get returns the cached route if present and not expired.
func (c *MemoryCache) Get(_ context.Context, key string) (models.Route, bool) {
	c.mu.RLock()
	e, ok := c.store[key]
	c.mu.RUnlock()
	if !ok {
		return models.Route{}, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, key)
		c.mu.Unlock()
		return models.Route{}, false
	}
	return e.r, true
}

func (c *MemoryCache) Set(_ context.Context, key string, r models.Route) {
	c.mu.Lock()
	c.store[key] = cacheEntry{r: r, ts: c.now()}
	c.mu.Unlock()
}
