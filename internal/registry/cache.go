package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/koltyakov/exposebus/internal/domain"
)

const (
	DefaultCacheTTL  = 5 * time.Second
	negativeCacheTTL = time.Second
)

// Cache stores recent lookups with a short TTL. Entries are explicitly
// invalidated on registration, deletion and expiry; the TTL covers any
// missed invalidation. Not-found results are cached briefly so a flood of
// requests for an unknown subdomain does not reach the store.
type Cache struct {
	inner Lookuper
	ttl   time.Duration
	now   func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	rec               domain.TunnelRecord
	notFound          bool
	expiresAtUnixNano int64
}

func NewCache(inner Lookuper, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		inner:   inner,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *Cache) Lookup(ctx context.Context, id string) (domain.TunnelRecord, error) {
	if e, ok := c.get(id); ok {
		if e.notFound {
			return domain.TunnelRecord{}, domain.ErrTunnelNotFound
		}
		return e.rec, nil
	}
	rec, err := c.inner.Lookup(ctx, id)
	switch {
	case err == nil:
		c.set(id, cacheEntry{rec: rec}, c.ttl)
	case errors.Is(err, domain.ErrTunnelNotFound):
		c.set(id, cacheEntry{notFound: true}, min(c.ttl, negativeCacheTTL))
	}
	return rec, err
}

func (c *Cache) get(id string) (cacheEntry, bool) {
	nowUnix := c.now().UnixNano()
	c.mu.RLock()
	e, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		return cacheEntry{}, false
	}
	if nowUnix > e.expiresAtUnixNano {
		c.mu.Lock()
		if stale, exists := c.entries[id]; exists && nowUnix > stale.expiresAtUnixNano {
			delete(c.entries, id)
		}
		c.mu.Unlock()
		return cacheEntry{}, false
	}
	return e, true
}

func (c *Cache) set(id string, e cacheEntry, ttl time.Duration) {
	e.expiresAtUnixNano = c.now().Add(ttl).UnixNano()
	c.mu.Lock()
	c.entries[id] = e
	c.mu.Unlock()
}

// Invalidate drops any cached entry for id.
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

// Cleanup removes expired entries.
func (c *Cache) Cleanup() {
	nowUnix := c.now().UnixNano()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		if nowUnix > e.expiresAtUnixNano {
			delete(c.entries, id)
		}
	}
}

// Len returns the number of cached entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
