// Package authcache caches device registry rows on the ingest hot path so
// that repeat messages from a device skip the registry query entirely.
package authcache

import (
	"sort"
	"sync"
	"time"

	"github.com/opsconductor/pulse/observability"
)

// Entry is a cached registry row for one (tenant, device).
type Entry struct {
	SiteID    string
	Status    string
	TokenHash string
	CachedAt  time.Time
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Size   int   `json:"size"`
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Cache is a TTL+LRU cache keyed by (tenant_id, device_id). Only
// successful registry lookups are stored; a missing row is never cached,
// so a later provisioning of the device is visible immediately.
//
// Safe for concurrent use by the whole worker pool.
type Cache struct {
	mu      sync.Mutex
	entries map[cacheKey]Entry
	ttl     time.Duration
	maxSize int
	hits    int64
	misses  int64

	now func() time.Time // injectable for tests
}

type cacheKey struct {
	tenantID string
	deviceID string
}

// New creates a cache with the given entry TTL and size ceiling.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		entries: make(map[cacheKey]Entry),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get returns the cached entry for (tenant, device), or ok=false on a miss.
// An entry past its TTL counts as a miss and is removed.
func (c *Cache) Get(tenantID, deviceID string) (Entry, bool) {
	key := cacheKey{tenantID, deviceID}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		observability.CacheMisses.Inc()
		return Entry{}, false
	}
	if c.now().Sub(e.CachedAt) >= c.ttl {
		delete(c.entries, key)
		observability.CacheSize.Set(float64(len(c.entries)))
		c.misses++
		observability.CacheMisses.Inc()
		return Entry{}, false
	}
	c.hits++
	observability.CacheHits.Inc()
	return e, true
}

// Put stores a successful registry lookup. Idempotent: re-putting the same
// device simply refreshes the entry. When the cache is full the oldest 10%
// of entries by CachedAt are evicted first.
func (c *Cache) Put(tenantID, deviceID string, e Entry) {
	key := cacheKey{tenantID, deviceID}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e.CachedAt.IsZero() {
		e.CachedAt = c.now()
	}
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.entries[key] = e
	observability.CacheSize.Set(float64(len(c.entries)))
}

// Invalidate drops the entry for (tenant, device), if present. Admin
// mutations of the registry (revoke, site move, token rotation) call this
// so the next message re-reads the row.
func (c *Cache) Invalidate(tenantID, deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey{tenantID, deviceID})
	observability.CacheSize.Set(float64(len(c.entries)))
}

// Stats returns current size and hit/miss counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Size: len(c.entries), Hits: c.hits, Misses: c.misses}
}

// evictOldestLocked removes the 10% oldest entries (at least one).
// Caller holds c.mu.
func (c *Cache) evictOldestLocked() {
	n := len(c.entries) / 10
	if n < 1 {
		n = 1
	}

	type aged struct {
		key cacheKey
		at  time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{k, e.CachedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })

	for i := 0; i < n && i < len(all); i++ {
		delete(c.entries, all[i].key)
	}
}
