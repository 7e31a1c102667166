package authcache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestGetAfterPut(t *testing.T) {
	c := New(60*time.Second, 100)
	e := Entry{SiteID: "s1", Status: "ACTIVE", TokenHash: "abc"}

	c.Put("t1", "d1", e)

	got, ok := c.Get("t1", "d1")
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if got.SiteID != "s1" || got.TokenHash != "abc" {
		t.Errorf("entry mismatch: %+v", got)
	}
}

func TestTenantKeying(t *testing.T) {
	c := New(60*time.Second, 100)
	c.Put("t1", "d1", Entry{SiteID: "s1"})

	// Same device ID under a different tenant must be a miss.
	if _, ok := c.Get("t2", "d1"); ok {
		t.Error("cache leaked an entry across tenants")
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New(60*time.Second, 100)
	base := time.Now()
	c.now = func() time.Time { return base }

	c.Put("t1", "d1", Entry{SiteID: "s1"})

	c.now = func() time.Time { return base.Add(59 * time.Second) }
	if _, ok := c.Get("t1", "d1"); !ok {
		t.Error("entry expired before ttl")
	}

	c.now = func() time.Time { return base.Add(60 * time.Second) }
	if _, ok := c.Get("t1", "d1"); ok {
		t.Error("entry survived past ttl")
	}
	// Stale entry is removed on access, not just hidden.
	if s := c.Stats(); s.Size != 0 {
		t.Errorf("expected 0 entries after expiry sweep, got %d", s.Size)
	}
}

func TestInvalidate(t *testing.T) {
	c := New(60*time.Second, 100)
	c.Put("t1", "d1", Entry{SiteID: "s1"})
	c.Invalidate("t1", "d1")

	if _, ok := c.Get("t1", "d1"); ok {
		t.Error("expected miss after Invalidate")
	}
}

func TestEvictionDropsOldest(t *testing.T) {
	c := New(time.Hour, 10)
	base := time.Now()

	for i := 0; i < 10; i++ {
		c.Put("t1", fmt.Sprintf("d%d", i), Entry{CachedAt: base.Add(time.Duration(i) * time.Second)})
	}
	// Cache is full; the next insert evicts the oldest 10% (one entry, d0).
	c.Put("t1", "d10", Entry{CachedAt: base.Add(20 * time.Second)})

	if _, ok := c.Get("t1", "d0"); ok {
		t.Error("oldest entry survived eviction")
	}
	if _, ok := c.Get("t1", "d9"); !ok {
		t.Error("recent entry was evicted")
	}
	if _, ok := c.Get("t1", "d10"); !ok {
		t.Error("new entry missing after eviction")
	}
}

func TestStatsCounters(t *testing.T) {
	c := New(60*time.Second, 100)
	c.Put("t1", "d1", Entry{})

	c.Get("t1", "d1")
	c.Get("t1", "d1")
	c.Get("t1", "nope")

	s := c.Stats()
	if s.Hits != 2 || s.Misses != 1 || s.Size != 1 {
		t.Errorf("unexpected stats: %+v", s)
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New(60*time.Second, 1000)
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				dev := fmt.Sprintf("d%d", i%50)
				c.Put("t1", dev, Entry{SiteID: "s1"})
				c.Get("t1", dev)
				if i%10 == 0 {
					c.Invalidate("t1", dev)
				}
			}
		}(w)
	}
	wg.Wait()
}
