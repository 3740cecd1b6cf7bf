package keycloak

import (
	"context"
	"sync"
	"time"
)

// realmEntry caches one realm's client list. load serializes fetches so
// concurrent misses share one round trip; mu guards the cached fields only.
type realmEntry struct {
	load sync.Mutex

	mu        sync.Mutex
	clients   []ClientSummary
	fetchedAt time.Time
	valid     bool
	gen       uint64
}

// summaryCache holds the client list per realm. A slow realm only blocks
// callers of that realm.
type summaryCache struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	realms map[string]*realmEntry
}

func newSummaryCache(ttl time.Duration) *summaryCache {
	return &summaryCache{
		ttl:    ttl,
		now:    time.Now,
		realms: make(map[string]*realmEntry),
	}
}

func (c *summaryCache) entry(realm string) *realmEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.realms[realm]
	if !ok {
		e = &realmEntry{}
		c.realms[realm] = e
	}
	return e
}

func (c *summaryCache) get(ctx context.Context, realm string, load func(context.Context, string) ([]ClientSummary, error)) ([]ClientSummary, error) {
	if c.ttl <= 0 {
		return load(ctx, realm)
	}

	e := c.entry(realm)
	if clients, ok := c.fresh(e); ok {
		return clients, nil
	}

	e.load.Lock()
	defer e.load.Unlock()
	if clients, ok := c.fresh(e); ok {
		return clients, nil
	}

	e.mu.Lock()
	gen := e.gen
	e.mu.Unlock()

	clients, err := load(ctx, realm)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	// An invalidate during the fetch means the result may predate a write.
	if e.gen == gen {
		e.clients = clients
		e.fetchedAt = c.now()
		e.valid = true
	}
	e.mu.Unlock()
	return clients, nil
}

func (c *summaryCache) invalidate(realm string) {
	e := c.entry(realm)
	e.mu.Lock()
	e.valid = false
	e.clients = nil
	e.gen++
	e.mu.Unlock()
}

func (c *summaryCache) fresh(e *realmEntry) ([]ClientSummary, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.valid || c.now().Sub(e.fetchedAt) >= c.ttl {
		return nil, false
	}
	return e.clients, true
}
