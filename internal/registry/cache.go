package registry

import (
	"context"
	"sync"
	"time"
)

// Cache is a read-through TTL cache over a registry Source. Listing
// endpoints hit it on every request; a short TTL keeps RPC load flat
// without serving stale prices for long.
type Cache struct {
	source Source
	ttl    time.Duration
	now    func() time.Time

	mu        sync.RWMutex
	agents    []AgentRecord
	byID      map[int64]AgentRecord
	fetchedAt time.Time
}

// NewCache wraps a source with a TTL cache.
func NewCache(source Source, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{
		source: source,
		ttl:    ttl,
		now:    time.Now,
		byID:   make(map[int64]AgentRecord),
	}
}

// List returns every live agent, refreshing from the source when the
// cache has expired.
func (c *Cache) List(ctx context.Context) ([]AgentRecord, error) {
	c.mu.RLock()
	fresh := c.now().Sub(c.fetchedAt) < c.ttl && c.agents != nil
	agents := c.agents
	c.mu.RUnlock()

	if fresh {
		return copyAgents(agents), nil
	}
	return c.refresh(ctx)
}

// Get returns one agent. Served from the cached listing while fresh;
// a stale cache triggers a refresh so execution pricing never runs on
// old data. Unknown IDs return ErrAgentNotFound.
func (c *Cache) Get(ctx context.Context, id int64) (AgentRecord, error) {
	c.mu.RLock()
	fresh := c.now().Sub(c.fetchedAt) < c.ttl && c.agents != nil
	rec, ok := c.byID[id]
	c.mu.RUnlock()

	if fresh {
		if !ok {
			return AgentRecord{}, ErrAgentNotFound
		}
		return rec, nil
	}

	if _, err := c.refresh(ctx); err != nil {
		return AgentRecord{}, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok = c.byID[id]
	if !ok {
		return AgentRecord{}, ErrAgentNotFound
	}
	return rec, nil
}

// Invalidate drops the cached listing so the next read refreshes.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

func (c *Cache) refresh(ctx context.Context) ([]AgentRecord, error) {
	agents, err := c.source.ListAgents(ctx)
	if err != nil {
		// Keep serving the previous listing rather than failing the
		// endpoint when the RPC node blips, unless there is nothing
		// to serve.
		c.mu.RLock()
		stale := c.agents
		c.mu.RUnlock()
		if stale != nil {
			return copyAgents(stale), nil
		}
		return nil, err
	}

	byID := make(map[int64]AgentRecord, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}

	c.mu.Lock()
	c.agents = agents
	c.byID = byID
	c.fetchedAt = c.now()
	c.mu.Unlock()

	return copyAgents(agents), nil
}

func copyAgents(agents []AgentRecord) []AgentRecord {
	out := make([]AgentRecord, len(agents))
	copy(out, agents)
	return out
}
