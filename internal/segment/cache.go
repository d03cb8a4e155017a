package segment

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// InitCache holds parsed initialization segments keyed by representation ID.
// At most one fetch per representation is in flight at a time; concurrent
// callers share the in-flight result. Evicted wholesale on stop.
type InitCache struct {
	mu      sync.Mutex
	entries map[string]*Parsed
	group   singleflight.Group
}

// NewInitCache creates an empty cache.
func NewInitCache() *InitCache {
	return &InitCache{entries: make(map[string]*Parsed)}
}

// GetOrFetch returns the cached init segment for reprID, or runs fetch to
// populate it. Callers arriving while a fetch is in flight wait for that
// fetch; a caller whose ctx ends first unblocks with ctx.Err() while the
// fetch completes for the others.
func (c *InitCache) GetOrFetch(ctx context.Context, reprID string, fetch func() (*Parsed, error)) (*Parsed, error) {
	c.mu.Lock()
	if p, ok := c.entries[reprID]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	resCh := c.group.DoChan(reprID, func() (any, error) {
		p, err := fetch()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[reprID] = p
		c.mu.Unlock()
		return p, nil
	})

	select {
	case res := <-resCh:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Parsed), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the cached entry without fetching.
func (c *InitCache) Get(reprID string) (*Parsed, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.entries[reprID]
	return p, ok
}

// Clear evicts every entry.
func (c *InitCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Parsed)
}

// Len returns the number of cached entries.
func (c *InitCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
