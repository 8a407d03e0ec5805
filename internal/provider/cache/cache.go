package cache

import (
	"context"
	"slices"
	"sync"
	"time"

	"indicatorfeed/internal/provider"
)

// entry stores the items fetched for one parameter set with expiry.
type entry struct {
	expiresAt time.Time
	items     []provider.Item
}

// Provider caches results per parameter set for a TTL.
// Switching a feed back to parameters it showed recently is served from
// memory instead of another upstream call.
type Provider struct {
	P        provider.Provider
	TTL      time.Duration
	MaxItems int
	// ServeStale returns an expired entry when the upstream call fails.
	// Leave it off for feeds that should fall back instead.
	ServeStale bool

	mu    sync.RWMutex
	items map[string]entry // key: Params.Key()
}

func (c *Provider) Name() string { return c.P.Name() }

// Fetch returns cached items when valid, otherwise calls the wrapped provider.
func (c *Provider) Fetch(ctx context.Context, params provider.Params) ([]provider.Item, error) {
	if c.TTL <= 0 {
		return c.P.Fetch(ctx, params)
	}

	key := params.Key()
	now := time.Now()

	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if ok && now.Before(e.expiresAt) {
		return slices.Clone(e.items), nil
	}

	fresh, err := c.P.Fetch(ctx, params)
	if err != nil {
		if ok && c.ServeStale && ctx.Err() == nil {
			return slices.Clone(e.items), nil
		}
		return nil, err
	}

	c.mu.Lock()
	if c.items == nil {
		c.items = make(map[string]entry)
	}
	c.items[key] = entry{expiresAt: now.Add(c.TTL), items: slices.Clone(fresh)}
	// best-effort cap cache size: expired first, then arbitrary
	if c.MaxItems > 0 && len(c.items) > c.MaxItems {
		for k, v := range c.items {
			if now.After(v.expiresAt) {
				delete(c.items, k)
			}
		}
		for k := range c.items {
			if len(c.items) <= c.MaxItems {
				break
			}
			if k != key {
				delete(c.items, k)
			}
		}
	}
	c.mu.Unlock()

	return fresh, nil
}
