package checklist

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/animus-labs/releasegate/internal/domain"
)

const defaultFetchTimeout = 10 * time.Second

// Cache memoizes a Source for a fixed TTL. Concurrent misses share a single
// upstream call that runs detached from any one caller's cancellation and is
// bounded by the fetch timeout. A failed refresh is not cached.
type Cache struct {
	source       Source
	ttl          time.Duration
	fetchTimeout time.Duration
	now          func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	templates []domain.ChecklistItemTemplate
	loadedAt  time.Time
	gen       uint64
}

type CacheOption func(*Cache)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithFetchTimeout bounds a shared upstream fetch.
func WithFetchTimeout(timeout time.Duration) CacheOption {
	return func(c *Cache) {
		if timeout > 0 {
			c.fetchTimeout = timeout
		}
	}
}

// NewCache wraps source. A non-positive ttl disables expiry; entries then only
// leave the cache through Invalidate.
func NewCache(source Source, ttl time.Duration, opts ...CacheOption) *Cache {
	if source == nil {
		return nil
	}
	c := &Cache{source: source, ttl: ttl, fetchTimeout: defaultFetchTimeout, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) List(ctx context.Context) ([]domain.ChecklistItemTemplate, error) {
	if c == nil {
		return nil, errors.New("checklist cache not configured")
	}
	if templates, ok := c.cached(); ok {
		return templates, nil
	}

	c.mu.RLock()
	gen := c.gen
	c.mu.RUnlock()

	ch := c.group.DoChan("templates", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		templates, err := c.source.List(fetchCtx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		// Results fetched before an invalidation are returned but not stored.
		if c.gen == gen {
			c.templates = domain.CloneTemplates(templates)
			c.loadedAt = c.now()
		}
		c.mu.Unlock()
		return templates, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return domain.CloneTemplates(res.Val.([]domain.ChecklistItemTemplate)), nil
	}
}

func (c *Cache) cached() ([]domain.ChecklistItemTemplate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.templates == nil {
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(c.loadedAt) >= c.ttl {
		return nil, false
	}
	return domain.CloneTemplates(c.templates), true
}

// Invalidate drops the cached templates so the next List reloads them.
func (c *Cache) Invalidate() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.templates = nil
	c.loadedAt = time.Time{}
	c.gen++
	c.mu.Unlock()
	c.group.Forget("templates")
}
