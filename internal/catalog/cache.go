package catalog

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// loadTimeout bounds a shared load, which outlives the caller that started it.
const loadTimeout = 30 * time.Second

// Cache memoises the first successful Load of its source. Concurrent loads
// share one in-flight query, which is not cancelled when the caller that
// started it gives up. [Cache.Invalidate] and [Cache.SetSource] drop
// the cached snapshot so the next call reloads.
type Cache struct {
	group singleflight.Group

	mu   sync.Mutex
	src  Source
	snap *Snapshot
	gen  uint64
}

var _ Source = (*Cache)(nil)

// NewCache wraps src.
func NewCache(src Source) *Cache {
	return &Cache{src: src}
}

// Load implements [Source].
func (c *Cache) Load(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	if c.snap != nil {
		s := *c.snap
		c.mu.Unlock()
		return s, nil
	}
	src, gen := c.src, c.gen
	c.mu.Unlock()

	ch := c.group.DoChan("load", func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		snap, err := src.Load(lctx)
		if err != nil {
			return Snapshot{}, err
		}
		c.mu.Lock()
		if c.gen == gen {
			c.snap = &snap
		}
		c.mu.Unlock()
		return snap, nil
	})
	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Snapshot{}, r.Err
		}
		return r.Val.(Snapshot), nil
	}
}

// Invalidate drops the cached snapshot.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.snap = nil
	c.gen++
	c.mu.Unlock()
	c.group.Forget("load")
}

// SetSource swaps the underlying source and invalidates.
func (c *Cache) SetSource(src Source) {
	c.mu.Lock()
	c.src = src
	c.snap = nil
	c.gen++
	c.mu.Unlock()
	c.group.Forget("load")
}
