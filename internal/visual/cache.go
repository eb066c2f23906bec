package visual

import (
	"context"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache keeps reference descriptors in memory, backed by an optional Store.
type Cache struct {
	mem    *lru.Cache[string, Descriptors]
	store  *Store
	logger *slog.Logger
}

// NewCache returns a cache holding up to size entries in memory. store may
// be nil.
func NewCache(size int, store *Store, logger *slog.Logger) (*Cache, error) {
	if size <= 0 {
		size = 256
	}
	mem, err := lru.New[string, Descriptors](size)
	if err != nil {
		return nil, err
	}
	return &Cache{mem: mem, store: store, logger: logger}, nil
}

// Get looks uri up in memory, then in the store.
func (c *Cache) Get(ctx context.Context, uri string) (Descriptors, bool) {
	if d, ok := c.mem.Get(uri); ok {
		return d, true
	}
	if c.store == nil {
		return Descriptors{}, false
	}
	d, ok, err := c.store.Get(ctx, uri)
	if err != nil {
		c.logger.Warn("descriptor store read failed", "uri", uri, "error", err)
		return Descriptors{}, false
	}
	if ok {
		c.mem.Add(uri, d)
	}
	return d, ok
}

// Put records d for uri. Store failures are logged and otherwise ignored.
func (c *Cache) Put(ctx context.Context, uri string, d Descriptors) {
	c.mem.Add(uri, d)
	if c.store == nil {
		return
	}
	if err := c.store.Put(ctx, uri, d); err != nil {
		c.logger.Warn("descriptor store write failed", "uri", uri, "error", err)
	}
}

// Len returns the number of entries held in memory.
func (c *Cache) Len() int { return c.mem.Len() }
