// Package cache implements the two-level row cache the transaction manager populates after a
// successful commit (spec component C6's "populate MRU" step): an in-process most-recently-used
// cache (L1) backstopped by a shared Redis cache (L2), so the next reader of a just-committed
// row does not have to round-trip the adapter that owns it.
package cache

import (
	"context"
	"fmt"
	log "log/slog"
	"sync"
	"time"
)

const (
	DefaultMinCapacity = 1000
	DefaultMaxCapacity = 1350
)

type entry struct {
	row     map[string]any
	dllNode *node[string]
}

// RowCache is the process-wide L1+L2 cache for committed rows. Safe for concurrent use.
type RowCache struct {
	mu     sync.Mutex
	lookup map[string]*entry
	order  *doublyLinkedList[string]
	min    int
	max    int
	l2     L2
}

// NewRowCache returns a RowCache with the given MRU bounds, backed by l2 (nil disables the L2
// tier, keeping rows purely in-process — useful for tests).
func NewRowCache(l2 L2, minCapacity, maxCapacity int) *RowCache {
	return &RowCache{
		lookup: make(map[string]*entry, maxCapacity),
		order:  newDoublyLinkedList[string](),
		min:    minCapacity,
		max:    maxCapacity,
		l2:     l2,
	}
}

// Key formats the cache key for a row of entity id eid.
func Key(entityID int64, eid int64) string {
	return fmt.Sprintf("row:%d:%d", entityID, eid)
}

// Put inserts or refreshes row in L1, evicting least-recently-used entries down to the
// minimum size once the maximum is exceeded, and mirrors it to L2 with the given TTL.
func (c *RowCache) Put(ctx context.Context, key string, row map[string]any, ttl time.Duration) {
	c.mu.Lock()
	if v, ok := c.lookup[key]; ok {
		c.order.delete(v.dllNode)
	}
	n := c.order.addToHead(key)
	c.lookup[key] = &entry{row: row, dllNode: n}
	full := c.order.count() > c.max
	c.mu.Unlock()

	if full {
		c.evict()
	}

	if c.l2 != nil {
		if err := c.l2.SetStruct(ctx, key, row, ttl); err != nil {
			log.Warn("rowcache: L2 write failed", "key", key, "error", err)
		}
	}
}

// Get returns the row cached under key, checking L1 first and falling back to L2 on a miss.
func (c *RowCache) Get(ctx context.Context, key string) (map[string]any, bool) {
	c.mu.Lock()
	if v, ok := c.lookup[key]; ok {
		c.order.delete(v.dllNode)
		v.dllNode = c.order.addToHead(key)
		row := v.row
		c.mu.Unlock()
		return row, true
	}
	c.mu.Unlock()

	if c.l2 == nil {
		return nil, false
	}
	var row map[string]any
	if err := c.l2.GetStruct(ctx, key, &row); err != nil {
		if !c.l2.KeyNotFound(err) {
			log.Warn("rowcache: L2 read failed", "key", key, "error", err)
		}
		return nil, false
	}
	c.mu.Lock()
	n := c.order.addToHead(key)
	c.lookup[key] = &entry{row: row, dllNode: n}
	full := c.order.count() > c.max
	c.mu.Unlock()
	if full {
		c.evict()
	}
	return row, true
}

// Invalidate drops key from both tiers. Called when a later transaction updates or deletes
// the row the key identifies.
func (c *RowCache) Invalidate(ctx context.Context, key string) {
	c.mu.Lock()
	if v, ok := c.lookup[key]; ok {
		c.order.delete(v.dllNode)
		delete(c.lookup, key)
	}
	c.mu.Unlock()

	if c.l2 != nil {
		if err := c.l2.Delete(ctx, key); err != nil {
			log.Warn("rowcache: L2 invalidate failed", "key", key, "error", err)
		}
	}
}

// Count returns the number of rows currently held in L1.
func (c *RowCache) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.count()
}

func (c *RowCache) evict() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.order.count() > c.min {
		key, ok := c.order.deleteFromTail()
		if !ok {
			return
		}
		delete(c.lookup, key)
	}
}
