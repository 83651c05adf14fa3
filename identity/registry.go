// Package identity implements the per-entity identifier allocator (spec component C2) and
// the commit-instant log (spec component C3) that together give every MVCC tuple a stable
// _eid and a classifiable _vid.
package identity

import (
	"sync/atomic"

	"github.com/polyq/kernel"
)

// Registry is a per-entity allocator of tuple identifiers (_eid). It hands out fresh ids
// never previously issued for its entity and is safe under concurrent inserts on the same
// entity. Recycling issued ids (vacuum) is out of scope here, per spec section 4.2.
type Registry struct {
	next int64
}

// NewRegistry returns a Registry for one entity, resuming after highWaterMark (the largest
// _eid already persisted for this entity, 0 for a brand new entity).
func NewRegistry(highWaterMark int64) *Registry {
	return &Registry{next: highWaterMark}
}

// Allocate returns n fresh tuple identifiers, never previously issued for this entity.
func (r *Registry) Allocate(n int) []kernel.Eid {
	if n <= 0 {
		return nil
	}
	ids := make([]kernel.Eid, n)
	last := atomic.AddInt64(&r.next, int64(n))
	first := last - int64(n) + 1
	for i := 0; i < n; i++ {
		ids[i] = kernel.Eid(first + int64(i))
	}
	return ids
}

// HighWaterMark returns the largest id allocated so far, for persisting alongside the
// entity's catalog record.
func (r *Registry) HighWaterMark() int64 {
	return atomic.LoadInt64(&r.next)
}
