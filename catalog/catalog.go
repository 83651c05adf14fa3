// Package catalog persists entity descriptors and their adapter bindings, and implements the
// copy-on-write snapshot semantics the shared-resource policy requires: a reader sees a
// stable view of the catalog even while DDL concurrently adds or drops entities.
package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/polyq/kernel"
	"github.com/polyq/kernel/registry"
)

// Snapshot is an immutable point-in-time view of every entity known to a namespace. Readers
// hold onto one for the duration of a transaction instead of re-reading the live catalog, so
// a concurrent DDL change never mutates state underneath an in-flight query.
type Snapshot struct {
	entities map[kernel.EntityID]kernel.EntityInfo
	byName   map[string]kernel.EntityID
}

// Entity looks up id within the snapshot.
func (s *Snapshot) Entity(id kernel.EntityID) (kernel.EntityInfo, bool) {
	e, ok := s.entities[id]
	return e, ok
}

// EntityByName looks up name within the snapshot.
func (s *Snapshot) EntityByName(ns kernel.NamespaceID, name string) (kernel.EntityInfo, bool) {
	id, ok := s.byName[namespacedName(ns, name)]
	if !ok {
		return kernel.EntityInfo{}, false
	}
	return s.Entity(id)
}

// All returns every entity in the snapshot, in no particular order.
func (s *Snapshot) All() []kernel.EntityInfo {
	out := make([]kernel.EntityInfo, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e)
	}
	return out
}

func namespacedName(ns kernel.NamespaceID, name string) string {
	return fmt.Sprintf("%d/%s", ns, name)
}

// Catalog is the mutable, persisted entity directory. Every mutation replaces the live
// snapshot atomically (copy-on-write) rather than editing entities in place, so
// Current() always returns something callers can hold onto safely.
type Catalog struct {
	mu      sync.Mutex
	current *Snapshot

	store    Store
	adapters *registry.Registry
}

// Store is the persistence backend for entity descriptors, e.g. a row in the adapter
// responsible for the kernel's own bookkeeping namespace.
type Store interface {
	LoadAll(ctx context.Context) ([]kernel.EntityInfo, error)
	Save(ctx context.Context, e kernel.EntityInfo) error
	Delete(ctx context.Context, id kernel.EntityID) error
}

// New returns a Catalog backed by store, loading its initial snapshot from it.
func New(ctx context.Context, store Store, adapters *registry.Registry) (*Catalog, error) {
	entities, err := store.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	c := &Catalog{store: store, adapters: adapters}
	c.current = buildSnapshot(entities)
	return c, nil
}

func buildSnapshot(entities []kernel.EntityInfo) *Snapshot {
	s := &Snapshot{
		entities: make(map[kernel.EntityID]kernel.EntityInfo, len(entities)),
		byName:   make(map[string]kernel.EntityID, len(entities)),
	}
	for _, e := range entities {
		s.entities[e.ID] = e
		s.byName[namespacedName(e.Namespace, e.Name)] = e.ID
	}
	return s
}

// Current returns the live snapshot. Safe to retain across the lifetime of a transaction.
func (c *Catalog) Current() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Define registers a new entity, persisting it and publishing a new snapshot that includes
// it. Returns kernel.DuplicateUniqueName if an entity with the same namespace-qualified name
// already exists.
func (c *Catalog) Define(ctx context.Context, e kernel.EntityInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.current.byName[namespacedName(e.Namespace, e.Name)]; exists {
		return kernel.NewError(kernel.DuplicateUniqueName, errAlreadyDefined(e.Namespace, e.Name), e.Name)
	}
	if err := c.store.Save(ctx, e); err != nil {
		return err
	}

	next := make([]kernel.EntityInfo, 0, len(c.current.entities)+1)
	for _, existing := range c.current.entities {
		next = append(next, existing)
	}
	next = append(next, e)
	c.current = buildSnapshot(next)
	return nil
}

// Drop removes an entity from the catalog, publishing a new snapshot without it. It does not
// tear down the adapter the entity was bound to: multiple entities may share one adapter
// deployment, so that decision belongs to the caller via registry.Remove's inUse check.
func (c *Catalog) Drop(ctx context.Context, id kernel.EntityID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.current.entities[id]; !ok {
		return nil
	}
	if err := c.store.Delete(ctx, id); err != nil {
		return err
	}

	next := make([]kernel.EntityInfo, 0, len(c.current.entities))
	for existingID, existing := range c.current.entities {
		if existingID == id {
			continue
		}
		next = append(next, existing)
	}
	c.current = buildSnapshot(next)
	return nil
}

func errAlreadyDefined(ns kernel.NamespaceID, name string) error {
	return &duplicateNameError{ns: ns, name: name}
}

type duplicateNameError struct {
	ns   kernel.NamespaceID
	name string
}

func (e *duplicateNameError) Error() string {
	return "catalog: entity already defined in this namespace: " + e.name
}
