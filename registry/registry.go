// Package registry implements the adapter registry (spec component C11): a process-wide,
// name-keyed table of adapter factories, plus the deploy/remove/restore operations the
// catalog uses to bring a namespace's configured adapters back up after a restart.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/polyq/kernel"
	"github.com/polyq/kernel/adapter"
)

// Registry is the process-wide table mapping an adapter name to the factory that builds it,
// and the live Contract instances currently deployed for a namespace.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]adapter.Factory
	deployed  map[string]adapter.Contract // keyed by "namespace/adapterName"
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		factories: make(map[string]adapter.Factory),
		deployed:  make(map[string]adapter.Contract),
	}
}

// RegisterFactory associates name (e.g. "cassandra", "s3", "memory") with the factory that
// builds it. Registering the same name twice replaces the prior factory, matching the
// teacher's last-registration-wins cache factory behavior. Per spec §4.11, adapter names are
// case-insensitive, so lookups fold name the same way Deploy does.
func (r *Registry) RegisterFactory(name string, f adapter.Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(name)] = f
}

// deployKey case-folds adapterName so (ns, adapterName) collisions are recognized regardless
// of casing, per spec §4.11 ("Names are case-insensitive; (name, kind) is unique").
func deployKey(ns kernel.NamespaceID, adapterName string) string {
	return fmt.Sprintf("%d/%s", ns, strings.ToLower(adapterName))
}

// Deploy instantiates adapterName via its registered factory, configured with config, and
// makes it available to ns. Returns kernel.AdapterUnknown if no factory was registered under
// that name, or kernel.DuplicateUniqueName if (ns, adapterName) already has a deployed
// instance (case-insensitively).
func (r *Registry) Deploy(ctx context.Context, ns kernel.NamespaceID, adapterName string, config map[string]string) (adapter.Contract, error) {
	r.mu.Lock()
	f, ok := r.factories[strings.ToLower(adapterName)]
	if !ok {
		r.mu.Unlock()
		return nil, kernel.NewError(kernel.AdapterUnknown, fmt.Errorf("no factory registered for adapter %q", adapterName), nil)
	}
	key := deployKey(ns, adapterName)
	if _, exists := r.deployed[key]; exists {
		r.mu.Unlock()
		return nil, kernel.NewError(kernel.DuplicateUniqueName, fmt.Errorf("adapter %q already deployed in namespace %d", adapterName, ns), adapterName)
	}
	r.mu.Unlock()

	c, err := f(ctx, config)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.deployed[key]; exists {
		// Another Deploy call for the same (ns, adapterName) won the race while this one was
		// off building its Contract; leave the existing deployment in place.
		return nil, kernel.NewError(kernel.DuplicateUniqueName, fmt.Errorf("adapter %q already deployed in namespace %d", adapterName, ns), adapterName)
	}
	r.deployed[key] = c
	return c, nil
}

// Remove tears down the deployed instance of adapterName in ns. Returns kernel.AdapterInUse
// if inUse reports the adapter still has live entities bound to it; the caller (catalog) is
// responsible for that check since only it knows the entity->adapter bindings.
func (r *Registry) Remove(ns kernel.NamespaceID, adapterName string, inUse bool) error {
	if inUse {
		return kernel.NewError(kernel.AdapterInUse, fmt.Errorf("adapter %q still bound to entities in namespace %d", adapterName, ns), nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.deployed, deployKey(ns, adapterName))
	return nil
}

// Lookup returns the already-deployed Contract for (ns, adapterName), if any.
func (r *Registry) Lookup(ns kernel.NamespaceID, adapterName string) (adapter.Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.deployed[deployKey(ns, adapterName)]
	return c, ok
}

// Descriptors returns the Descriptor of every adapter currently deployed, for the monitoring
// surface (spec section on read-only adapter introspection).
func (r *Registry) Descriptors() []adapter.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]adapter.Descriptor, 0, len(r.deployed))
	for _, c := range r.deployed {
		out = append(out, c.Descriptor())
	}
	return out
}

// RestoreSpec is one namespace's persisted adapter configuration, as read back from the
// catalog store.
type RestoreSpec struct {
	Namespace   kernel.NamespaceID
	AdapterName string
	Config      map[string]string
}

// Restore re-deploys every adapter named in specs, in order, stopping at the first error.
// Invoked once at process startup after the catalog has loaded its persisted descriptors.
func (r *Registry) Restore(ctx context.Context, specs []RestoreSpec) error {
	for _, s := range specs {
		if _, err := r.Deploy(ctx, s.Namespace, s.AdapterName, s.Config); err != nil {
			return fmt.Errorf("restoring adapter %q in namespace %d: %w", s.AdapterName, s.Namespace, err)
		}
	}
	return nil
}
