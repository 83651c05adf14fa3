// Command kerneld boots a kernel instance with the in-memory adapter deployed in namespace 1
// and serves the read-only monitoring surface over HTTP. It exists for local exploration and
// smoke-testing the wiring between catalog, registry, and transaction manager; a real
// deployment configures its adapters and namespaces from persisted catalog state instead.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/polyq/kernel"
	"github.com/polyq/kernel/adapter/memory"
	"github.com/polyq/kernel/catalog"
	"github.com/polyq/kernel/lock"
	"github.com/polyq/kernel/monitor"
	"github.com/polyq/kernel/registry"
	"github.com/polyq/kernel/sequencer"
	"github.com/polyq/kernel/txn"
	"github.com/polyq/kernel/txnlog"
)

type memoryCatalogStore struct {
	entities map[kernel.EntityID]kernel.EntityInfo
}

func (s *memoryCatalogStore) LoadAll(ctx context.Context) ([]kernel.EntityInfo, error) {
	out := make([]kernel.EntityInfo, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e)
	}
	return out, nil
}

func (s *memoryCatalogStore) Save(ctx context.Context, e kernel.EntityInfo) error {
	s.entities[e.ID] = e
	return nil
}

func (s *memoryCatalogStore) Delete(ctx context.Context, id kernel.EntityID) error {
	delete(s.entities, id)
	return nil
}

func main() {
	ctx := context.Background()

	reg := registry.New()
	reg.RegisterFactory("memory", memory.Factory)
	if _, err := reg.Deploy(ctx, 1, "memory", map[string]string{"name": "demo", "model": "relational"}); err != nil {
		fmt.Fprintln(os.Stderr, "deploy memory adapter:", err)
		os.Exit(1)
	}

	store := &memoryCatalogStore{entities: make(map[kernel.EntityID]kernel.EntityInfo)}
	cat, err := catalog.New(ctx, store, reg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "new catalog:", err)
		os.Exit(1)
	}

	mgr := txn.NewManager(sequencer.New(0), lock.NewManager(), txnlog.NewMemoryLog(), cat, reg, nil, 0)

	srv := monitor.New(cat, reg, mgr)
	if err := srv.Router().Run("localhost:8080"); err != nil {
		fmt.Fprintln(os.Stderr, "monitor server:", err)
		os.Exit(1)
	}
}
