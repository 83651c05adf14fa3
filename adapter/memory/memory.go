// Package memory implements an in-process adapter.Contract over plain Go maps, the way the
// teacher's in_memory package backs its B-tree store: no external dependency, used for tests
// and as the reference implementation new adapter kinds are checked against.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/polyq/kernel"
	"github.com/polyq/kernel/adapter"
)

// Adapter is a single in-memory relational/document/graph table, keyed by the row's _eid
// under MVCC, or by an adapter-assigned sequence number otherwise.
type Adapter struct {
	name  string
	model kernel.DataModel

	mu       sync.RWMutex
	rows     map[int64]adapter.Row
	nextKey  int64
	staged   map[int64]map[int64]adapter.Row // txnID -> key -> staged row (nil means delete)
	prepared map[int64]bool
}

// New returns an empty in-memory Adapter serving model, named name.
func New(name string, model kernel.DataModel) *Adapter {
	return &Adapter{
		name:     name,
		model:    model,
		rows:     make(map[int64]adapter.Row),
		staged:   make(map[int64]map[int64]adapter.Row),
		prepared: make(map[int64]bool),
	}
}

// Factory adapts New to the adapter.Factory signature expected by the registry, reading the
// adapter's name and data model out of config.
func Factory(ctx context.Context, config map[string]string) (adapter.Contract, error) {
	model := kernel.Relational
	switch config["model"] {
	case "document":
		model = kernel.Document
	case "graph":
		model = kernel.Graph
	}
	return New(config["name"], model), nil
}

func (a *Adapter) Descriptor() adapter.Descriptor {
	return adapter.Descriptor{
		Name:          a.name,
		Models:        []kernel.DataModel{a.model},
		SupportsTwoPC: true,
		SupportsMVCC:  true,
	}
}

func eidOf(row adapter.Row) (int64, bool) {
	v, ok := row["_eid"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case kernel.Eid:
		return int64(n), true
	default:
		return 0, false
	}
}

func (a *Adapter) Scan(ctx context.Context, entity kernel.EntityInfo, opts adapter.ScanOptions, visit func(adapter.Row) error) error {
	a.mu.RLock()
	snapshot := make([]adapter.Row, 0, len(a.rows))
	for _, row := range a.rows {
		snapshot = append(snapshot, row)
	}
	if staged, ok := a.staged[opts.ReaderTxnID]; ok {
		for key, row := range staged {
			if row == nil {
				continue // tombstone: a pending delete by this same transaction
			}
			snapshot = append(snapshot, row)
			_ = key
		}
	}
	a.mu.RUnlock()

	for _, row := range snapshot {
		if vid, ok := row["_vid"]; ok {
			v := kernel.Vid(toInt64(vid))
			if !v.VisibleTo(opts.ReaderTxnID, opts.Snapshot) {
				continue
			}
		}
		if err := visit(row); err != nil {
			return err
		}
	}
	return nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case kernel.Vid:
		return int64(n)
	default:
		return 0
	}
}

// Modify stages op against the transaction implied by the row's own _vid marker (for
// MVCC-enabled entities) directly into a/pending staging area, applied at Commit.
func (a *Adapter) Modify(ctx context.Context, entity kernel.EntityInfo, op adapter.ModifyOp) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	txnID, err := modifyTxnID(op)
	if err != nil {
		return err
	}
	if a.staged[txnID] == nil {
		a.staged[txnID] = make(map[int64]adapter.Row)
	}

	switch op.Kind {
	case adapter.Insert:
		for _, row := range op.Rows {
			key, ok := eidOf(row)
			if !ok {
				a.nextKey++
				key = a.nextKey
			}
			a.staged[txnID][key] = row
		}
	case adapter.Update:
		for i, key := range op.Keys {
			k, ok := eidOf(key)
			if !ok {
				return fmt.Errorf("memory adapter: update key missing _eid")
			}
			a.staged[txnID][k] = op.Rows[i]
		}
	case adapter.Delete:
		for _, key := range op.Keys {
			k, ok := eidOf(key)
			if !ok {
				return fmt.Errorf("memory adapter: delete key missing _eid")
			}
			a.staged[txnID][k] = nil
		}
	}
	return nil
}

func modifyTxnID(op adapter.ModifyOp) (int64, error) {
	rows := op.Rows
	if len(rows) == 0 {
		rows = op.Keys
	}
	for _, row := range rows {
		if vid, ok := row["_vid"]; ok {
			if txnID, staged := kernel.Vid(toInt64(vid)).IsStaged(); staged {
				return txnID, nil
			}
		}
	}
	return 0, fmt.Errorf("memory adapter: could not determine staging transaction from modify op")
}

func (a *Adapter) Refresh(ctx context.Context, entity kernel.EntityInfo) error {
	return nil
}

// Prepare is a no-op: staged writes already sit durably (for this process's lifetime) in the
// staging map, keyed by transaction, satisfying the "durably stage before commit" contract
// for an in-memory store.
func (a *Adapter) Prepare(ctx context.Context, txnID int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prepared[txnID] = true
	return nil
}

// Commit flips every row staged by txnID to commitInstant and merges it into the visible
// table, discarding the staging entry.
func (a *Adapter) Commit(ctx context.Context, txnID int64, commitInstant int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	staged, ok := a.staged[txnID]
	if !ok {
		return nil
	}
	for key, row := range staged {
		if row == nil {
			delete(a.rows, key)
			continue
		}
		committed := make(adapter.Row, len(row))
		for k, v := range row {
			committed[k] = v
		}
		committed["_vid"] = commitInstant
		a.rows[key] = committed
	}
	delete(a.staged, txnID)
	delete(a.prepared, txnID)
	return nil
}

// Rollback discards every row staged by txnID without touching the visible table.
func (a *Adapter) Rollback(ctx context.Context, txnID int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.staged, txnID)
	delete(a.prepared, txnID)
	return nil
}

var (
	_ adapter.Contract = (*Adapter)(nil)
	_ adapter.TwoPC    = (*Adapter)(nil)
)
