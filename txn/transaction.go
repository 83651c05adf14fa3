// Package txn implements the transaction manager (spec component C6): transaction lifecycle,
// write-set validation, two-phase commit across adapters, ON_COMMIT constraint enforcement,
// and the commit-instant handoff to the identity layer's MVCC state.
package txn

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/polyq/kernel"
	"github.com/polyq/kernel/adapter"
	"github.com/polyq/kernel/lock"
)

// writeSetEntry remembers, for one written tuple, the version this transaction observed
// before staging its own write, so commit-time validation can detect a concurrent writer.
type writeSetEntry struct {
	entity      kernel.EntityInfo
	eid         kernel.Eid
	observedVid kernel.Vid
}

// Transaction is one in-flight unit of work against the kernel. Obtained from Manager.Begin
// and finished by exactly one of Manager.Commit or Manager.Rollback.
type Transaction struct {
	ID               int64
	Mode             kernel.TransactionMode
	Snapshot         int64
	LogID            uuid.UUID
	StartedAtMillis  int64
	DefaultNamespace kernel.NamespaceID
	Analyze          bool // carried with the transaction; no scan or commit path reads it
	NoCache          bool // carried with the transaction; no scan or commit path reads it

	manager *Manager

	mu              sync.Mutex
	touchedAdapters map[string]adapter.Contract
	touchedEntities map[kernel.EntityID]kernel.EntityInfo
	pendingOps      map[kernel.EntityID][]adapter.ModifyOp
	writeSet        []writeSetEntry
	done            bool
	canceled        bool
}

func newTransaction(id int64, mode kernel.TransactionMode, snapshot int64, logID uuid.UUID, m *Manager, defaultNamespace kernel.NamespaceID) *Transaction {
	return &Transaction{
		ID:               id,
		Mode:             mode,
		Snapshot:         snapshot,
		LogID:            logID,
		StartedAtMillis:  kernel.Now(),
		DefaultNamespace: defaultNamespace,
		manager:          m,
		touchedAdapters:  make(map[string]adapter.Contract),
		touchedEntities:  make(map[kernel.EntityID]kernel.EntityInfo),
		pendingOps:       make(map[kernel.EntityID][]adapter.ModifyOp),
	}
}

func (t *Transaction) readOnly() bool {
	return t.Mode == kernel.ForReading
}

// Cancel sets t's cancellation flag and interrupts whatever C4 wait t is currently parked on
// (per spec §5: "Client-initiated cancel sets the flag and interrupts the waiter"). Any
// adapter call already in flight is not forcibly aborted here; it is expected to observe
// ctx cancellation cooperatively if the caller also cancels the context it passed in.
func (t *Transaction) Cancel() {
	t.mu.Lock()
	already := t.canceled
	t.canceled = true
	t.mu.Unlock()
	if already {
		return
	}
	t.manager.locks.Cancel(t.ID)
}

// Canceled reports whether Cancel has been called on t.
func (t *Transaction) Canceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canceled
}

// acquireEntity takes a shared or exclusive hold on entity's lockable, reentrant per
// transaction, escalating through its namespace per spec component C4.
func (t *Transaction) acquireEntity(entity kernel.EntityInfo, mode lock.Mode) error {
	if err := t.manager.locks.AcquireEntity(t.ID, entity.Namespace, entity.ID, mode); err != nil {
		return asDeadlockError(err)
	}
	t.mu.Lock()
	t.touchedEntities[entity.ID] = entity
	t.mu.Unlock()
	return nil
}

// asDeadlockError maps a lock-package interruption (deadlock victim or client-initiated
// cancel) to the kernel.Deadlock error kind: per spec §7, a canceled wait "propagates out of
// the C4 wait as a deadlock error, triggering rollback" just like a detector-chosen victim.
func asDeadlockError(err error) error {
	switch err.(type) {
	case *lock.DeadlockError, *lock.CanceledError:
		return kernel.NewError(kernel.Deadlock, err, nil)
	}
	return err
}

// Scan streams entity's rows visible to this transaction's snapshot, taking a shared lock on
// entity first.
func (t *Transaction) Scan(ctx context.Context, entity kernel.EntityInfo, visit func(adapter.Row) error) error {
	if err := t.acquireEntity(entity, lock.Shared); err != nil {
		return err
	}
	contract, err := t.manager.adapterFor(entity)
	if err != nil {
		return err
	}
	t.trackAdapter(entity, contract)
	return contract.Scan(ctx, entity, adapter.ScanOptions{ReaderTxnID: t.ID, Snapshot: t.Snapshot}, visit)
}

// Modify stages op against entity, taking an exclusive lock first and recording the rows'
// pre-staging versions into the write-set for commit-time validation.
func (t *Transaction) Modify(ctx context.Context, entity kernel.EntityInfo, op adapter.ModifyOp) error {
	if t.readOnly() {
		return kernel.NewError(kernel.Internal, fmt.Errorf("modify called on a read-only transaction"), nil)
	}
	if err := t.acquireEntity(entity, lock.Exclusive); err != nil {
		return err
	}
	contract, err := t.manager.adapterFor(entity)
	if err != nil {
		return err
	}
	t.trackAdapter(entity, contract)

	if err := t.recordWriteSet(entity, op); err != nil {
		return err
	}
	if err := contract.Modify(ctx, entity, op); err != nil {
		return err
	}

	t.mu.Lock()
	t.pendingOps[entity.ID] = append(t.pendingOps[entity.ID], op)
	t.mu.Unlock()
	return nil
}

func (t *Transaction) trackAdapter(entity kernel.EntityInfo, contract adapter.Contract) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.touchedAdapters[entity.AdapterName] = contract
}

func (t *Transaction) recordWriteSet(entity kernel.EntityInfo, op adapter.ModifyOp) error {
	if !entity.MVCCEnabled {
		return nil
	}
	keys := op.Keys
	if op.Kind == adapter.Insert {
		return nil // a fresh _eid has no prior version to conflict with
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range keys {
		eid, ok := k["_eid"]
		if !ok {
			return kernel.NewError(kernel.Internal, fmt.Errorf("modify key missing _eid for MVCC entity %s", entity.Name), nil)
		}
		observed, _ := k["_vid"]
		t.writeSet = append(t.writeSet, writeSetEntry{
			entity:      entity,
			eid:         kernel.Eid(toInt64(eid)),
			observedVid: kernel.Vid(toInt64(observed)),
		})
	}
	return nil
}

func (t *Transaction) snapshotWriteSet() []writeSetEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]writeSetEntry(nil), t.writeSet...)
}

func (t *Transaction) snapshotAdapters() map[string]adapter.Contract {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]adapter.Contract, len(t.touchedAdapters))
	for k, v := range t.touchedAdapters {
		out[k] = v
	}
	return out
}

func (t *Transaction) snapshotPendingRows(entityID kernel.EntityID) []map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	var rows []map[string]any
	for _, op := range t.pendingOps[entityID] {
		for _, r := range op.Rows {
			rows = append(rows, map[string]any(r))
		}
	}
	return rows
}

func (t *Transaction) touchedEntityIDs() []kernel.EntityID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]kernel.EntityID, 0, len(t.touchedEntities))
	for id := range t.touchedEntities {
		out = append(out, id)
	}
	return out
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case kernel.Eid:
		return int64(n)
	case kernel.Vid:
		return int64(n)
	default:
		return 0
	}
}
