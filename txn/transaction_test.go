package txn

import (
	"context"
	"testing"
	"time"

	"github.com/polyq/kernel"
	"github.com/polyq/kernel/adapter"
	"github.com/polyq/kernel/adapter/memory"
	"github.com/polyq/kernel/catalog"
	"github.com/polyq/kernel/lock"
	"github.com/polyq/kernel/registry"
	"github.com/polyq/kernel/rex"
	"github.com/polyq/kernel/sequencer"
	"github.com/polyq/kernel/txnlog"
)

type memStore struct {
	entities map[kernel.EntityID]kernel.EntityInfo
}

func newMemStore() *memStore {
	return &memStore{entities: make(map[kernel.EntityID]kernel.EntityInfo)}
}

func (s *memStore) LoadAll(ctx context.Context) ([]kernel.EntityInfo, error) {
	out := make([]kernel.EntityInfo, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e)
	}
	return out, nil
}

func (s *memStore) Save(ctx context.Context, e kernel.EntityInfo) error {
	s.entities[e.ID] = e
	return nil
}

func (s *memStore) Delete(ctx context.Context, id kernel.EntityID) error {
	delete(s.entities, id)
	return nil
}

func newHarness(t *testing.T) (*Manager, kernel.EntityInfo) {
	t.Helper()
	ctx := context.Background()

	reg := registry.New()
	reg.RegisterFactory("memory", memory.Factory)
	if _, err := reg.Deploy(ctx, 1, "memory", map[string]string{"name": "accounts", "model": "relational"}); err != nil {
		t.Fatalf("deploy: %v", err)
	}

	store := newMemStore()
	cat, err := catalog.New(ctx, store, reg)
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}
	entity := kernel.EntityInfo{
		ID:          1,
		Namespace:   1,
		Name:        "accounts",
		Model:       kernel.Relational,
		Kind:        kernel.EntityTable,
		Modifiable:  true,
		AdapterName: "memory",
		MVCCEnabled: true,
	}
	if err := cat.Define(ctx, entity); err != nil {
		t.Fatalf("define: %v", err)
	}

	seq := sequencer.New(0)
	locks := lock.NewManager()
	log := txnlog.NewMemoryLog()
	mgr := NewManager(seq, locks, log, cat, reg, nil, 0)
	return mgr, entity
}

func insertRow(t *testing.T, ctx context.Context, mgr *Manager, entity kernel.EntityInfo, fields map[string]any) kernel.Eid {
	t.Helper()
	tx, err := mgr.Begin(ctx, kernel.ForWriting)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	eid, err := mgr.NextEid(entity)
	if err != nil {
		t.Fatalf("next eid: %v", err)
	}
	row := adapter.Row{"_eid": eid, "_vid": kernel.StagedVid(tx.ID)}
	for k, v := range fields {
		row[k] = v
	}
	if err := tx.Modify(ctx, entity, adapter.ModifyOp{Kind: adapter.Insert, Rows: []adapter.Row{row}}); err != nil {
		t.Fatalf("modify: %v", err)
	}
	if err := mgr.Commit(ctx, tx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return eid
}

func scanAll(t *testing.T, ctx context.Context, mgr *Manager, entity kernel.EntityInfo) []adapter.Row {
	t.Helper()
	tx, err := mgr.Begin(ctx, kernel.ForReading)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	var rows []adapter.Row
	if err := tx.Scan(ctx, entity, func(r adapter.Row) error {
		rows = append(rows, r)
		return nil
	}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if err := mgr.Commit(ctx, tx); err != nil {
		t.Fatalf("commit read-only: %v", err)
	}
	return rows
}

func TestInsertIsVisibleToLaterTransactionAfterCommit(t *testing.T) {
	ctx := context.Background()
	mgr, entity := newHarness(t)

	insertRow(t, ctx, mgr, entity, map[string]any{"name": "alice", "balance": 100})

	rows := scanAll(t, ctx, mgr, entity)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0]["name"] != "alice" {
		t.Fatalf("unexpected row: %v", rows[0])
	}
	if v := kernel.Vid(toInt64(rows[0]["_vid"])); !v.IsCommitted() {
		t.Fatalf("expected a committed vid, got %d", v)
	}
}

func TestRollbackDiscardsInsert(t *testing.T) {
	ctx := context.Background()
	mgr, entity := newHarness(t)

	tx, err := mgr.Begin(ctx, kernel.ForWriting)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	eid, err := mgr.NextEid(entity)
	if err != nil {
		t.Fatalf("next eid: %v", err)
	}
	row := adapter.Row{"_eid": eid, "_vid": kernel.StagedVid(tx.ID), "name": "bob"}
	if err := tx.Modify(ctx, entity, adapter.ModifyOp{Kind: adapter.Insert, Rows: []adapter.Row{row}}); err != nil {
		t.Fatalf("modify: %v", err)
	}
	if err := mgr.Rollback(ctx, tx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	rows := scanAll(t, ctx, mgr, entity)
	if len(rows) != 0 {
		t.Fatalf("expected no rows after rollback, got %d", len(rows))
	}
}

func TestConcurrentUpdateOfSameRowConflicts(t *testing.T) {
	ctx := context.Background()
	mgr, entity := newHarness(t)

	eid := insertRow(t, ctx, mgr, entity, map[string]any{"name": "carol", "balance": 50})

	txA, err := mgr.Begin(ctx, kernel.ForWriting)
	if err != nil {
		t.Fatalf("begin A: %v", err)
	}
	txB, err := mgr.Begin(ctx, kernel.ForWriting)
	if err != nil {
		t.Fatalf("begin B: %v", err)
	}

	var observedVid kernel.Vid
	if err := txA.Scan(ctx, entity, func(r adapter.Row) error {
		if toInt64(r["_eid"]) == int64(eid) {
			observedVid = kernel.Vid(toInt64(r["_vid"]))
		}
		return nil
	}); err != nil {
		t.Fatalf("scan A: %v", err)
	}

	update := func(tx *Transaction, balance int) error {
		key := adapter.Row{"_eid": eid, "_vid": observedVid}
		newRow := adapter.Row{"_eid": eid, "_vid": kernel.StagedVid(tx.ID), "name": "carol", "balance": balance}
		return tx.Modify(ctx, entity, adapter.ModifyOp{Kind: adapter.Update, Keys: []adapter.Row{key}, Rows: []adapter.Row{newRow}})
	}

	if err := update(txA, 75); err != nil {
		t.Fatalf("modify A: %v", err)
	}
	if err := mgr.Commit(ctx, txA); err != nil {
		t.Fatalf("commit A: %v", err)
	}

	if err := update(txB, 90); err != nil {
		t.Fatalf("modify B: %v", err)
	}
	err = mgr.Commit(ctx, txB)
	if err == nil {
		t.Fatal("expected B's commit to fail with a write-write conflict")
	}
	kerr, ok := err.(*kernel.Error)
	if !ok || kerr.Code != kernel.Conflict {
		t.Fatalf("expected a Conflict error, got %v", err)
	}

	rows := scanAll(t, ctx, mgr, entity)
	if len(rows) != 1 || rows[0]["balance"] != 75 {
		t.Fatalf("expected A's committed write to survive, got %v", rows)
	}
}

func TestConstraintViolationAbortsCommit(t *testing.T) {
	ctx := context.Background()
	mgr, entity := newHarness(t)

	evaluator, err := rex.Compile(`row["balance"] < 0`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	mgr.RegisterConstraint(entity.ID, rex.Constraint{Name: "no-negative-balance", Query: evaluator, Violates: true})

	tx, err := mgr.Begin(ctx, kernel.ForWriting)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	eid, err := mgr.NextEid(entity)
	if err != nil {
		t.Fatalf("next eid: %v", err)
	}
	row := adapter.Row{"_eid": eid, "_vid": kernel.StagedVid(tx.ID), "name": "dave", "balance": -5}
	if err := tx.Modify(ctx, entity, adapter.ModifyOp{Kind: adapter.Insert, Rows: []adapter.Row{row}}); err != nil {
		t.Fatalf("modify: %v", err)
	}

	err = mgr.Commit(ctx, tx)
	if err == nil {
		t.Fatal("expected the negative-balance insert to violate the constraint")
	}
	kerr, ok := err.(*kernel.Error)
	if !ok || kerr.Code != kernel.ConstraintViolation {
		t.Fatalf("expected a ConstraintViolation error, got %v", err)
	}

	rows := scanAll(t, ctx, mgr, entity)
	if len(rows) != 0 {
		t.Fatalf("expected the violating insert not to be visible, got %v", rows)
	}
}

func TestCancelInterruptsWaitingTransaction(t *testing.T) {
	ctx := context.Background()
	mgr, entity := newHarness(t)

	holder, err := mgr.Begin(ctx, kernel.ForWriting)
	if err != nil {
		t.Fatalf("begin holder: %v", err)
	}
	eid, err := mgr.NextEid(entity)
	if err != nil {
		t.Fatalf("next eid: %v", err)
	}
	row := adapter.Row{"_eid": eid, "_vid": kernel.StagedVid(holder.ID), "name": "frank"}
	if err := holder.Modify(ctx, entity, adapter.ModifyOp{Kind: adapter.Insert, Rows: []adapter.Row{row}}); err != nil {
		t.Fatalf("modify: %v", err)
	}

	waiter, err := mgr.Begin(ctx, kernel.ForWriting)
	if err != nil {
		t.Fatalf("begin waiter: %v", err)
	}
	if waiter.Canceled() {
		t.Fatal("freshly begun transaction should not report canceled")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- waiter.Modify(ctx, entity, adapter.ModifyOp{Kind: adapter.Insert, Rows: []adapter.Row{
			{"_eid": eid + 1, "_vid": kernel.StagedVid(waiter.ID), "name": "gina"},
		}})
	}()

	time.Sleep(50 * time.Millisecond)
	waiter.Cancel()
	if !waiter.Canceled() {
		t.Fatal("expected Canceled to report true after Cancel")
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected the canceled waiter's Modify to fail")
		}
		kerr, ok := err.(*kernel.Error)
		if !ok || kerr.Code != kernel.Deadlock {
			t.Fatalf("expected a Deadlock-coded error from cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("canceled waiter was never interrupted")
	}

	if err := mgr.Rollback(ctx, holder); err != nil {
		t.Fatalf("rollback holder: %v", err)
	}
	if err := mgr.Rollback(ctx, waiter); err != nil {
		t.Fatalf("rollback waiter: %v", err)
	}
}

func TestSweepIdleRollsBackStaleTransactions(t *testing.T) {
	ctx := context.Background()
	mgr, entity := newHarness(t)
	mgr.maxTxnAge = time.Millisecond

	tx, err := mgr.Begin(ctx, kernel.ForWriting)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	eid, err := mgr.NextEid(entity)
	if err != nil {
		t.Fatalf("next eid: %v", err)
	}
	row := adapter.Row{"_eid": eid, "_vid": kernel.StagedVid(tx.ID), "name": "erin"}
	if err := tx.Modify(ctx, entity, adapter.ModifyOp{Kind: adapter.Insert, Rows: []adapter.Row{row}}); err != nil {
		t.Fatalf("modify: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	mgr.SweepIdle(ctx)

	rows := scanAll(t, ctx, mgr, entity)
	if len(rows) != 0 {
		t.Fatalf("expected the stale transaction to be rolled back, got %v", rows)
	}
}
