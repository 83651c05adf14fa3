package memory

import (
	"context"
	"testing"

	"github.com/polyq/kernel"
	"github.com/polyq/kernel/adapter"
)

func TestInsertIsInvisibleUntilCommit(t *testing.T) {
	a := New("t", kernel.Relational)
	ctx := context.Background()
	entity := kernel.EntityInfo{Name: "orders", MVCCEnabled: true}

	staged := int64(kernel.StagedVid(5))
	row := adapter.Row{"_eid": int64(1), "_vid": staged, "amount": 42}
	if err := a.Modify(ctx, entity, adapter.ModifyOp{Kind: adapter.Insert, Rows: []adapter.Row{row}}); err != nil {
		t.Fatalf("modify: %v", err)
	}

	var seenByOther int
	a.Scan(ctx, entity, adapter.ScanOptions{ReaderTxnID: 99, Snapshot: 1000}, func(r adapter.Row) error {
		seenByOther++
		return nil
	})
	if seenByOther != 0 {
		t.Fatalf("expected committed-only visibility, got %d rows for an unrelated reader", seenByOther)
	}

	var seenByOwner int
	a.Scan(ctx, entity, adapter.ScanOptions{ReaderTxnID: 5, Snapshot: 0}, func(r adapter.Row) error {
		seenByOwner++
		return nil
	})
	if seenByOwner != 1 {
		t.Fatalf("expected the staging transaction to see its own write, got %d", seenByOwner)
	}

	if err := a.Prepare(ctx, 5); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := a.Commit(ctx, 5, 100); err != nil {
		t.Fatalf("commit: %v", err)
	}

	var seenAfterCommit int
	a.Scan(ctx, entity, adapter.ScanOptions{ReaderTxnID: 99, Snapshot: 1000}, func(r adapter.Row) error {
		seenAfterCommit++
		return nil
	})
	if seenAfterCommit != 1 {
		t.Fatalf("expected the committed row to become visible, got %d", seenAfterCommit)
	}
}

func TestRollbackDiscardsStagedInsert(t *testing.T) {
	a := New("t", kernel.Relational)
	ctx := context.Background()
	entity := kernel.EntityInfo{Name: "orders", MVCCEnabled: true}

	staged := int64(kernel.StagedVid(5))
	row := adapter.Row{"_eid": int64(1), "_vid": staged}
	if err := a.Modify(ctx, entity, adapter.ModifyOp{Kind: adapter.Insert, Rows: []adapter.Row{row}}); err != nil {
		t.Fatalf("modify: %v", err)
	}
	if err := a.Rollback(ctx, 5); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	var count int
	a.Scan(ctx, entity, adapter.ScanOptions{ReaderTxnID: 5, Snapshot: 0}, func(r adapter.Row) error {
		count++
		return nil
	})
	if count != 0 {
		t.Fatalf("expected rollback to discard the staged insert, got %d rows", count)
	}
}
