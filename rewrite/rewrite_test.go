package rewrite

import (
	"testing"

	"github.com/polyq/kernel"
	"github.com/polyq/kernel/algebra"
)

func mvccContext(txn, snapshot int64) Context {
	return Context{
		MVCCNamespaces: map[kernel.NamespaceID]bool{1: true},
		ReaderTxnID:    txn,
		ReaderSnapshot: snapshot,
		NextEid: func(kernel.EntityInfo) (kernel.Eid, error) {
			return kernel.Eid(1), nil
		},
	}
}

func relationalEntity() kernel.EntityInfo {
	return kernel.EntityInfo{Name: "orders", Namespace: 1, Model: kernel.Relational, MVCCEnabled: true}
}

func TestScanOfMVCCEntityGetsSnapshotFilter(t *testing.T) {
	scan := &algebra.Node{Kind: algebra.OpScan, Model: kernel.Relational, Entity: relationalEntity()}
	out, err := Rewrite(scan, mvccContext(5, 100))
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if out.Kind != algebra.OpIdentifier {
		t.Fatalf("expected scan to be wrapped in an OpIdentifier node, got %s", out.Kind)
	}
	if out.Predicate == nil {
		t.Fatal("expected a snapshot visibility predicate to be attached")
	}
}

func TestScanOfNonMVCCEntityIsUnchanged(t *testing.T) {
	entity := kernel.EntityInfo{Name: "logs", Namespace: 2, Model: kernel.Relational, MVCCEnabled: false}
	scan := &algebra.Node{Kind: algebra.OpScan, Model: kernel.Relational, Entity: entity}
	out, err := Rewrite(scan, mvccContext(5, 100))
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if out.Kind != algebra.OpScan {
		t.Fatalf("expected scan to pass through unchanged, got %s", out.Kind)
	}
}

func TestInsertIsStampedWithIdentifierAndStagedVersion(t *testing.T) {
	insert := &algebra.Node{
		Kind: algebra.OpModify, Model: kernel.Relational, Entity: relationalEntity(),
		ModifyKind: "insert",
		Rows:       []map[string]any{{"amount": 10}},
	}
	out, err := Rewrite(insert, mvccContext(7, 100))
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	row := out.Rows[0]
	if row["_eid"] == nil {
		t.Fatal("expected _eid to be stamped")
	}
	vid := kernel.Vid(row["_vid"].(int64))
	txn, staged := vid.IsStaged()
	if !staged || txn != 7 {
		t.Fatalf("expected staged vid for txn 7, got %v", vid)
	}
}

func TestInsertRejectsCallerSuppliedReservedFields(t *testing.T) {
	insert := &algebra.Node{
		Kind: algebra.OpModify, Model: kernel.Relational, Entity: relationalEntity(),
		ModifyKind: "insert",
		Rows:       []map[string]any{{"_eid": int64(99)}},
	}
	_, err := Rewrite(insert, mvccContext(7, 100))
	kerr, ok := err.(*kernel.Error)
	if !ok || kerr.Code != kernel.IllegalField {
		t.Fatalf("expected IllegalField error, got %v", err)
	}
}

func TestUpdateIsRewrittenToStagedDeleteInsert(t *testing.T) {
	update := &algebra.Node{
		Kind: algebra.OpModify, Model: kernel.Relational, Entity: relationalEntity(),
		ModifyKind: "update",
		Keys:       []map[string]any{{"_eid": int64(3)}},
		Rows:       []map[string]any{{"amount": 20}},
	}
	out, err := Rewrite(update, mvccContext(7, 100))
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	oldVid := kernel.Vid(out.Keys[0]["_vid"].(int64))
	if txn, staged := oldVid.IsStaged(); !staged || txn != 7 {
		t.Fatalf("expected old key's _vid staged by txn 7, got %v", oldVid)
	}
	newVid := kernel.Vid(out.Rows[0]["_vid"].(int64))
	if txn, staged := newVid.IsStaged(); !staged || txn != 7 {
		t.Fatalf("expected new row's _vid staged by txn 7, got %v", newVid)
	}
}
