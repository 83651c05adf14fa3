// Package rewrite implements the MVCC rewrite pass (spec component C8): a bottom-up visitor
// over an algebra.Node tree that injects the identifier/version machinery an MVCC-enabled
// entity needs, ahead of physical planning.
package rewrite

import (
	"fmt"

	"github.com/polyq/kernel"
	"github.com/polyq/kernel/algebra"
)

// reserved fields no caller-supplied row may set directly; the rewrite pass is the only
// place allowed to populate them.
const (
	eidField = "_eid"
	vidField = "_vid"
)

// Context carries the per-transaction state the rewrite pass needs: which namespaces run
// under MVCC, and the reader's own identity for snapshot-filter injection.
type Context struct {
	MVCCNamespaces map[kernel.NamespaceID]bool
	ReaderTxnID    int64
	ReaderSnapshot int64
	// NextEid allocates a fresh identifier for a staged insert. Bound to the identity
	// registry of the entity's namespace by the caller.
	NextEid func(entity kernel.EntityInfo) (kernel.Eid, error)
}

func (c Context) isMVCC(entity kernel.EntityInfo) bool {
	if !entity.MVCCEnabled {
		return false
	}
	return c.MVCCNamespaces == nil || c.MVCCNamespaces[entity.Namespace]
}

// result is the bottom-up accumulator: the possibly-replaced node, plus whether the subtree
// already references the reserved identifier/version columns (so a parent operator knows not
// to re-inject them) and whether it contains a pending modification that still needs the
// version-stamping wrapper applied by an ancestor Modify.
type result struct {
	node                  *algebra.Node
	containsIdentifierKey bool
	pendingModification   bool
}

// Rewrite walks n bottom-up and returns the tree with MVCC machinery injected for every MVCC
// entity, whatever its data model: an OpIdentifier snapshot filter wrapped around each scan,
// and identifier/version stamping on each insert and delete. Updates get staged version
// markers only for relational entities; a document or graph update is left unstamped and only
// passes the reserved-key guard. Non-MVCC entities pass through unchanged except for the
// reserved-key guard.
func Rewrite(n *algebra.Node, ctx Context) (*algebra.Node, error) {
	r, err := rewrite(n, ctx)
	if err != nil {
		return nil, err
	}
	if r.pendingModification {
		return nil, kernel.NewError(kernel.Internal, fmt.Errorf("rewrite: modification left unstamped at tree root"), nil)
	}
	return r.node, nil
}

func rewrite(n *algebra.Node, ctx Context) (result, error) {
	if n == nil {
		return result{}, nil
	}

	children := make([]*algebra.Node, len(n.Inputs))
	var childContainsKey, childPending bool
	for i, in := range n.Inputs {
		cr, err := rewrite(in, ctx)
		if err != nil {
			return result{}, err
		}
		children[i] = cr.node
		childContainsKey = childContainsKey || cr.containsIdentifierKey
		childPending = childPending || cr.pendingModification
	}
	out := n.Copy()
	out.Inputs = children

	switch n.Kind {
	case algebra.OpScan:
		return rewriteScan(out, ctx)
	case algebra.OpModify:
		return rewriteModify(out, ctx, childPending)
	case algebra.OpValues, algebra.OpProject, algebra.OpFilter:
		if err := rejectReservedKeys(out, ctx); err != nil {
			return result{}, err
		}
		return result{node: out, containsIdentifierKey: childContainsKey, pendingModification: childPending}, nil
	default:
		return result{node: out, containsIdentifierKey: childContainsKey, pendingModification: childPending}, nil
	}
}

func rewriteScan(n *algebra.Node, ctx Context) (result, error) {
	if !ctx.isMVCC(n.Entity) {
		return result{node: n}, nil
	}
	filtered := &algebra.Node{
		Kind:      algebra.OpIdentifier,
		Model:     n.Model,
		Entity:    n.Entity,
		Inputs:    []*algebra.Node{n},
		Predicate: snapshotPredicate(ctx),
	}
	return result{node: filtered, containsIdentifierKey: true}, nil
}

// snapshotPredicate builds the visibility expression the OpIdentifier node carries: a reader
// sees a row if its _vid is a positive instant at or before the snapshot, or is staged by the
// reader's own transaction.
func snapshotPredicate(ctx Context) algebra.Expr {
	return algebra.RawExpr(fmt.Sprintf(
		"(%s > 0 && %s <= %d) || %s == -%d",
		vidField, vidField, ctx.ReaderSnapshot, vidField, ctx.ReaderTxnID,
	))
}

func rewriteModify(n *algebra.Node, ctx Context, childPending bool) (result, error) {
	if !ctx.isMVCC(n.Entity) {
		if err := rejectReservedKeys(n, ctx); err != nil {
			return result{}, err
		}
		return result{node: n, pendingModification: childPending}, nil
	}

	switch n.ModifyKind {
	case "insert":
		if err := stampInsert(n, ctx); err != nil {
			return result{}, err
		}
	case "update":
		// A relational UPDATE stays a single update node: its keys (the old version) and its
		// rows (the new version) are marked with this transaction's staged _vid, and each new
		// row takes its key's _eid. No separate delete or insert node is produced.
		if n.Model == kernel.Relational {
			rewriteUpdateToDeleteInsert(n, ctx)
		} else if err := rejectReservedKeys(n, ctx); err != nil {
			return result{}, err
		}
	case "delete":
		stampDelete(n, ctx)
	}

	return result{node: n, containsIdentifierKey: true, pendingModification: false}, nil
}

func rejectReservedKeys(n *algebra.Node, ctx Context) error {
	if n.Entity.Model == kernel.Relational && n.Entity.MVCCEnabled {
		return nil
	}
	for _, col := range n.Columns {
		if col == eidField || col == vidField {
			return kernel.NewError(kernel.IllegalField, fmt.Errorf("reserved field %q may not be referenced directly", col), col)
		}
	}
	for _, row := range n.Rows {
		if err := rejectReservedRowKeys(row); err != nil {
			return err
		}
	}
	return nil
}

func rejectReservedRowKeys(row map[string]any) error {
	if _, ok := row[eidField]; ok {
		return kernel.NewError(kernel.IllegalField, fmt.Errorf("reserved field %q may not be set by the caller", eidField), eidField)
	}
	if _, ok := row[vidField]; ok {
		return kernel.NewError(kernel.IllegalField, fmt.Errorf("reserved field %q may not be set by the caller", vidField), vidField)
	}
	return nil
}

func stampInsert(n *algebra.Node, ctx Context) error {
	staged := kernel.StagedVid(ctx.ReaderTxnID)
	for i := range n.Rows {
		if err := rejectReservedRowKeys(n.Rows[i]); err != nil {
			return err
		}
		eid, err := ctx.NextEid(n.Entity)
		if err != nil {
			return err
		}
		n.Rows[i][eidField] = int64(eid)
		n.Rows[i][vidField] = int64(staged)
	}
	return nil
}

func stampDelete(n *algebra.Node, ctx Context) {
	// A delete under MVCC is itself a staged write: the row's current version is logically
	// superseded by a tombstone version visible only to this transaction until commit flips
	// it to a committed instant, identical to an update's "old" half.
	staged := int64(kernel.StagedVid(ctx.ReaderTxnID))
	for i := range n.Keys {
		n.Keys[i][vidField] = staged
	}
}

func rewriteUpdateToDeleteInsert(n *algebra.Node, ctx Context) {
	staged := int64(kernel.StagedVid(ctx.ReaderTxnID))
	n.ModifyKind = "update"
	for i := range n.Keys {
		n.Keys[i][vidField] = staged
	}
	for i := range n.Rows {
		// The new version keeps the same _eid (stable across versions) but is staged
		// under a fresh version marker; the transaction manager allocates its permanent
		// commit instant at commit time.
		if eid, ok := n.Keys[i][eidField]; ok {
			n.Rows[i][eidField] = eid
		}
		n.Rows[i][vidField] = staged
	}
}
