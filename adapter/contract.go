// Package adapter declares the contract every backing store (relational, document, or graph)
// must implement to be driven by the kernel's transaction manager and physical plan executor
// (spec component C10).
package adapter

import (
	"context"

	"github.com/polyq/kernel"
)

// Row is one tuple, keyed by field name, crossing the adapter boundary. Relational rows carry
// flat scalar columns; document rows may nest maps/slices; graph rows represent either a
// vertex or an edge's property bag, disambiguated by EntityInfo.Kind at the call site.
type Row map[string]any

// Descriptor is what an adapter reports about itself to the catalog and to the monitoring
// surface: its name, the data model(s) it can serve, and whether it participates in 2PC.
type Descriptor struct {
	Name           string
	Models         []kernel.DataModel
	SupportsTwoPC  bool
	SupportsMVCC   bool
}

// ScanOptions narrows a Scan call: a snapshot-filtered read passes ReaderTxnID/Snapshot so an
// MVCC-enabled adapter can apply visibility itself instead of returning every version.
type ScanOptions struct {
	ReaderTxnID int64
	Snapshot    int64
	// Filter is an adapter-native predicate already pushed down by the planner; nil means
	// a full scan.
	Filter any
}

// Contract is the minimum surface a backing store exposes. Concrete adapters may implement
// richer capability interfaces (below) that the planner probes for via type assertion.
type Contract interface {
	Descriptor() Descriptor

	// Scan streams rows of entity back through the visit callback. Returning an error from
	// visit stops the scan early and is propagated to the caller.
	Scan(ctx context.Context, entity kernel.EntityInfo, opts ScanOptions, visit func(Row) error) error

	// Modify applies a staged write: insert, update, or delete, keyed by the operation's own
	// semantics. MVCC-enabled adapters receive rows already stamped with _eid/_vid by the
	// rewrite pass; non-MVCC adapters receive plain rows.
	Modify(ctx context.Context, entity kernel.EntityInfo, op ModifyOp) error

	// Refresh reconciles the adapter's cached view of entity (e.g. after a DDL change made
	// outside the current process) before it is next scanned or modified.
	Refresh(ctx context.Context, entity kernel.EntityInfo) error
}

// ModifyKind discriminates the three mutation shapes a Modify call may carry.
type ModifyKind int

const (
	Insert ModifyKind = iota
	Update
	Delete
)

// ModifyOp is one staged mutation against a single entity.
type ModifyOp struct {
	Kind ModifyKind
	// Rows are the new values for Insert/Update, or the full rows to key off of for Delete
	// when the adapter has no other index available.
	Rows []Row
	// Keys are the entity-identifying values (primary key, document id, vertex/edge id) for
	// Update/Delete. For an MVCC-enabled relational entity, this is the _eid.
	Keys []Row
}

// TwoPC is implemented by adapters that participate in the transaction manager's two-phase
// commit protocol (spec component C6 step "prepare/commit/rollback across adapters").
// Adapters backing a single, adapter-local durable store (e.g. an in-memory map used only in
// tests) may skip this and let Modify apply immediately; Descriptor.SupportsTwoPC tells the
// transaction manager which is which.
type TwoPC interface {
	// Prepare durably stages every ModifyOp submitted against entities of this adapter
	// during the transaction, without yet making them visible to other readers. An error
	// here aborts the whole transaction.
	Prepare(ctx context.Context, txnID int64) error
	// Commit makes a successfully prepared transaction's changes visible at commitInstant.
	// Must not fail for a transaction that returned nil from Prepare.
	Commit(ctx context.Context, txnID int64, commitInstant int64) error
	// Rollback discards everything staged by txnID, prepared or not.
	Rollback(ctx context.Context, txnID int64) error
}

// RelationalScanDelegate is implemented by relational adapters that can push filter and
// projection down into their own query layer (e.g. translate an algebra Filter/Project pair
// into a SQL WHERE/SELECT list) rather than have the kernel apply them row by row after a
// full scan.
type RelationalScanDelegate interface {
	// CanPushDown reports whether this adapter can evaluate expr natively.
	CanPushDown(expr any) bool
	// ScanWithPushdown behaves like Contract.Scan but evaluates expr (a Filter predicate)
	// and projection (nil means all columns) inside the adapter.
	ScanWithPushdown(ctx context.Context, entity kernel.EntityInfo, opts ScanOptions, expr any, projection []string, visit func(Row) error) error
}

// Factory builds a Contract from a namespace-scoped configuration blob, keyed by adapter
// name and the data model it is being instantiated for. Used by the adapter registry (spec
// component C11) to restore a catalog's configured adapters on startup.
type Factory func(ctx context.Context, config map[string]string) (Contract, error)
