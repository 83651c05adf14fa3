package txn

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/polyq/kernel"
	"github.com/polyq/kernel/adapter"
	"github.com/polyq/kernel/cache"
	"github.com/polyq/kernel/catalog"
	"github.com/polyq/kernel/identity"
	"github.com/polyq/kernel/lock"
	"github.com/polyq/kernel/registry"
	"github.com/polyq/kernel/rex"
	"github.com/polyq/kernel/sequencer"
	"github.com/polyq/kernel/txnlog"
)

// Manager drives the full lifecycle of every transaction: beginning, locking, staging,
// write-set validation, ON_COMMIT enforcement, two-phase commit across adapters, and the
// row-cache fan-out that follows a successful commit. This is spec component C6.
type Manager struct {
	seq              *sequencer.Sequencer
	locks            *lock.Manager
	log              txnlog.Log
	catalog          *catalog.Catalog
	adapters         *registry.Registry
	rowCache         *cache.RowCache
	maxTxnAge        time.Duration
	defaultNamespace kernel.NamespaceID

	mu          sync.Mutex
	active      map[int64]*Transaction
	mvcc        map[kernel.EntityID]*identity.MVCCState
	constraints map[kernel.EntityID][]rex.Constraint
}

// NewManager wires a Manager over its supporting components. maxTxnAge bounds how long a
// transaction may stay open before SweepIdle forcibly rolls it back; pass 0 to disable the
// sweep.
func NewManager(seq *sequencer.Sequencer, locks *lock.Manager, log txnlog.Log, cat *catalog.Catalog, adapters *registry.Registry, rowCache *cache.RowCache, maxTxnAge time.Duration) *Manager {
	return &Manager{
		seq:         seq,
		locks:       locks,
		log:         log,
		catalog:     cat,
		adapters:    adapters,
		rowCache:    rowCache,
		maxTxnAge:   maxTxnAge,
		active:      make(map[int64]*Transaction),
		mvcc:        make(map[kernel.EntityID]*identity.MVCCState),
		constraints: make(map[kernel.EntityID][]rex.Constraint),
	}
}

// SetDefaultNamespace sets the namespace new transactions start with when the caller does not
// otherwise qualify an entity reference, per spec §3's transaction data model. Safe to call
// any time; it only affects transactions begun afterward.
func (m *Manager) SetDefaultNamespace(ns kernel.NamespaceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultNamespace = ns
}

// ActiveTransactions returns the id and started-at millis of every transaction currently
// open, for the read-only monitoring surface.
func (m *Manager) ActiveTransactions() []ActiveTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ActiveTransaction, 0, len(m.active))
	for _, tx := range m.active {
		out = append(out, ActiveTransaction{ID: tx.ID, Mode: tx.Mode, Snapshot: tx.Snapshot, StartedAtMillis: tx.StartedAtMillis})
	}
	return out
}

// ActiveTransaction is a read-only snapshot of one in-flight transaction's identity.
type ActiveTransaction struct {
	ID              int64
	Mode            kernel.TransactionMode
	Snapshot        int64
	StartedAtMillis int64
}

// RegisterConstraint attaches an ON_COMMIT constraint to entityID, checked against every
// transaction that writes to it.
func (m *Manager) RegisterConstraint(entityID kernel.EntityID, c rex.Constraint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.constraints[entityID] = append(m.constraints[entityID], c)
}

// NextEid allocates a fresh tuple identifier for entity, for wiring into the MVCC rewrite
// pass's Context.NextEid hook.
func (m *Manager) NextEid(entity kernel.EntityInfo) (kernel.Eid, error) {
	ids := m.mvccState(entity.ID).Registry.Allocate(1)
	return ids[0], nil
}

func (m *Manager) mvccState(id kernel.EntityID) *identity.MVCCState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.mvcc[id]
	if !ok {
		s = identity.NewMVCCState(0)
		m.mvcc[id] = s
	}
	return s
}

func (m *Manager) adapterFor(entity kernel.EntityInfo) (adapter.Contract, error) {
	c, ok := m.adapters.Lookup(entity.Namespace, entity.AdapterName)
	if !ok {
		return nil, kernel.NewError(kernel.AdapterUnknown, fmt.Errorf("no adapter %q deployed in namespace %d", entity.AdapterName, entity.Namespace), entity.Name)
	}
	return c, nil
}

// Begin starts a new transaction in mode, drawing its id and snapshot from the sequencer: the
// snapshot is the last ticket issued before this transaction's own, so it observes every
// commit instant strictly smaller than its id.
func (m *Manager) Begin(ctx context.Context, mode kernel.TransactionMode) (*Transaction, error) {
	id := m.seq.Next()
	snapshot := id - 1
	logID := m.log.NewTransactionID()

	m.mu.Lock()
	defaultNS := m.defaultNamespace
	m.mu.Unlock()

	tx := newTransaction(id, mode, snapshot, logID, m, defaultNS)

	m.mu.Lock()
	m.active[id] = tx
	m.mu.Unlock()
	return tx, nil
}

// Commit validates, stages, and finalizes tx per the sequence: locks already acquired by
// Scan/Modify calls, write-set validation, ON_COMMIT constraint enforcement, two-phase
// prepare, commit-instant draw, two-phase commit, row-cache population, lock release.
func (m *Manager) Commit(ctx context.Context, tx *Transaction) error {
	defer m.finish(tx)

	if tx.readOnly() {
		return nil
	}

	if err := m.log.Append(ctx, tx.LogID, txnlog.StepLocksAcquired, txnlog.Encode(tx.ID)); err != nil {
		return err
	}

	if tx.Mode != kernel.NoCheck {
		if err := m.validateWriteSet(ctx, tx); err != nil {
			m.rollbackAdapters(ctx, tx, tx.snapshotAdapters())
			return err
		}
	}
	if err := m.log.Append(ctx, tx.LogID, txnlog.StepWriteSetValidated, nil); err != nil {
		return err
	}

	if err := m.checkConstraints(ctx, tx); err != nil {
		m.rollbackAdapters(ctx, tx, tx.snapshotAdapters())
		return err
	}
	if err := m.log.Append(ctx, tx.LogID, txnlog.StepConstraintsChecked, nil); err != nil {
		return err
	}

	adapters := tx.snapshotAdapters()
	prepared := make(map[string]adapter.Contract)
	for name, c := range adapters {
		tp, ok := c.(adapter.TwoPC)
		if !ok {
			continue
		}
		if err := tp.Prepare(ctx, tx.ID); err != nil {
			m.rollbackAdapters(ctx, tx, prepared)
			return kernel.NewError(kernel.PrepareFailed, err, name)
		}
		prepared[name] = c
	}
	if err := m.log.Append(ctx, tx.LogID, txnlog.StepPrepared, nil); err != nil {
		return err
	}

	commitInstant := m.seq.Next()
	if err := m.log.Append(ctx, tx.LogID, txnlog.StepCommitInstantDrawn, txnlog.Encode(commitInstant)); err != nil {
		return err
	}

	for _, c := range adapters {
		tp, ok := c.(adapter.TwoPC)
		if !ok {
			continue
		}
		if err := tp.Commit(ctx, tx.ID, commitInstant); err != nil {
			// A participant failing Commit after a successful Prepare is an invariant
			// violation the transaction cannot recover from; surface it as internal.
			return kernel.NewError(kernel.Internal, err, nil)
		}
	}
	for _, entity := range m.touchedEntityInfos(tx) {
		if !entity.MVCCEnabled {
			continue
		}
		state := m.mvccState(entity.ID)
		state.CommitLog.Record(tx.ID, commitInstant)
	}
	if err := m.log.Append(ctx, tx.LogID, txnlog.StepVersionsFlipped, nil); err != nil {
		return err
	}

	m.populateRowCache(ctx, tx)
	if err := m.log.Append(ctx, tx.LogID, txnlog.StepReplicated, nil); err != nil {
		return err
	}

	for _, entity := range m.touchedEntityInfos(tx) {
		if entity.MVCCEnabled {
			m.mvccState(entity.ID).CommitLog.Forget(tx.ID)
		}
	}
	return m.log.Append(ctx, tx.LogID, txnlog.StepFinalized, nil)
}

// Rollback discards everything tx staged and releases its locks, leaving the store exactly
// as it was before the transaction began.
func (m *Manager) Rollback(ctx context.Context, tx *Transaction) error {
	defer m.finish(tx)
	return m.rollbackAdapters(ctx, tx, tx.snapshotAdapters())
}

func (m *Manager) rollbackAdapters(ctx context.Context, tx *Transaction, adapters map[string]adapter.Contract) error {
	var firstErr error
	for _, c := range adapters {
		tp, ok := c.(adapter.TwoPC)
		if !ok {
			continue
		}
		if err := tp.Rollback(ctx, tx.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) finish(tx *Transaction) {
	m.locks.ReleaseTransaction(tx.ID)
	_ = m.log.Clear(context.Background(), tx.LogID)
	m.mu.Lock()
	delete(m.active, tx.ID)
	m.mu.Unlock()
	tx.mu.Lock()
	tx.done = true
	tx.mu.Unlock()
}

// validateWriteSet rejects tx if any tuple it wrote has a committed version newer than tx's
// snapshot that it did not itself observe: a concurrent writer beat it to the same row.
func (m *Manager) validateWriteSet(ctx context.Context, tx *Transaction) error {
	for _, w := range tx.snapshotWriteSet() {
		contract, err := m.adapterFor(w.entity)
		if err != nil {
			return err
		}
		var latest kernel.Vid
		var seen bool
		scanErr := contract.Scan(ctx, w.entity, adapter.ScanOptions{ReaderTxnID: tx.ID, Snapshot: math.MaxInt64}, func(row adapter.Row) error {
			if toInt64(row["_eid"]) != int64(w.eid) {
				return nil
			}
			v := kernel.Vid(toInt64(row["_vid"]))
			if !seen || v > latest {
				latest, seen = v, true
			}
			return nil
		})
		if scanErr != nil {
			return scanErr
		}
		if seen && latest.IsCommitted() && int64(latest) > tx.Snapshot && latest != w.observedVid {
			return kernel.NewError(kernel.Conflict, fmt.Errorf("entity %s: tuple %d was committed by another transaction after this transaction's snapshot", w.entity.Name, w.eid), w.eid)
		}
	}
	return nil
}

func (m *Manager) checkConstraints(ctx context.Context, tx *Transaction) error {
	for _, entityID := range tx.touchedEntityIDs() {
		m.mu.Lock()
		cs := append([]rex.Constraint(nil), m.constraints[entityID]...)
		m.mu.Unlock()
		if len(cs) == 0 {
			continue
		}
		rows := tx.snapshotPendingRows(entityID)
		reader := map[string]any{"txnID": tx.ID, "snapshot": tx.Snapshot}
		for _, c := range cs {
			violated, offending, err := c.Check(rows, reader)
			if err != nil {
				return err
			}
			if violated {
				return kernel.NewError(kernel.ConstraintViolation, fmt.Errorf("ON_COMMIT constraint %q violated", c.Name), offending)
			}
		}
	}
	return nil
}

func (m *Manager) touchedEntityInfos(tx *Transaction) []kernel.EntityInfo {
	snap := m.catalog.Current()
	var out []kernel.EntityInfo
	for _, id := range tx.touchedEntityIDs() {
		if e, ok := snap.Entity(id); ok {
			out = append(out, e)
		}
	}
	return out
}

// populateRowCache pushes every row this transaction just committed into the row cache,
// concurrently per entity, so the next reader does not need to round-trip the adapter.
// Best-effort: a cache-population failure never fails the commit that already succeeded.
func (m *Manager) populateRowCache(ctx context.Context, tx *Transaction) {
	if m.rowCache == nil {
		return
	}
	tr := kernel.NewTaskRunner(ctx, 0)
	for _, entityID := range tx.touchedEntityIDs() {
		entityID := entityID
		rows := tx.snapshotPendingRows(entityID)
		tr.Go(func() error {
			for _, row := range rows {
				eid := toInt64(row["_eid"])
				if eid == 0 {
					continue
				}
				m.rowCache.Put(ctx, cache.Key(int64(entityID), eid), row, 5*time.Minute)
			}
			return nil
		})
	}
	_ = tr.Wait()
}

// SweepIdle rolls back every active transaction that has been open longer than maxTxnAge,
// guarding against a client that began a transaction and never finished it.
func (m *Manager) SweepIdle(ctx context.Context) {
	if m.maxTxnAge <= 0 {
		return
	}
	cutoff := kernel.Now() - m.maxTxnAge.Milliseconds()
	m.mu.Lock()
	var stale []*Transaction
	for _, tx := range m.active {
		if tx.StartedAtMillis < cutoff {
			stale = append(stale, tx)
		}
	}
	m.mu.Unlock()

	for _, tx := range stale {
		_ = m.Rollback(ctx, tx)
	}
}

// RecoverStranded inspects the transaction log for commits that never reached
// txnlog.StepFinalized and rolls each one back at every deployed two-phase adapter, per the
// crash-recovery invariant in spec section 6. Rollback is idempotent for a transaction id an
// adapter never prepared, so it is safe to issue against every descriptor even though the log
// does not record which adapters a stranded transaction actually touched. olderThan bounds
// recovery to entries aged past any in-flight commit's maximum expected duration.
func (m *Manager) RecoverStranded(ctx context.Context, olderThan time.Duration) error {
	stranded, err := m.log.Stranded(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return err
	}
	for logID, entries := range stranded {
		finalized := false
		var txnID int64
		for _, e := range entries {
			if e.Step == txnlog.StepFinalized {
				finalized = true
			}
			if e.Step == txnlog.StepLocksAcquired {
				txnID = txnlog.Decode[int64](e.Payload)
			}
		}
		if !finalized && txnID != 0 {
			m.rollbackAllAdapters(ctx, txnID)
			m.locks.ReleaseTransaction(txnID)
		}
		_ = m.log.Clear(ctx, logID)
	}
	return nil
}

func (m *Manager) rollbackAllAdapters(ctx context.Context, txnID int64) {
	for _, entity := range m.catalog.Current().All() {
		contract, err := m.adapterFor(entity)
		if err != nil {
			continue
		}
		if tp, ok := contract.(adapter.TwoPC); ok {
			_ = tp.Rollback(ctx, txnID)
		}
	}
}
