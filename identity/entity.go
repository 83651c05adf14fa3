package identity

import "github.com/polyq/kernel"

// MVCCState bundles the single identifier registry and single commit-instant log an
// MVCC-enabled entity owns, per the data-model invariant in spec section 3.
type MVCCState struct {
	Registry   *Registry
	CommitLog  *CommitLog
}

// NewMVCCState returns a fresh MVCCState for an entity, resuming identifier allocation after
// highWaterMark.
func NewMVCCState(highWaterMark int64) *MVCCState {
	return &MVCCState{
		Registry:  NewRegistry(highWaterMark),
		CommitLog: NewCommitLog(),
	}
}

// Visible reports whether a tuple version v is observable by a transaction with the given id
// and snapshot, consulting this entity's commit log for the staged-but-not-yet-flipped case.
func (m *MVCCState) Visible(v kernel.Vid, readerTxnID int64, readerSnapshot int64) bool {
	if txnID, staged := v.IsStaged(); staged {
		if txnID == readerTxnID {
			return true
		}
		// Not yet flipped to its commit instant in the tuple itself; fall back to the
		// commit log in case the reader's snapshot already includes this transaction's commit.
		instant, ok := m.CommitLog.CommitInstant(txnID)
		return ok && instant <= readerSnapshot
	}
	return v.IsCommitted() && int64(v) <= readerSnapshot
}
