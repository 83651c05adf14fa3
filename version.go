package kernel

// Vid is a tuple version number. Positive values are committed, naming the commit instant at
// which the version became visible. Negative values -T stage the uncommitted writes of
// transaction id T. Zero is reserved and never assigned.
type Vid int64

// StagedVid returns the staged version marker for transaction id txnID.
func StagedVid(txnID int64) Vid {
	return Vid(-txnID)
}

// IsStaged reports whether v is an uncommitted staged version, and if so, the owning
// transaction id.
func (v Vid) IsStaged() (txnID int64, ok bool) {
	if v < 0 {
		return int64(-v), true
	}
	return 0, false
}

// IsCommitted reports whether v is a committed version (v > 0).
func (v Vid) IsCommitted() bool {
	return v > 0
}

// VisibleTo reports whether version v of a tuple is visible to a reader with the given
// transaction id and snapshot ticket. A committed version's value IS the commit instant
// (set in the same step that records it in the commit-instant log, C3), so visibility for
// the committed case is a direct comparison; a staged version is visible only to its own
// transaction.
func (v Vid) VisibleTo(readerTxnID int64, readerSnapshot int64) bool {
	if txnID, staged := v.IsStaged(); staged {
		return txnID == readerTxnID
	}
	return v.IsCommitted() && int64(v) <= readerSnapshot
}

// Eid is a stable tuple identifier, assigned once on insert and unchanged by updates.
type Eid int64
