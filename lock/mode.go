// Package lock implements the hierarchical lock manager (spec component C4) and its
// wait-for deadlock detector (spec component C5): shared/exclusive locking per entity and
// namespace, reentrant acquisition, shared-to-exclusive upgrade, parent escalation, a fair
// FIFO wait queue, and cycle-breaking deadlock resolution.
package lock

// Mode is a lockable's acquisition mode.
type Mode int

const (
	// Shared allows any number of owning transactions to hold the lockable concurrently.
	Shared Mode = iota
	// Exclusive allows exactly one owning transaction (itself reentrant) to hold the lockable.
	Exclusive
)

func (m Mode) String() string {
	if m == Exclusive {
		return "EXCLUSIVE"
	}
	return "SHARED"
}
