package lock

import "sync"

// Lockable is one node in the hierarchy described by spec component C4: an entity lockable's
// parent is its namespace lockable, so a writer on a single entity only ever needs a shared
// lock on the enclosing namespace, while an operation spanning the whole namespace (DDL,
// catalog restore) takes it exclusively.
type Lockable struct {
	name     string
	parent   *Lockable
	detector *Detector

	mu   sync.Mutex
	cond *sync.Cond

	mode   Mode
	owners map[int64]int // txn id -> reentrant acquisition count
	queue  []int64       // FIFO order of transactions waiting on this lockable
}

// NewLockable returns a root lockable (no parent) named name, reporting deadlocks to d.
func NewLockable(name string, d *Detector) *Lockable {
	l := &Lockable{name: name, detector: d, owners: make(map[int64]int)}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Child returns a new lockable named name, escalating through l on every acquisition.
func (l *Lockable) Child(name string) *Lockable {
	c := &Lockable{name: name, parent: l, detector: l.detector, owners: make(map[int64]int)}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// compatible reports whether mode can be granted to txnID given the lockable's current
// owners, ignoring the wait queue. Must be called with l.mu held.
func (l *Lockable) compatible(txnID int64, mode Mode) bool {
	if len(l.owners) == 0 {
		return true
	}
	if _, already := l.owners[txnID]; already && len(l.owners) == 1 {
		// Sole owner: shared->shared, exclusive->exclusive and shared->exclusive upgrades
		// are all free; only contention from other transactions blocks.
		return true
	}
	if mode == Shared && l.mode == Shared {
		// Requesting shared is only free against an all-shared owner set if txnID is not
		// trying to upgrade past concurrent shared holders.
		return true
	}
	return false
}

// atHeadOfQueue reports whether txnID is first in line (or the queue is empty), honoring
// fairness: a later arrival may not jump an earlier compatible-looking waiter.
func (l *Lockable) atHeadOfQueue(txnID int64) bool {
	if len(l.queue) == 0 {
		return true
	}
	return l.queue[0] == txnID
}

func (l *Lockable) enqueue(txnID int64) {
	for _, id := range l.queue {
		if id == txnID {
			return
		}
	}
	l.queue = append(l.queue, txnID)
}

func (l *Lockable) dequeue(txnID int64) {
	for i, id := range l.queue {
		if id == txnID {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return
		}
	}
}

func (l *Lockable) holders() []int64 {
	ids := make([]int64, 0, len(l.owners))
	for id := range l.owners {
		ids = append(ids, id)
	}
	return ids
}

// Acquire grants mode to txnID, escalating through parents first, blocking until the request
// can be satisfied in FIFO order, and aborting with kernel's Deadlock error code (surfaced by
// the caller) if the detector selects txnID as victim while it waits.
func (l *Lockable) Acquire(txnID int64, mode Mode) error {
	if l.parent != nil {
		if err := l.parent.Acquire(txnID, Shared); err != nil {
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if cnt, already := l.owners[txnID]; already && (mode == Shared || len(l.owners) == 1) {
		// Either txnID is already the sole owner (a shared->exclusive or exclusive->exclusive
		// upgrade is free), or it only wants shared again, which it already effectively holds
		// regardless of who else holds shared alongside it.
		if mode == Exclusive {
			l.mode = Exclusive
		}
		l.owners[txnID] = cnt + 1
		return nil
	}

	// priorCount survives an upgrade that has to wait below: txnID may already hold this
	// lockable (e.g. shared) while waiting to upgrade to exclusive against other owners, and
	// must not lose that reentrant count once the wait ends.
	priorCount := l.owners[txnID]

	enqueued := false
	for !(l.atHeadOfQueue(txnID) && l.compatible(txnID, mode)) {
		if l.detector.IsCanceled(txnID) {
			if enqueued {
				l.dequeue(txnID)
			}
			l.detector.ClearCanceled(txnID)
			return canceledErr(txnID)
		}
		if !enqueued {
			l.enqueue(txnID)
			enqueued = true
		}
		l.detector.RegisterWait(txnID, l.cond)
		if l.detector.AddAndResolve(txnID, l.holders(), l.name) {
			l.dequeue(txnID)
			l.detector.UnregisterWait(txnID)
			l.detector.ClearVictim(txnID)
			return deadlockErr(txnID)
		}
		l.cond.Wait()
		l.detector.UnregisterWait(txnID)
		if l.detector.IsVictim(txnID) {
			l.dequeue(txnID)
			l.detector.ClearVictim(txnID)
			return deadlockErr(txnID)
		}
		if l.detector.IsCanceled(txnID) {
			l.dequeue(txnID)
			l.detector.ClearCanceled(txnID)
			return canceledErr(txnID)
		}
	}

	if enqueued {
		l.dequeue(txnID)
	}
	l.owners[txnID] = priorCount + 1
	l.mode = mode
	l.detector.ForgetTransaction(txnID)
	return nil
}

// Release drops one level of txnID's reentrant hold, waking the next waiter once the
// lockable is free, then escalates the release to the parent.
func (l *Lockable) Release(txnID int64) {
	l.mu.Lock()
	if cnt, ok := l.owners[txnID]; ok {
		if cnt > 1 {
			l.owners[txnID] = cnt - 1
		} else {
			delete(l.owners, txnID)
		}
	}
	if len(l.owners) == 0 {
		l.mode = Shared
	}
	l.detector.ForgetLockable(l.name)
	l.cond.Broadcast()
	l.mu.Unlock()

	if l.parent != nil {
		l.parent.Release(txnID)
	}
}

// ReleaseAll drops every hold txnID has on this lockable, regardless of reentry depth, and
// escalates to the parent. Used on transaction rollback/commit to guarantee no hold survives.
func (l *Lockable) ReleaseAll(txnID int64) {
	l.mu.Lock()
	_, held := l.owners[txnID]
	delete(l.owners, txnID)
	if len(l.owners) == 0 {
		l.mode = Shared
	}
	l.detector.ForgetLockable(l.name)
	l.cond.Broadcast()
	l.mu.Unlock()

	if held && l.parent != nil {
		l.parent.ReleaseAll(txnID)
	}
}

func deadlockErr(txnID int64) error {
	return &DeadlockError{Victim: txnID}
}

// DeadlockError is returned by Acquire when the detector chose the calling transaction as
// the cycle-breaking victim.
type DeadlockError struct {
	Victim int64
}

func (e *DeadlockError) Error() string {
	return "lock: transaction selected as deadlock victim"
}

func canceledErr(txnID int64) error {
	return &CanceledError{Txn: txnID}
}

// CanceledError is returned by Acquire when a client-initiated cancel interrupted the wait.
type CanceledError struct {
	Txn int64
}

func (e *CanceledError) Error() string {
	return "lock: transaction canceled while waiting for lock"
}
