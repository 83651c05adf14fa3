package lock

import "sync"

// Detector maintains the wait-for graph (spec component C5) shared across every Lockable in
// a Manager and resolves cycles by picking a victim transaction to abort.
type Detector struct {
	mu sync.Mutex
	// edges[waiter][holder] = lockable name the waiter is blocked on, for reporting.
	edges map[int64]map[int64]string
	// waiting holds, for every currently-blocked transaction, the condition variable its
	// acquire loop is parked on, so a cycle discovered by a different goroutine can wake it.
	waiting map[int64]*sync.Cond
	// victims marks transactions the detector has chosen to abort; cleared once consumed.
	victims map[int64]bool
	// canceled marks transactions a client asked to cancel while parked on a C4 wait;
	// cleared once the waiting acquire loop has observed and acted on it.
	canceled map[int64]bool
}

// NewDetector returns an empty Detector.
func NewDetector() *Detector {
	return &Detector{
		edges:    make(map[int64]map[int64]string),
		waiting:  make(map[int64]*sync.Cond),
		victims:  make(map[int64]bool),
		canceled: make(map[int64]bool),
	}
}

// Cancel marks txnID canceled and wakes its parked acquire loop, if any, so a client-initiated
// cancel interrupts an in-progress C4 wait instead of leaving it blocked until it is granted or
// chosen as a deadlock victim.
func (d *Detector) Cancel(txnID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.canceled[txnID] = true
	if cond, ok := d.waiting[txnID]; ok {
		cond.Broadcast()
	}
}

// IsCanceled reports whether txnID has a pending client-initiated cancel.
func (d *Detector) IsCanceled(txnID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.canceled[txnID]
}

// ClearCanceled drops txnID's cancel mark after its acquire loop has observed and acted on it.
func (d *Detector) ClearCanceled(txnID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.canceled, txnID)
}

// RegisterWait records that txnID is now parked on cond, so another goroutine's cycle
// resolution can wake it if it is chosen as victim.
func (d *Detector) RegisterWait(txnID int64, cond *sync.Cond) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.waiting[txnID] = cond
}

// UnregisterWait drops txnID's parked-condition entry once it stops waiting (granted,
// victim, or gave up).
func (d *Detector) UnregisterWait(txnID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.waiting, txnID)
}

// AddAndResolve adds a wait-for edge waiter->holder for each holder (annotated with
// lockableName for reporting), then searches for a cycle through waiter. If a cycle exists,
// it picks a victim by a total order (the youngest, i.e. numerically largest, transaction id
// in the cycle), marks it, and wakes its parked goroutine if it differs from waiter. It
// returns true iff this call's own waiter is the chosen victim.
func (d *Detector) AddAndResolve(waiter int64, holders []int64, lockableName string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.victims[waiter] {
		return true
	}

	if d.edges[waiter] == nil {
		d.edges[waiter] = make(map[int64]string)
	}
	for _, h := range holders {
		if h == waiter {
			continue
		}
		d.edges[waiter][h] = lockableName
	}

	cycle := d.findCycle(waiter)
	if cycle == nil {
		return false
	}

	victim := cycle[0]
	for _, id := range cycle[1:] {
		if id > victim {
			victim = id
		}
	}
	d.victims[victim] = true
	// No edge survives the transaction it references: drop the victim's outgoing edges so
	// the cycle cannot be rediscovered.
	delete(d.edges, victim)

	if victim != waiter {
		if cond, ok := d.waiting[victim]; ok {
			cond.Broadcast()
		}
	}
	return victim == waiter
}

// findCycle runs a depth-first search for a path start -> ... -> start. Must be called with
// d.mu held.
func (d *Detector) findCycle(start int64) []int64 {
	visited := make(map[int64]bool)
	var path []int64

	var dfs func(node int64) bool
	dfs = func(node int64) bool {
		path = append(path, node)
		if visited[node] {
			path = path[:len(path)-1]
			return false
		}
		visited[node] = true
		for next := range d.edges[node] {
			if next == start {
				return true
			}
			if dfs(next) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}

	if dfs(start) {
		return append(path, start)
	}
	return nil
}

// IsVictim reports whether txnID has been chosen as a deadlock victim.
func (d *Detector) IsVictim(txnID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.victims[txnID]
}

// ClearVictim drops txnID's victim mark after its acquire loop has observed and acted on it.
func (d *Detector) ClearVictim(txnID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.victims, txnID)
}

// ForgetTransaction removes every edge referencing txnID, as either waiter or holder. Called
// on release/acquire success and on rollback, per the invariant that no wait-for edge
// survives the transaction it references.
func (d *Detector) ForgetTransaction(txnID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.edges, txnID)
	for _, holders := range d.edges {
		delete(holders, txnID)
	}
	delete(d.victims, txnID)
	delete(d.canceled, txnID)
	delete(d.waiting, txnID)
}

// ForgetLockable removes every edge annotated with lockableName: "edges are removed on any
// acquire/release of the involved lockable."
func (d *Detector) ForgetLockable(lockableName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for waiter, holders := range d.edges {
		for holder, name := range holders {
			if name == lockableName {
				delete(holders, holder)
			}
		}
		if len(holders) == 0 {
			delete(d.edges, waiter)
		}
	}
}
