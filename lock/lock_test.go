package lock

import (
	"sync"
	"testing"
	"time"
)

// Deadlock liveness (testable property 7) and spec scenario S3: two transactions each hold
// what the other wants, in reverse order. Exactly one of them must be aborted as a deadlock
// victim, and the survivor must be able to complete.
func TestTwoPartyDeadlockResolvesWithOneVictim(t *testing.T) {
	d := NewDetector()
	a := NewLockable("A", d)
	b := NewLockable("B", d)

	const t1, t2 int64 = 1, 2

	if err := a.Acquire(t1, Exclusive); err != nil {
		t.Fatalf("t1 acquire A: %v", err)
	}
	if err := b.Acquire(t2, Exclusive); err != nil {
		t.Fatalf("t2 acquire B: %v", err)
	}

	// A real transaction manager rolls a victim back on DeadlockError, releasing every
	// lockable it held so the survivor can make progress; simulate that here.
	results := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		err := b.Acquire(t1, Exclusive)
		if err != nil {
			a.ReleaseAll(t1)
		}
		results <- err
	}()
	go func() {
		defer wg.Done()
		err := a.Acquire(t2, Exclusive)
		if err != nil {
			b.ReleaseAll(t2)
		}
		results <- err
	}()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("deadlock was never resolved")
	}
	close(results)

	var errCount int
	for err := range results {
		if err != nil {
			errCount++
			if _, ok := err.(*DeadlockError); !ok {
				t.Fatalf("expected *DeadlockError, got %T: %v", err, err)
			}
		}
	}
	if errCount != 1 {
		t.Fatalf("expected exactly one victim, got %d errors", errCount)
	}
}

// Lock fairness (testable property 6) and spec scenario S4: once a writer is queued behind
// the current shared readers, a later shared request must not cut in front of it.
func TestExclusiveWaiterIsNotStarvedByLaterSharedRequests(t *testing.T) {
	d := NewDetector()
	l := NewLockable("R", d)

	const reader1, writer, reader2 int64 = 1, 2, 3

	if err := l.Acquire(reader1, Shared); err != nil {
		t.Fatalf("reader1 acquire: %v", err)
	}

	writerGranted := make(chan struct{})
	go func() {
		if err := l.Acquire(writer, Exclusive); err != nil {
			t.Errorf("writer acquire: %v", err)
		}
		close(writerGranted)
	}()

	// Give the writer time to enqueue behind reader1 before reader2 shows up.
	time.Sleep(50 * time.Millisecond)

	reader2Granted := make(chan struct{})
	go func() {
		if err := l.Acquire(reader2, Shared); err != nil {
			t.Errorf("reader2 acquire: %v", err)
		}
		close(reader2Granted)
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-reader2Granted:
		t.Fatal("reader2 was granted ahead of the queued writer")
	default:
	}

	l.Release(reader1)

	select {
	case <-writerGranted:
	case <-time.After(2 * time.Second):
		t.Fatal("writer was never granted its exclusive lock")
	}

	l.Release(writer)

	select {
	case <-reader2Granted:
	case <-time.After(2 * time.Second):
		t.Fatal("reader2 was never granted after the writer released")
	}
}

func TestReentrantAcquireAndUpgrade(t *testing.T) {
	d := NewDetector()
	l := NewLockable("X", d)
	const t1 int64 = 1

	if err := l.Acquire(t1, Shared); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := l.Acquire(t1, Shared); err != nil {
		t.Fatalf("reentrant shared acquire: %v", err)
	}
	if err := l.Acquire(t1, Exclusive); err != nil {
		t.Fatalf("upgrade to exclusive: %v", err)
	}
	if l.mode != Exclusive {
		t.Fatal("expected lockable to report exclusive mode after upgrade")
	}
}

// An upgrade request must wait for every other concurrent shared holder, not just skip the
// wait because the requester itself already holds shared.
func TestUpgradeWaitsForOtherConcurrentSharedHolders(t *testing.T) {
	d := NewDetector()
	l := NewLockable("Y", d)
	const t1, t2 int64 = 1, 2

	if err := l.Acquire(t1, Shared); err != nil {
		t.Fatalf("t1 acquire shared: %v", err)
	}
	if err := l.Acquire(t2, Shared); err != nil {
		t.Fatalf("t2 acquire shared: %v", err)
	}

	upgradeGranted := make(chan struct{})
	go func() {
		if err := l.Acquire(t1, Exclusive); err != nil {
			t.Errorf("t1 upgrade to exclusive: %v", err)
		}
		close(upgradeGranted)
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-upgradeGranted:
		t.Fatal("upgrade granted exclusive while t2 still held shared")
	default:
	}
	if l.mode == Exclusive {
		t.Fatal("lockable reports exclusive while t2 still holds shared")
	}

	l.Release(t2)

	select {
	case <-upgradeGranted:
	case <-time.After(2 * time.Second):
		t.Fatal("upgrade never granted after the other shared holder released")
	}
	if l.mode != Exclusive {
		t.Fatal("expected lockable to report exclusive mode after upgrade")
	}

	// The upgrade must have preserved t1's original shared acquisition as a reentrant count,
	// so releasing once must not free the lockable out from under an in-flight owner.
	l.Release(t1)
	if _, held := l.owners[t1]; !held {
		t.Fatal("expected t1 to still hold one reentrant count after a single release")
	}
}

func TestNamespaceEscalationBlocksExclusiveNamespaceLock(t *testing.T) {
	d := NewDetector()
	ns := NewLockable("ns", d)
	ent := ns.Child("ns/e1")

	const writer, ddl int64 = 1, 2

	if err := ent.Acquire(writer, Exclusive); err != nil {
		t.Fatalf("writer acquire entity: %v", err)
	}

	nsGranted := make(chan struct{})
	go func() {
		if err := ns.Acquire(ddl, Exclusive); err != nil {
			t.Errorf("ddl acquire namespace: %v", err)
		}
		close(nsGranted)
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-nsGranted:
		t.Fatal("namespace exclusive lock granted while an entity under it is held")
	default:
	}

	ent.ReleaseAll(writer)

	select {
	case <-nsGranted:
	case <-time.After(2 * time.Second):
		t.Fatal("namespace exclusive lock never granted after entity release")
	}
}
