package txnlog

import (
	"context"
	"testing"
	"time"
)

func TestAppendAndClear(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()
	tid := l.NewTransactionID()

	if err := l.Append(ctx, tid, StepLocksAcquired, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Append(ctx, tid, StepPrepared, Encode(map[string]int{"a": 1})); err != nil {
		t.Fatalf("append: %v", err)
	}

	stranded, err := l.Stranded(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("stranded: %v", err)
	}
	entries, ok := stranded[tid]
	if !ok || len(entries) != 2 {
		t.Fatalf("expected 2 stranded entries, got %v", entries)
	}
	if entries[0].Step != StepLocksAcquired || entries[1].Step != StepPrepared {
		t.Fatalf("unexpected step ordering: %+v", entries)
	}
	got := Decode[map[string]int](entries[1].Payload)
	if got["a"] != 1 {
		t.Fatalf("expected decoded payload a=1, got %v", got)
	}

	if err := l.Clear(ctx, tid); err != nil {
		t.Fatalf("clear: %v", err)
	}
	stranded, err = l.Stranded(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("stranded after clear: %v", err)
	}
	if _, ok := stranded[tid]; ok {
		t.Fatal("expected no entries for tid after Clear")
	}
}

func TestStrandedExcludesRecentTransactions(t *testing.T) {
	l := NewMemoryLog()
	ctx := context.Background()
	tid := l.NewTransactionID()
	if err := l.Append(ctx, tid, StepLocksAcquired, nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	stranded, err := l.Stranded(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("stranded: %v", err)
	}
	if _, ok := stranded[tid]; ok {
		t.Fatal("a just-appended transaction should not be considered stranded")
	}
}
