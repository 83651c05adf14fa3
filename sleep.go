package kernel

import (
	"context"
	"errors"
	log "log/slog"
	"math/rand"
	"time"

	"github.com/sethvargo/go-retry"
)

// Now returns the current time in milliseconds since epoch. It is a var so tests can
// substitute a deterministic clock.
var Now = func() int64 {
	return time.Now().UnixMilli()
}

// RandomSleep pauses the calling goroutine for a short, jittered duration (5-24ms), so that
// callers retrying in a loop do not retry in lockstep. No package in this module calls it.
// Honors ctx cancellation.
func RandomSleep(ctx context.Context) {
	d := time.Duration(5+rand.Intn(20)) * time.Millisecond
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Retry executes task with Fibonacci backoff up to 5 retries. Used around adapter connection
// establishment (cluster sessions, bucket clients), where the failure is a transient dial/DNS/
// throttling error rather than a defect in the call itself. gaveUpTask, if non-nil, runs once
// retries are exhausted, before the final error is returned.
func Retry(ctx context.Context, task func(ctx context.Context) error, gaveUpTask func(ctx context.Context)) error {
	b := retry.NewFibonacci(1 * time.Second)
	if err := retry.Do(ctx, retry.WithMaxRetries(5, b), task); err != nil {
		log.Warn(err.Error() + ", gave up")
		if gaveUpTask != nil {
			gaveUpTask(ctx)
		}
		return err
	}
	return nil
}

// ShouldRetry reports whether err looks like a transient condition worth retrying, as opposed
// to a permanent failure (bad config, cancellation, auth) that a retry loop cannot fix.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
