package kernel

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// TaskRunner is a thin wrapper over errgroup that tucks in a derived context, used by the
// Transaction Manager to populate the row cache for every committed write concurrently and
// wait for all of them before releasing locks.
type TaskRunner struct {
	eg      *errgroup.Group
	context context.Context
}

// NewTaskRunner builds a TaskRunner. maxThreadCount limits concurrent goroutines; -1 or 0
// means no limit.
func NewTaskRunner(ctx context.Context, maxThreadCount int) *TaskRunner {
	eg, ctx2 := errgroup.WithContext(ctx)
	if maxThreadCount > 0 {
		eg.SetLimit(maxThreadCount)
	}
	return &TaskRunner{eg: eg, context: ctx2}
}

// GetContext returns the runner's derived context, canceled as soon as any task errors.
func (tr *TaskRunner) GetContext() context.Context {
	return tr.context
}

// Go spins up a task.
func (tr *TaskRunner) Go(task func() error) {
	tr.eg.Go(task)
}

// Wait blocks until all tasks complete, returning the first error if any.
func (tr *TaskRunner) Wait() error {
	return tr.eg.Wait()
}
