package priority

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// TaskPool runs a bounded number of callbacks concurrently and joins
// them, surfacing the first error. Used by batchexec to run per-game
// prepare callbacks concurrently. Grounded on golang.org/x/sync's
// errgroup (pack dep, lox-pokerforbots), the idiomatic bounded-fan-out
// primitive rather than a hand-rolled worker-goroutine pool.
type TaskPool struct {
	limit int
}

// NewTaskPool returns a pool that runs at most limit tasks at once.
// limit <= 0 means unbounded.
func NewTaskPool(limit int) *TaskPool { return &TaskPool{limit: limit} }

// Run executes each of tasks, bounded by the pool's concurrency limit,
// and returns the first non-nil error (if any), after every task has
// finished.
func (p *TaskPool) Run(ctx context.Context, tasks ...func(context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	if p.limit > 0 {
		g.SetLimit(p.limit)
	}
	for _, task := range tasks {
		task := task
		g.Go(func() error { return task(ctx) })
	}
	return g.Wait()
}
