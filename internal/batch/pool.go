// Package batch provides a bounded worker pool for administrative sweeps
// over many series — reclaim, in particular — and a cron wrapper to run
// them on a schedule. It is never used on an insert/get hot path: those
// stay single-transaction and single-goroutine.
package batch

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Pool runs a bounded number of tasks concurrently, mirroring the
// teacher's errgroup-based BuildHelper fan-out adapted to a fixed
// concurrency cap rather than "one goroutine per indexer" (the original
// Python implementation's threadpool(maxthreads) imposed the same cap on
// a list of arbitrary jobs).
type Pool struct {
	maxWorkers int
}

// NewPool returns a Pool that runs at most maxWorkers tasks at once. A
// non-positive maxWorkers is treated as 1.
func NewPool(maxWorkers int) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &Pool{maxWorkers: maxWorkers}
}

// Run executes every task, waiting for all of them to finish. It returns
// the first error any task produced; the remaining in-flight tasks are
// still allowed to finish (errgroup only cancels ctx, it does not kill
// goroutines already running).
func (p *Pool) Run(ctx context.Context, tasks []func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxWorkers)
	for _, task := range tasks {
		g.Go(func() error {
			return task(gctx)
		})
	}
	return g.Wait()
}
