package batch

import (
	"context"
	"fmt"
	"sync"

	"tshgo/internal/db"
	"tshgo/internal/engine"
)

// SweepResult is the outcome of ReclaimSweep: the number of chunks
// reclaimed per series, and the error of every series whose sweep
// failed. A failing series is recorded in Errors and does not stop the
// others; its error is not returned by ReclaimSweep itself.
type SweepResult struct {
	Reclaimed map[string]int
	Errors    map[string]error
}

// ReclaimSweep runs Engine.Reclaim for every name in names, each under
// its own transaction, concurrently up to pool's worker cap, and
// aggregates the results.
func ReclaimSweep(ctx context.Context, database *db.DB, eng *engine.Engine, pool *Pool, names []string) (SweepResult, error) {
	result := SweepResult{
		Reclaimed: make(map[string]int, len(names)),
		Errors:    make(map[string]error),
	}
	var mu sync.Mutex

	tasks := make([]func(ctx context.Context) error, len(names))
	for i, name := range names {
		name := name
		tasks[i] = func(taskCtx context.Context) error {
			var n int
			err := database.WithTx(taskCtx, func(txCtx context.Context, tx db.Tx) error {
				reclaimed, reclaimErr := eng.Reclaim(txCtx, tx, name)
				if reclaimErr != nil {
					return reclaimErr
				}
				n = reclaimed
				return nil
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[name] = fmt.Errorf("batch: reclaim %s: %w", name, err)
				return nil // one series' failure does not abort the sweep
			}
			result.Reclaimed[name] = n
			return nil
		}
	}

	if err := pool.Run(ctx, tasks); err != nil {
		return result, err
	}
	return result, nil
}
