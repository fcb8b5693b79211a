package batch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-co-op/gocron/v2"

	"tshgo/internal/db"
	"tshgo/internal/engine"
)

// Scheduler runs the reclaim sweep on a cron schedule, following the
// teacher orchestrator's pattern of a single gocron.Scheduler shared by
// the process rather than one ticker per job.
type Scheduler struct {
	cron   gocron.Scheduler
	logger *slog.Logger
}

// NewScheduler creates and starts a Scheduler.
func NewScheduler(logger *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("batch: create scheduler: %w", err)
	}
	s.Start()
	return &Scheduler{cron: s, logger: logger}, nil
}

// ScheduleReclaimSweep registers a recurring reclaim sweep over every
// registered series at the given cron expression, using pool to bound
// concurrency across series.
func (s *Scheduler) ScheduleReclaimSweep(cronExpr string, database *db.DB, eng *engine.Engine, pool *Pool) error {
	_, err := s.cron.NewJob(
		gocron.CronJob(cronExpr, false),
		gocron.NewTask(func() {
			s.runReclaimSweep(database, eng, pool)
		}),
		gocron.WithName("reclaim-sweep"),
	)
	if err != nil {
		return fmt.Errorf("batch: schedule reclaim sweep: %w", err)
	}
	return nil
}

func (s *Scheduler) runReclaimSweep(database *db.DB, eng *engine.Engine, pool *Pool) {
	ctx := context.Background()
	var names []string
	err := database.WithTx(ctx, func(txCtx context.Context, tx db.Tx) error {
		var listErr error
		names, listErr = eng.ListSeries(txCtx, tx)
		return listErr
	})
	if err != nil {
		s.logger.Error("reclaim sweep: list series failed", "error", err)
		return
	}

	result, err := ReclaimSweep(ctx, database, eng, pool, names)
	if err != nil {
		s.logger.Error("reclaim sweep: pool run failed", "error", err)
	}
	for name, n := range result.Reclaimed {
		s.logger.Info("reclaim sweep", "series", name, "chunks_reclaimed", n)
	}
	for name, sweepErr := range result.Errors {
		s.logger.Warn("reclaim sweep: series failed", "series", name, "error", sweepErr)
	}
}

// Stop shuts the scheduler down, waiting for any running job to finish.
func (s *Scheduler) Stop() error {
	return s.cron.Shutdown()
}
