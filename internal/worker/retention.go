package worker

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/jwalitptl/syncqueue/pkg/logger"
)

const DefaultRetentionSchedule = "@hourly"

// Cleaner removes synced entries past retention.
type Cleaner interface {
	CleanupSynced(ctx context.Context) (int64, error)
}

// RetentionWorker prunes synced entries on a cron schedule.
type RetentionWorker struct {
	cleaner  Cleaner
	schedule cron.Schedule
	spec     string
	logger   *logger.Logger
}

func NewRetentionWorker(cleaner Cleaner, spec string, log *logger.Logger) (*RetentionWorker, error) {
	if spec == "" {
		spec = DefaultRetentionSchedule
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", spec, err)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RetentionWorker{cleaner: cleaner, schedule: schedule, spec: spec, logger: log}, nil
}

// Start sweeps once and then on every scheduled tick until ctx is done.
func (w *RetentionWorker) Start(ctx context.Context) {
	w.Sweep(ctx)

	c := cron.New()
	c.Schedule(w.schedule, cron.FuncJob(func() { w.Sweep(ctx) }))
	c.Start()
	w.logger.Info("Starting retention worker", "schedule", w.spec)

	<-ctx.Done()
	<-c.Stop().Done()
	w.logger.Info("Shutting down retention worker")
}

func (w *RetentionWorker) Sweep(ctx context.Context) int64 {
	n, err := w.cleaner.CleanupSynced(ctx)
	if err != nil {
		w.logger.Error(err, "Error cleaning up synced entries")
		return 0
	}
	return n
}
