package worker

import (
	"context"
	"time"

	"github.com/jwalitptl/syncqueue/internal/model"
	"github.com/jwalitptl/syncqueue/pkg/logger"
)

// EvictionChecker compares the pending count against an earlier one.
type EvictionChecker interface {
	CheckEviction(ctx context.Context, lastKnownPending int) (model.EvictionReport, error)
}

// EvictionWatcher samples the pending count and warns when entries vanish
// without being delivered.
type EvictionWatcher struct {
	checker  EvictionChecker
	interval time.Duration
	logger   *logger.Logger
	onEvict  func(model.EvictionReport)

	lastKnown int
}

func NewEvictionWatcher(checker EvictionChecker, interval time.Duration, log *logger.Logger) *EvictionWatcher {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = logger.Nop()
	}
	return &EvictionWatcher{checker: checker, interval: interval, logger: log}
}

// OnEviction sets a callback for positive reports.
func (w *EvictionWatcher) OnEviction(fn func(model.EvictionReport)) {
	w.onEvict = fn
}

func (w *EvictionWatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check takes one sample. It is not safe for concurrent use.
func (w *EvictionWatcher) Check(ctx context.Context) model.EvictionReport {
	report, err := w.checker.CheckEviction(ctx, w.lastKnown)
	if err != nil {
		w.logger.Error(err, "Eviction check failed")
		return report
	}
	w.lastKnown = report.CurrentCount
	if report.EvictionDetected {
		w.logger.Warn("Queue entries evicted by storage", "current", report.CurrentCount)
		if w.onEvict != nil {
			w.onEvict(report)
		}
	}
	return report
}
