package worker

import (
	"context"
	"sync"
	"time"

	"github.com/jwalitptl/syncqueue/internal/model"
	"github.com/jwalitptl/syncqueue/internal/service/queue"
	"github.com/jwalitptl/syncqueue/pkg/logger"
)

const DefaultPollInterval = 30 * time.Second

// Drainer is the queue side of a drain.
type Drainer interface {
	Drain(ctx context.Context, getToken queue.TokenFunc, send queue.SendFunc) (model.DrainResult, error)
}

// TokenSource hands out access tokens. session.Manager satisfies it.
type TokenSource interface {
	FreshToken(ctx context.Context) string
	Invalidate()
}

// Sender submits one entry. apiclient.Client satisfies it.
type Sender interface {
	SubmitLogEntry(ctx context.Context, token string, entry *model.QueueEntry) (*model.LogEntryReceipt, error)
}

type DrainWorkerConfig struct {
	PollInterval time.Duration
}

// DrainWorker runs drains on a poll interval and on demand. Triggers that
// arrive while a drain is running collapse into one follow-up run.
type DrainWorker struct {
	queue   Drainer
	tokens  TokenSource
	sender  Sender
	config  DrainWorkerConfig
	logger  *logger.Logger
	trigger chan struct{}

	mu   sync.Mutex
	last model.DrainResult
}

func NewDrainWorker(q Drainer, tokens TokenSource, sender Sender, config DrainWorkerConfig, log *logger.Logger) *DrainWorker {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if log == nil {
		log = logger.Nop()
	}
	return &DrainWorker{
		queue:   q,
		tokens:  tokens,
		sender:  sender,
		config:  config,
		logger:  log,
		trigger: make(chan struct{}, 1),
	}
}

// Trigger requests a drain without waiting for it.
func (w *DrainWorker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

func (w *DrainWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.logger.Info("Starting drain worker", "poll_interval", w.config.PollInterval.String())

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Shutting down drain worker")
			return
		case <-ticker.C:
		case <-w.trigger:
		}
		if _, err := w.DrainNow(ctx); err != nil {
			w.logger.Error(err, "Drain failed")
		}
	}
}

// DrainNow runs one drain and waits for it. A drain that ends in
// authRequired drops the cached token so the next run refreshes.
func (w *DrainWorker) DrainNow(ctx context.Context) (model.DrainResult, error) {
	result, err := w.queue.Drain(ctx, w.tokens.FreshToken, w.send)
	if result.AuthRequired {
		w.tokens.Invalidate()
	}

	w.mu.Lock()
	w.last = result
	w.mu.Unlock()
	return result, err
}

func (w *DrainWorker) send(ctx context.Context, entry *model.QueueEntry, token string) (*model.LogEntryReceipt, error) {
	return w.sender.SubmitLogEntry(ctx, token, entry)
}

// LastResult returns the outcome of the most recent drain.
func (w *DrainWorker) LastResult() model.DrainResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}
