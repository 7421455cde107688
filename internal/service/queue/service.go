package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/syncqueue/internal/model"
	"github.com/jwalitptl/syncqueue/internal/repository"
	apperrors "github.com/jwalitptl/syncqueue/pkg/errors"
	"github.com/jwalitptl/syncqueue/pkg/logger"
	"github.com/jwalitptl/syncqueue/pkg/metrics"
)

const (
	DefaultRetention  = 7 * 24 * time.Hour
	DefaultStaleAfter = 30 * time.Second
)

// Service is the durable submission queue. Entries are written locally by
// Enqueue and delivered by Drain; only one Drain runs at a time across every
// process sharing the store.
type Service struct {
	repo       repository.QueueRepository
	locker     repository.DrainLocker
	owner      string
	retention  time.Duration
	staleAfter time.Duration
	online     func() bool
	now        func() time.Time
	logger     *logger.Logger
	metrics    *metrics.Metrics

	draining atomic.Bool

	mu              sync.Mutex
	lastQueuedAt    int64
	observedSettled int64
}

type Option func(*Service)

// WithOwner sets the identifier this process presents to the drain lock.
func WithOwner(owner string) Option {
	return func(s *Service) { s.owner = owner }
}

func WithRetention(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.retention = d
		}
	}
}

func WithStaleAfter(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithConnectivity makes Drain return immediately while online reports false.
func WithConnectivity(online func() bool) Option {
	return func(s *Service) { s.online = online }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(repo repository.QueueRepository, locker repository.DrainLocker, opts ...Option) *Service {
	s := &Service{
		repo:       repo,
		locker:     locker,
		owner:      uuid.NewString(),
		retention:  DefaultRetention,
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		logger:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("owner", s.owner)
	return s
}

func (s *Service) Owner() string {
	return s.owner
}

// nextQueuedAt returns a strictly increasing enqueue stamp even when the
// wall clock stalls or steps back.
func (s *Service) nextQueuedAt(now time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := now.UnixNano()
	if ts <= s.lastQueuedAt {
		ts = s.lastQueuedAt + 1
	}
	s.lastQueuedAt = ts
	return ts
}

// Enqueue writes payload as a new pending entry and returns its
// idempotency key. No network call is made; storage failures are returned.
func (s *Service) Enqueue(ctx context.Context, payload model.Payload) (string, error) {
	now := s.now().UTC()
	entry := &model.QueueEntry{
		IdempotencyKey:  uuid.NewString(),
		Payload:         payload,
		ClientCreatedAt: now,
		Status:          model.StatusPending,
		QueuedAt:        s.nextQueuedAt(now),
	}

	if err := s.repo.Insert(ctx, entry); err != nil {
		s.logger.Error(err, "failed to enqueue entry")
		return "", apperrors.Storage(err)
	}

	if s.metrics != nil {
		s.metrics.EntriesEnqueued.Inc()
	}
	s.logger.Debug("entry enqueued", "idempotency_key", entry.IdempotencyKey, "log_type", payload.LogType)
	return entry.IdempotencyKey, nil
}

// Status counts entries by status.
func (s *Service) Status(ctx context.Context) (model.QueueStatus, error) {
	st, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return model.QueueStatus{}, apperrors.Storage(err)
	}
	s.observe(st)
	return st, nil
}

func (s *Service) observe(st model.QueueStatus) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueueEntries.WithLabelValues(string(model.StatusPending)).Set(float64(st.Pending))
	s.metrics.QueueEntries.WithLabelValues(string(model.StatusFailed)).Set(float64(st.Failed))
	s.metrics.QueueEntries.WithLabelValues(string(model.StatusSynced)).Set(float64(st.Synced))
}

// CleanupSynced deletes synced entries older than the retention window.
// Pending and failed entries are never touched.
func (s *Service) CleanupSynced(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)
	n, err := s.repo.DeleteSyncedBefore(ctx, cutoff)
	if err != nil {
		return 0, apperrors.Storage(err)
	}
	if n > 0 {
		s.logger.Info("pruned synced entries", "count", n)
		if s.metrics != nil {
			s.metrics.EntriesRemoved.WithLabelValues("retention").Add(float64(n))
		}
	}
	return n, nil
}

// CheckEviction reports pending entries that disappeared without being
// delivered: the pending count fell below lastKnownPending while no entry
// left pending through the drain since the previous observation. It is a
// monitoring signal only.
func (s *Service) CheckEviction(ctx context.Context, lastKnownPending int) (model.EvictionReport, error) {
	st, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return model.EvictionReport{}, apperrors.Storage(err)
	}
	settled, err := s.repo.SettledCount(ctx)
	if err != nil {
		return model.EvictionReport{}, apperrors.Storage(err)
	}

	s.mu.Lock()
	settledSince := settled - s.observedSettled
	s.observedSettled = settled
	s.mu.Unlock()

	s.observe(st)

	report := model.EvictionReport{CurrentCount: st.Pending}
	if lastKnownPending > 0 && st.Pending < lastKnownPending && settledSince == 0 {
		report.EvictionDetected = true
		s.logger.Warn("pending entries vanished without delivery",
			"last_known", lastKnownPending,
			"current", st.Pending)
		if s.metrics != nil {
			s.metrics.EvictionsDetected.Inc()
		}
	}
	return report, nil
}

func (s *Service) Get(ctx context.Context, key string) (*model.QueueEntry, error) {
	entry, err := s.repo.Get(ctx, key)
	if err != nil {
		return nil, mapRepoError(err, "entry")
	}
	return entry, nil
}

// ListFailed returns the entries the backend permanently rejected.
func (s *Service) ListFailed(ctx context.Context) ([]*model.QueueEntry, error) {
	entries, err := s.repo.ListByStatus(ctx, model.StatusFailed)
	if err != nil {
		return nil, apperrors.Storage(err)
	}
	return entries, nil
}

// Retry puts a failed entry back in the pending queue. The attempt count
// is kept.
func (s *Service) Retry(ctx context.Context, key string) error {
	if err := s.repo.Requeue(ctx, key); err != nil {
		return mapRepoError(err, "failed entry")
	}
	s.logger.Info("failed entry requeued", "idempotency_key", key)
	return nil
}

// Acknowledge deletes a failed entry once a human has seen it.
func (s *Service) Acknowledge(ctx context.Context, key string) error {
	if err := s.repo.DeleteFailed(ctx, key); err != nil {
		return mapRepoError(err, "failed entry")
	}
	s.logger.Info("failed entry acknowledged", "idempotency_key", key)
	if s.metrics != nil {
		s.metrics.EntriesRemoved.WithLabelValues("acknowledged").Inc()
	}
	return nil
}

func mapRepoError(err error, resource string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperrors.NotFound(resource)
	}
	return apperrors.Storage(err)
}
