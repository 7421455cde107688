package queue

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jwalitptl/syncqueue/internal/model"
	"github.com/jwalitptl/syncqueue/internal/repository"
	apperrors "github.com/jwalitptl/syncqueue/pkg/errors"
)

// TokenFunc returns a current access token, or "" when there is none.
type TokenFunc func(ctx context.Context) string

// SendFunc delivers one entry to the backend. Errors are classified by
// their AppError code; anything else is treated as transient.
type SendFunc func(ctx context.Context, entry *model.QueueEntry, token string) (*model.LogEntryReceipt, error)

// Outcome is the classification of one delivery attempt.
type Outcome string

const (
	OutcomeSynced       Outcome = "synced"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeAuthRequired Outcome = "auth_required"
	OutcomeRejected     Outcome = "rejected"
	OutcomeTransient    Outcome = "transient"
)

// Classify maps the result of a SendFunc onto an outcome.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSynced
	}
	appErr, ok := apperrors.As(err)
	if !ok {
		return OutcomeTransient
	}
	switch appErr.Code {
	case apperrors.ErrConflict:
		return OutcomeDuplicate
	case apperrors.ErrSessionExpired:
		return OutcomeAuthRequired
	case apperrors.ErrValidation:
		return OutcomeRejected
	default:
		return OutcomeTransient
	}
}

// Drain delivers pending entries oldest first. It stops at the first entry
// that cannot reach a terminal status so later entries are never sent ahead
// of it. Delivery failures are reported in the result; only storage
// failures are returned as errors.
func (s *Service) Drain(ctx context.Context, getToken TokenFunc, send SendFunc) (model.DrainResult, error) {
	stopped := model.DrainResult{Stopped: true}

	if s.online != nil && !s.online() {
		s.recordRun("offline")
		return stopped, nil
	}

	if !s.draining.CompareAndSwap(false, true) {
		s.recordRun("busy")
		return stopped, nil
	}
	defer s.draining.Store(false)

	acquired, err := s.locker.Acquire(ctx, s.owner, s.staleAfter)
	if err != nil {
		s.recordRun("error")
		return stopped, apperrors.Storage(err)
	}
	if !acquired {
		s.logger.Debug("drain lock held elsewhere")
		if s.metrics != nil {
			s.metrics.LockContention.Inc()
		}
		s.recordRun("locked")
		return stopped, nil
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), s.owner); err != nil {
			s.logger.Error(err, "failed to release drain lock")
		}
	}()

	if s.metrics != nil {
		timer := prometheus.NewTimer(s.metrics.DrainDuration)
		defer timer.ObserveDuration()
	}

	entries, err := s.repo.ListByStatus(ctx, model.StatusPending)
	if err != nil {
		s.recordRun("error")
		return stopped, apperrors.Storage(err)
	}

	var result model.DrainResult
	for _, entry := range entries {
		if ctx.Err() != nil {
			result.Stopped = true
			break
		}

		token := getToken(ctx)
		if token == "" {
			result.AuthRequired = true
			result.Stopped = true
			break
		}

		stop, err := s.deliver(ctx, entry, token, send, &result)
		if err != nil {
			result.Stopped = true
			s.recordRun("error")
			return result, err
		}
		if stop {
			result.Stopped = true
			break
		}

		ok, err := s.locker.Acquire(ctx, s.owner, s.staleAfter)
		if err != nil || !ok {
			s.logger.Warn("drain lock lost, stopping", "error", err)
			result.Stopped = true
			break
		}
	}

	switch {
	case result.AuthRequired:
		s.recordRun("auth_required")
	case result.Stopped:
		s.recordRun("stopped")
	default:
		s.recordRun("completed")
	}

	s.logger.Info("drain finished",
		"synced", result.Synced,
		"failed", result.Failed,
		"stopped", result.Stopped,
		"auth_required", result.AuthRequired)
	return result, nil
}

// deliver sends one entry and applies the classified transition. It reports
// whether the loop must stop.
func (s *Service) deliver(ctx context.Context, entry *model.QueueEntry, token string, send SendFunc, result *model.DrainResult) (bool, error) {
	receipt, sendErr := send(ctx, entry, token)
	outcome := Classify(sendErr)
	if s.metrics != nil {
		s.metrics.DeliveryOutcomes.WithLabelValues(string(outcome)).Inc()
	}

	log := s.logger.With("idempotency_key", entry.IdempotencyKey)
	// the send already happened; record it even when ctx was cancelled
	// meanwhile
	bookCtx := context.WithoutCancel(ctx)

	var err error
	switch outcome {
	case OutcomeSynced, OutcomeDuplicate:
		var receivedAt *time.Time
		if receipt != nil && !receipt.ServerReceivedAt.IsZero() {
			t := receipt.ServerReceivedAt
			receivedAt = &t
		}
		err = s.repo.MarkSynced(bookCtx, entry.IdempotencyKey, receivedAt, s.now())
		if err == nil {
			result.Synced++
			log.Debug("entry synced", "outcome", outcome)
		}

	case OutcomeAuthRequired:
		result.AuthRequired = true
		log.Info("session expired during drain")
		return true, nil

	case OutcomeRejected:
		entryErr := &model.EntryError{Code: string(apperrors.ErrValidation), Message: sendErr.Error()}
		if appErr, ok := apperrors.As(sendErr); ok {
			entryErr.Message = appErr.Message
			entryErr.Field = appErr.Field
		}
		err = s.repo.MarkFailed(bookCtx, entry.IdempotencyKey, entryErr)
		if err == nil {
			result.Failed++
			log.Warn("entry rejected by backend", "field", entryErr.Field, "reason", entryErr.Message)
		}

	default:
		log.Info("transient delivery failure", "error", sendErr.Error(), "attempts", entry.Attempts+1)
		if err := s.repo.IncrementAttempts(bookCtx, entry.IdempotencyKey); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return true, apperrors.Storage(err)
		}
		return true, nil
	}

	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("entry left pending state during drain")
		return false, nil
	}
	if err != nil {
		return true, apperrors.Storage(err)
	}
	return false, nil
}

func (s *Service) recordRun(result string) {
	if s.metrics != nil {
		s.metrics.DrainRuns.WithLabelValues(result).Inc()
	}
}
