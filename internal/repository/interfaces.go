package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jwalitptl/syncqueue/internal/model"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate idempotency key")
	// ErrUnreadablePayload marks a stored payload that no longer opens or
	// decodes.
	ErrUnreadablePayload = errors.New("stored payload is unreadable")
)

// Meta keys shared by every store implementation.
const (
	DrainLockKey      = "drain:lock"
	SettledCounterKey = "counter:settled"
	SessionMarkerKey  = "session:marker"
)

// All repository interfaces in one file
type (
	// QueueRepository persists queue entries. Status transitions out of
	// pending (MarkSynced, MarkFailed) also advance the settled counter in
	// the same transaction.
	QueueRepository interface {
		Insert(ctx context.Context, entry *model.QueueEntry) error
		Get(ctx context.Context, key string) (*model.QueueEntry, error)
		// ListByStatus returns entries ordered by queuedAt, then key.
		// Pending entries whose payload is unreadable are moved to failed
		// and left out.
		ListByStatus(ctx context.Context, status model.EntryStatus) ([]*model.QueueEntry, error)
		CountByStatus(ctx context.Context) (model.QueueStatus, error)
		MarkSynced(ctx context.Context, key string, serverReceivedAt *time.Time, syncedAt time.Time) error
		MarkFailed(ctx context.Context, key string, entryErr *model.EntryError) error
		IncrementAttempts(ctx context.Context, key string) error
		// Requeue moves a failed entry back to pending and clears its error.
		Requeue(ctx context.Context, key string) error
		// DeleteFailed removes a single failed entry.
		DeleteFailed(ctx context.Context, key string) error
		DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error)
		SettledCount(ctx context.Context) (int64, error)
	}

	// DrainLocker provides the cross-process drain lock. Acquire succeeds
	// when the lock is free, stale, or already held by owner (a heartbeat).
	DrainLocker interface {
		Acquire(ctx context.Context, owner string, staleAfter time.Duration) (bool, error)
		Release(ctx context.Context, owner string) error
		Holder(ctx context.Context) (*model.DrainLock, error)
	}

	// MarkerStore persists non-secret boolean flags.
	MarkerStore interface {
		SetMarker(ctx context.Context, name string, on bool) error
		Marker(ctx context.Context, name string) (bool, error)
	}
)
