package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jwalitptl/syncqueue/internal/model"
	"github.com/jwalitptl/syncqueue/internal/repository"
)

// Acquire takes the drain lock in one statement: the row is inserted when
// absent and overwritten only when it belongs to owner or is older than
// staleAfter. The read of the current holder and the write of the new one
// cannot interleave with another process.
func (s *Store) Acquire(ctx context.Context, owner string, staleAfter time.Duration) (bool, error) {
	now := s.now()
	query := `
		INSERT INTO queue_meta (meta_key, owner, acquired_at, value)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (meta_key) DO UPDATE
		SET owner = excluded.owner, acquired_at = excluded.acquired_at
		WHERE queue_meta.owner IS NULL
			OR queue_meta.owner = excluded.owner
			OR queue_meta.acquired_at < $4
	`
	result, err := s.db.ExecContext(ctx, query,
		repository.DrainLockKey,
		owner,
		now.UnixNano(),
		now.Add(-staleAfter).UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to acquire drain lock: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acquire drain lock: %w", err)
	}
	return n == 1, nil
}

// Release drops the lock if owner still holds it.
func (s *Store) Release(ctx context.Context, owner string) error {
	query := `DELETE FROM queue_meta WHERE meta_key = $1 AND owner = $2`
	if _, err := s.db.ExecContext(ctx, query, repository.DrainLockKey, owner); err != nil {
		return fmt.Errorf("failed to release drain lock: %w", err)
	}
	return nil
}

func (s *Store) Holder(ctx context.Context) (*model.DrainLock, error) {
	var row struct {
		Owner      sql.NullString `db:"owner"`
		AcquiredAt sql.NullInt64  `db:"acquired_at"`
	}
	query := `SELECT owner, acquired_at FROM queue_meta WHERE meta_key = $1`
	err := s.db.GetContext(ctx, &row, query, repository.DrainLockKey)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !row.Owner.Valid) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read drain lock: %w", err)
	}
	return &model.DrainLock{
		Owner:     row.Owner.String,
		Timestamp: time.Unix(0, row.AcquiredAt.Int64).UTC(),
	}, nil
}
