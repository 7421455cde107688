package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/syncqueue/internal/model"
	"github.com/jwalitptl/syncqueue/internal/repository"
	apperrors "github.com/jwalitptl/syncqueue/pkg/errors"
)

const entryColumns = `idempotency_key, payload, client_created_at, server_received_at, status,
	attempts, error_code, error_message, error_field, synced_at, queued_at`

type entryRow struct {
	IdempotencyKey   string         `db:"idempotency_key"`
	Payload          string         `db:"payload"`
	ClientCreatedAt  int64          `db:"client_created_at"`
	ServerReceivedAt sql.NullInt64  `db:"server_received_at"`
	Status           string         `db:"status"`
	Attempts         int            `db:"attempts"`
	ErrorCode        sql.NullString `db:"error_code"`
	ErrorMessage     sql.NullString `db:"error_message"`
	ErrorField       sql.NullString `db:"error_field"`
	SyncedAt         sql.NullInt64  `db:"synced_at"`
	QueuedAt         int64          `db:"queued_at"`
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func timeParam(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

// toModel converts a row. When the payload cannot be opened or decoded the
// entry is still returned, with an empty payload and an error wrapping
// repository.ErrUnreadablePayload.
func (s *Store) toModel(row *entryRow) (*model.QueueEntry, error) {
	entry := &model.QueueEntry{
		IdempotencyKey:   row.IdempotencyKey,
		ClientCreatedAt:  time.Unix(0, row.ClientCreatedAt).UTC(),
		ServerReceivedAt: nullTime(row.ServerReceivedAt),
		Status:           model.EntryStatus(row.Status),
		Attempts:         row.Attempts,
		SyncedAt:         nullTime(row.SyncedAt),
		QueuedAt:         row.QueuedAt,
	}
	if row.ErrorCode.Valid {
		entry.Error = &model.EntryError{
			Code:    row.ErrorCode.String,
			Message: row.ErrorMessage.String,
			Field:   row.ErrorField.String,
		}
	}

	raw := []byte(row.Payload)
	if s.enc != nil {
		opened, err := s.enc.Open(row.Payload)
		if err != nil {
			return entry, fmt.Errorf("%w: open %s: %v", repository.ErrUnreadablePayload, row.IdempotencyKey, err)
		}
		raw = opened
	}
	var p model.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return entry, fmt.Errorf("%w: decode %s: %v", repository.ErrUnreadablePayload, row.IdempotencyKey, err)
	}
	entry.Payload = p
	return entry, nil
}

func (s *Store) encodePayload(p model.Payload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	if s.enc == nil {
		return string(raw), nil
	}
	return s.enc.Seal(raw)
}

func (s *Store) Insert(ctx context.Context, entry *model.QueueEntry) error {
	if entry == nil {
		return fmt.Errorf("entry cannot be nil")
	}

	payload, err := s.encodePayload(entry.Payload)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO queue_entries (` + entryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (idempotency_key) DO NOTHING
	`
	var code, msg, field sql.NullString
	if entry.Error != nil {
		code = sql.NullString{String: entry.Error.Code, Valid: true}
		msg = sql.NullString{String: entry.Error.Message, Valid: true}
		field = sql.NullString{String: entry.Error.Field, Valid: entry.Error.Field != ""}
	}

	result, err := s.db.ExecContext(ctx, query,
		entry.IdempotencyKey,
		payload,
		entry.ClientCreatedAt.UnixNano(),
		timeParam(entry.ServerReceivedAt),
		string(entry.Status),
		entry.Attempts,
		code,
		msg,
		field,
		timeParam(entry.SyncedAt),
		entry.QueuedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert queue entry: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert queue entry: %w", err)
	}
	if n == 0 {
		return repository.ErrDuplicate
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (*model.QueueEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM queue_entries WHERE idempotency_key = $1`

	var row entryRow
	if err := s.db.GetContext(ctx, &row, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get queue entry: %w", err)
	}
	entry, err := s.toModel(&row)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Store) ListByStatus(ctx context.Context, status model.EntryStatus) ([]*model.QueueEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM queue_entries
		WHERE status = $1
		ORDER BY queued_at ASC, idempotency_key ASC
	`

	var rows []entryRow
	if err := s.db.SelectContext(ctx, &rows, query, string(status)); err != nil {
		return nil, fmt.Errorf("failed to list %s entries: %w", status, err)
	}

	entries := make([]*model.QueueEntry, 0, len(rows))
	for i := range rows {
		entry, err := s.toModel(&rows[i])
		if err == nil {
			entries = append(entries, entry)
			continue
		}

		s.logger.Warn("unreadable queue entry", "idempotency_key", entry.IdempotencyKey, "error", err)
		if status != model.StatusPending {
			if entry.Error == nil {
				entry.Error = unreadableError()
			}
			entries = append(entries, entry)
			continue
		}
		if err := s.MarkFailed(ctx, entry.IdempotencyKey, unreadableError()); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}
	return entries, nil
}

func unreadableError() *model.EntryError {
	return &model.EntryError{
		Code:    string(apperrors.ErrStorage),
		Message: repository.ErrUnreadablePayload.Error(),
	}
}

func (s *Store) CountByStatus(ctx context.Context) (model.QueueStatus, error) {
	query := `SELECT status, COUNT(*) AS n FROM queue_entries GROUP BY status`

	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return model.QueueStatus{}, fmt.Errorf("failed to count entries: %w", err)
	}

	var st model.QueueStatus
	for _, r := range rows {
		switch model.EntryStatus(r.Status) {
		case model.StatusPending:
			st.Pending = r.N
		case model.StatusFailed:
			st.Failed = r.N
		case model.StatusSynced:
			st.Synced = r.N
		}
		st.Total += r.N
	}
	return st, nil
}

// bumpSettled advances the settled counter inside tx.
func bumpSettled(ctx context.Context, tx *sqlx.Tx) error {
	query := `
		INSERT INTO queue_meta (meta_key, value) VALUES ($1, 1)
		ON CONFLICT (meta_key) DO UPDATE SET value = queue_meta.value + 1
	`
	_, err := tx.ExecContext(ctx, query, repository.SettledCounterKey)
	return err
}

// settle applies an UPDATE that moves one pending entry to a terminal
// status and advances the settled counter atomically.
func (s *Store) settle(ctx context.Context, query string, args ...interface{}) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return repository.ErrNotFound
		}
		return bumpSettled(ctx, tx)
	})
}

func (s *Store) MarkSynced(ctx context.Context, key string, serverReceivedAt *time.Time, syncedAt time.Time) error {
	query := `
		UPDATE queue_entries
		SET status = 'synced',
			server_received_at = $1,
			synced_at = $2,
			error_code = NULL,
			error_message = NULL,
			error_field = NULL
		WHERE idempotency_key = $3 AND status = 'pending'
	`
	if err := s.settle(ctx, query, timeParam(serverReceivedAt), syncedAt.UnixNano(), key); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to mark %s synced: %w", key, err)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, key string, entryErr *model.EntryError) error {
	if entryErr == nil {
		entryErr = &model.EntryError{Code: "VALIDATION_ERROR"}
	}
	query := `
		UPDATE queue_entries
		SET status = 'failed',
			error_code = $1,
			error_message = $2,
			error_field = $3
		WHERE idempotency_key = $4 AND status = 'pending'
	`
	field := sql.NullString{String: entryErr.Field, Valid: entryErr.Field != ""}
	if err := s.settle(ctx, query, entryErr.Code, entryErr.Message, field, key); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return err
		}
		return fmt.Errorf("failed to mark %s failed: %w", key, err)
	}
	return nil
}

func (s *Store) IncrementAttempts(ctx context.Context, key string) error {
	query := `UPDATE queue_entries SET attempts = attempts + 1 WHERE idempotency_key = $1`
	return s.execOne(ctx, "increment attempts of", key, query, key)
}

func (s *Store) Requeue(ctx context.Context, key string) error {
	query := `
		UPDATE queue_entries
		SET status = 'pending', error_code = NULL, error_message = NULL, error_field = NULL
		WHERE idempotency_key = $1 AND status = 'failed'
	`
	return s.execOne(ctx, "requeue", key, query, key)
}

func (s *Store) DeleteFailed(ctx context.Context, key string) error {
	query := `DELETE FROM queue_entries WHERE idempotency_key = $1 AND status = 'failed'`
	return s.execOne(ctx, "delete", key, query, key)
}

// execOne runs a statement expected to touch exactly one row.
func (s *Store) execOne(ctx context.Context, op, key, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", op, key, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", op, key, err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM queue_entries
		WHERE status = 'synced'
		AND synced_at < $1
	`
	result, err := s.db.ExecContext(ctx, query, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete synced entries: %w", err)
	}

	return result.RowsAffected()
}

func (s *Store) SettledCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `SELECT value FROM queue_meta WHERE meta_key = $1`, repository.SettledCounterKey)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read settled counter: %w", err)
	}
	return n, nil
}
