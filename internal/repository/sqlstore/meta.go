package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SetMarker stores a boolean flag. Clearing it removes the row.
func (s *Store) SetMarker(ctx context.Context, name string, on bool) error {
	var err error
	if on {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO queue_meta (meta_key, value) VALUES ($1, 1)
			ON CONFLICT (meta_key) DO UPDATE SET value = 1
		`, name)
	} else {
		_, err = s.db.ExecContext(ctx, `DELETE FROM queue_meta WHERE meta_key = $1`, name)
	}
	if err != nil {
		return fmt.Errorf("failed to set marker %s: %w", name, err)
	}
	return nil
}

func (s *Store) Marker(ctx context.Context, name string) (bool, error) {
	var v int64
	err := s.db.GetContext(ctx, &v, `SELECT value FROM queue_meta WHERE meta_key = $1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read marker %s: %w", name, err)
	}
	return v == 1, nil
}
