package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Driver string
	DSN    string
}

// NewDB opens and pings the configured database. SQLite connections are
// limited to one per process; writers in other processes wait on the busy
// timeout instead of failing.
func NewDB(cfg Config) (*sqlx.DB, error) {
	dsn := cfg.DSN
	switch cfg.Driver {
	case DriverSQLite, "":
		dsn = sqliteDSN(dsn)
		db, err := sqlx.Connect(DriverSQLite, dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		db.SetMaxOpenConns(1)
		return db, nil
	case DriverPostgres:
		db, err := sqlx.Connect(DriverPostgres, dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS queue_entries (
		idempotency_key    TEXT PRIMARY KEY,
		payload            TEXT NOT NULL,
		client_created_at  BIGINT NOT NULL,
		server_received_at BIGINT,
		status             TEXT NOT NULL,
		attempts           INTEGER NOT NULL DEFAULT 0,
		error_code         TEXT,
		error_message      TEXT,
		error_field        TEXT,
		synced_at          BIGINT,
		queued_at          BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_entries_status_queued
		ON queue_entries (status, queued_at)`,
	`CREATE TABLE IF NOT EXISTS queue_meta (
		meta_key    TEXT PRIMARY KEY,
		owner       TEXT,
		acquired_at BIGINT,
		value       BIGINT NOT NULL DEFAULT 0
	)`,
}

// Migrate creates the tables when they do not exist.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
