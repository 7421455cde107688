package sqlstore

import (
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/syncqueue/internal/repository"
	"github.com/jwalitptl/syncqueue/pkg/logger"
	"github.com/jwalitptl/syncqueue/pkg/security"
)

// Store keeps queue entries and metadata in two SQL tables. It implements
// the queue repository, the drain lock and the marker store.
type Store struct {
	BaseRepository
	enc    security.Encryptor
	now    func() time.Time
	logger *logger.Logger
}

type Option func(*Store)

// WithEncryptor seals payloads before they are written.
func WithEncryptor(enc security.Encryptor) Option {
	return func(s *Store) { s.enc = enc }
}

func WithLogger(log *logger.Logger) Option {
	return func(s *Store) { s.logger = log }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{BaseRepository: NewBaseRepository(db), now: time.Now, logger: logger.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	_ repository.QueueRepository = (*Store)(nil)
	_ repository.DrainLocker     = (*Store)(nil)
	_ repository.MarkerStore     = (*Store)(nil)
)
