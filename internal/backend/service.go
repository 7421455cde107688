package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/syncqueue/internal/model"
	apperrors "github.com/jwalitptl/syncqueue/pkg/errors"
	"github.com/jwalitptl/syncqueue/pkg/logger"
	"github.com/jwalitptl/syncqueue/pkg/security"
)

var ErrInvalidToken = errors.New("invalid token")

type account struct {
	user model.User
	hash string
}

// Service is the reference backend: credential login with cookie-backed
// sessions, short-lived JWT access tokens and idempotent record intake.
type Service struct {
	secret     []byte
	tokenTTL   time.Duration
	sessionTTL time.Duration
	quota      int
	hasher     security.SecretHasher
	accounts   map[string]*account
	sessions   *cache.Cache
	usage      *cache.Cache
	now        func() time.Time
	logger     *logger.Logger

	mu       sync.Mutex
	received map[string]*model.LogEntryReceipt
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(cfg Config, accounts []Account, opts ...Option) (*Service, error) {
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	if cfg.QuotaWindow <= 0 {
		cfg.QuotaWindow = time.Hour
	}

	s := &Service{
		secret:     []byte(cfg.JWTSecret),
		tokenTTL:   cfg.TokenTTL,
		sessionTTL: cfg.SessionTTL,
		quota:      cfg.Quota,
		hasher:     security.NewBcryptHasher(cfg.BcryptCost),
		accounts:   make(map[string]*account, len(accounts)),
		sessions:   cache.New(cfg.SessionTTL, time.Minute),
		usage:      cache.New(cfg.QuotaWindow, time.Minute),
		now:        time.Now,
		logger:     logger.Nop(),
		received:   make(map[string]*model.LogEntryReceipt),
	}
	if s.tokenTTL <= 0 {
		s.tokenTTL = 15 * time.Minute
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, a := range accounts {
		hash, err := s.hasher.Hash(a.Secret)
		if err != nil {
			return nil, fmt.Errorf("failed to hash secret of %s: %w", a.ID, err)
		}
		s.accounts[a.ID] = &account{
			user: model.User{ID: a.ID, Name: a.Name, Role: a.Role, LocationID: a.LocationID},
			hash: hash,
		}
	}
	return s, nil
}

// Login checks credentials and opens a session. The returned session id is
// meant for an httpOnly cookie and never for the response body.
func (s *Service) Login(ctx context.Context, identifier, secret string) (*model.AuthSession, string, error) {
	acct, ok := s.accounts[identifier]
	if !ok || s.hasher.Compare(acct.hash, secret) != nil {
		return nil, "", apperrors.New(apperrors.ErrInvalidCredentials, "invalid credentials")
	}

	sess, err := s.issue(acct)
	if err != nil {
		return nil, "", err
	}

	sid := uuid.NewString()
	s.sessions.Set(sid, acct.user.ID, s.sessionTTL)
	s.logger.Info("session opened", "user_id", acct.user.ID)
	return sess, sid, nil
}

// Refresh mints a new access token for an open session.
func (s *Service) Refresh(sid string) (*model.AuthSession, error) {
	if sid == "" {
		return nil, apperrors.SessionExpired("no session")
	}
	userID, ok := s.sessions.Get(sid)
	if !ok {
		return nil, apperrors.SessionExpired("session expired")
	}
	acct, ok := s.accounts[userID.(string)]
	if !ok {
		s.sessions.Delete(sid)
		return nil, apperrors.SessionExpired("session expired")
	}
	return s.issue(acct)
}

func (s *Service) Logout(sid string) {
	if sid != "" {
		s.sessions.Delete(sid)
	}
}

func (s *Service) issue(acct *account) (*model.AuthSession, error) {
	now := s.now()
	claims := model.TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   acct.user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
		Role:       acct.user.Role,
		LocationID: acct.user.LocationID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, apperrors.Internal(fmt.Errorf("failed to sign token: %w", err))
	}
	return &model.AuthSession{AccessToken: token, User: acct.user}, nil
}

func (s *Service) VerifyToken(token string) (*model.TokenClaims, error) {
	claims := &model.TokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// SubmitLogEntry stores a record once per idempotency key. A repeated key
// answers CONFLICT without consuming quota.
func (s *Service) SubmitLogEntry(ctx context.Context, userID string, req *model.LogEntryRequest) (*model.LogEntryReceipt, error) {
	acct, ok := s.accounts[userID]
	if !ok {
		return nil, apperrors.SessionExpired("unknown user")
	}
	if acct.user.LocationID != "" && req.LocationID != acct.user.LocationID {
		return nil, apperrors.Validation("locationId", "location does not match the signed-in user")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, dup := s.received[req.IdempotencyKey]; dup {
		return nil, apperrors.Conflict(fmt.Sprintf("entry already received at %s", prior.ServerReceivedAt.Format(time.RFC3339)))
	}

	if err := s.consumeQuota(userID); err != nil {
		return nil, err
	}

	receipt := &model.LogEntryReceipt{ID: uuid.NewString(), ServerReceivedAt: s.now().UTC()}
	s.received[req.IdempotencyKey] = receipt
	s.logger.Debug("log entry received", "idempotency_key", req.IdempotencyKey, "user_id", userID)
	return receipt, nil
}

func (s *Service) consumeQuota(userID string) error {
	if s.quota <= 0 {
		return nil
	}
	_ = s.usage.Add(userID, 0, cache.DefaultExpiration)
	used, err := s.usage.IncrementInt(userID, 1)
	if err != nil {
		return apperrors.Internal(err)
	}
	if used <= s.quota {
		return nil
	}

	_, _ = s.usage.DecrementInt(userID, 1)
	appErr := apperrors.New(apperrors.ErrQuotaExceeded, "record quota exhausted")
	appErr.Status = http.StatusTooManyRequests
	if _, exp, ok := s.usage.GetWithExpiration(userID); ok && !exp.IsZero() {
		appErr.RetryAfter = int(time.Until(exp).Seconds()) + 1
	}
	return appErr
}

// Received reports how many distinct records were accepted.
func (s *Service) Received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}
