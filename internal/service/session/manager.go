package session

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jwalitptl/syncqueue/internal/model"
	"github.com/jwalitptl/syncqueue/internal/repository"
	apperrors "github.com/jwalitptl/syncqueue/pkg/errors"
	"github.com/jwalitptl/syncqueue/pkg/logger"
	"github.com/jwalitptl/syncqueue/pkg/messaging"
)

// State is the lifecycle of a session.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateLoading         State = "loading"
	StateAuthenticated   State = "authenticated"
)

// DefaultLeeway is how early a token is considered expired.
const DefaultLeeway = 5 * time.Second

// AuthAPI is the part of the backend client the manager needs.
type AuthAPI interface {
	Login(ctx context.Context, identifier, secret string) (*model.AuthSession, error)
	Me(ctx context.Context) (*model.AuthSession, error)
	Logout(ctx context.Context, token string) error
}

// Manager holds the short-lived access token in memory. The long-lived
// session credential lives in the API client's cookie jar and is never
// read here; the marker store only records that a login happened.
type Manager struct {
	api    AuthAPI
	broker messaging.Broker
	marker repository.MarkerStore
	origin string
	leeway time.Duration
	now    func() time.Time
	logger *logger.Logger
	notify func(State)

	mu        sync.Mutex
	state     State
	token     string
	expiresAt time.Time
	user      *model.User

	refreshMu sync.Mutex
	cancel    context.CancelFunc
}

type Option func(*Manager)

func WithLeeway(d time.Duration) Option {
	return func(m *Manager) { m.leeway = d }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(l *logger.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithStateListener registers fn to be called after every state change.
func WithStateListener(fn func(State)) Option {
	return func(m *Manager) { m.notify = fn }
}

// NewManager creates a manager. broker and marker may be nil: without a
// broker nothing is broadcast, without a marker every refresh is attempted.
func NewManager(api AuthAPI, broker messaging.Broker, marker repository.MarkerStore, opts ...Option) *Manager {
	m := &Manager{
		api:    api,
		broker: broker,
		marker: marker,
		origin: uuid.NewString(),
		leeway: DefaultLeeway,
		now:    time.Now,
		logger: logger.Nop(),
		state:  StateUnauthenticated,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start subscribes to the auth channel and performs the silent refresh.
// A rejected refresh is not an error; the manager just stays signed out.
func (m *Manager) Start(ctx context.Context) error {
	if m.broker != nil {
		subCtx, cancel := context.WithCancel(ctx)
		err := messaging.SubscribeEvents(subCtx, m.broker, messaging.AuthChannel, m.handleEvent, func(err error) {
			m.logger.Warn("undecodable auth event", "error", err)
		})
		if err != nil {
			cancel()
			return err
		}
		m.mu.Lock()
		m.cancel = cancel
		m.mu.Unlock()
	}

	if m.hasMarker(ctx) {
		m.Refresh(ctx)
	}
	return nil
}

// Close stops listening for broadcasts.
func (m *Manager) Close() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Manager) handleEvent(evt messaging.Event) {
	if evt.Origin == m.origin {
		return
	}
	switch evt.Type {
	case messaging.EventLogout:
		m.logger.Info("logout received from another process")
		m.clear()
	case messaging.EventLogin:
		m.logger.Info("login received from another process")
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		m.Refresh(ctx)
	}
}

// Login authenticates and broadcasts the login. On failure the state is
// left untouched and the error carries any rate-limit metadata.
func (m *Manager) Login(ctx context.Context, identifier, secret string) error {
	sess, err := m.api.Login(ctx, identifier, secret)
	if err != nil {
		return err
	}

	m.set(sess)
	m.setMarker(ctx, true)
	m.broadcast(ctx, messaging.EventLogin)
	m.logger.Info("signed in", "user_id", sess.User.ID)
	return nil
}

// Logout tells the backend (best effort), clears local state and
// broadcasts the logout.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	token := m.token
	m.mu.Unlock()

	if err := m.api.Logout(ctx, token); err != nil {
		m.logger.Warn("backend logout failed", "error", err)
	}

	m.clear()
	m.setMarker(ctx, false)
	m.broadcast(ctx, messaging.EventLogout)
	m.logger.Info("signed out")
}

// Refresh performs a silent refresh and reports whether it succeeded.
func (m *Manager) Refresh(ctx context.Context) bool {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	return m.refresh(ctx)
}

// refresh settles to unauthenticated only when the backend rejects the
// session. Transport failures leave any token already held in place.
func (m *Manager) refresh(ctx context.Context) bool {
	m.transition(StateLoading)
	sess, err := m.api.Me(ctx)
	if err == nil {
		m.set(sess)
		return true
	}

	if apperrors.KindOf(err) == apperrors.KindAuthentication {
		m.clear()
		m.setMarker(ctx, false)
		m.logger.Debug("no session to refresh")
		return false
	}

	m.logger.Warn("silent refresh failed", "error", err)
	m.restore()
	return false
}

// GetAccessToken returns the in-memory token or "" when there is none.
// An expired token is dropped.
func (m *Manager) GetAccessToken() string {
	m.mu.Lock()
	if m.token == "" {
		m.mu.Unlock()
		return ""
	}
	if m.expiresAt.IsZero() || m.now().Add(m.leeway).Before(m.expiresAt) {
		token := m.token
		m.mu.Unlock()
		return token
	}
	m.reset()
	changed := m.setState(StateUnauthenticated)
	m.mu.Unlock()

	m.logger.Debug("access token expired")
	m.emit(changed, StateUnauthenticated)
	return ""
}

// FreshToken returns a usable token, refreshing silently when the session
// marker says a login happened. Concurrent callers share one refresh.
func (m *Manager) FreshToken(ctx context.Context) string {
	if token := m.GetAccessToken(); token != "" {
		return token
	}
	if !m.hasMarker(ctx) {
		return ""
	}

	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	if token := m.GetAccessToken(); token != "" {
		return token
	}
	if m.refresh(ctx) {
		return m.GetAccessToken()
	}
	return ""
}

// Invalidate drops the cached token after the backend rejected it. The
// marker is kept so the next FreshToken tries a silent refresh.
func (m *Manager) Invalidate() {
	m.clear()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) User() *model.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.user == nil {
		return nil
	}
	u := *m.user
	return &u
}

func (m *Manager) set(sess *model.AuthSession) {
	user := sess.User
	m.mu.Lock()
	m.token = sess.AccessToken
	m.expiresAt = tokenExpiry(sess.AccessToken)
	m.user = &user
	changed := m.setState(StateAuthenticated)
	m.mu.Unlock()
	m.emit(changed, StateAuthenticated)
}

func (m *Manager) clear() {
	m.mu.Lock()
	m.reset()
	changed := m.setState(StateUnauthenticated)
	m.mu.Unlock()
	m.emit(changed, StateUnauthenticated)
}

// restore leaves loading for whatever the held token says.
func (m *Manager) restore() {
	m.mu.Lock()
	to := StateUnauthenticated
	if m.token != "" {
		to = StateAuthenticated
	}
	changed := m.setState(to)
	m.mu.Unlock()
	m.emit(changed, to)
}

func (m *Manager) transition(to State) {
	m.mu.Lock()
	changed := m.setState(to)
	m.mu.Unlock()
	m.emit(changed, to)
}

// reset and setState require m.mu.
func (m *Manager) reset() {
	m.token = ""
	m.expiresAt = time.Time{}
	m.user = nil
}

func (m *Manager) setState(to State) bool {
	changed := m.state != to
	m.state = to
	return changed
}

func (m *Manager) emit(changed bool, to State) {
	if changed && m.notify != nil {
		m.notify(to)
	}
}

func (m *Manager) hasMarker(ctx context.Context) bool {
	if m.marker == nil {
		return true
	}
	on, err := m.marker.Marker(ctx, repository.SessionMarkerKey)
	if err != nil {
		m.logger.Warn("failed to read session marker", "error", err)
		return false
	}
	return on
}

func (m *Manager) setMarker(ctx context.Context, on bool) {
	if m.marker == nil {
		return
	}
	if err := m.marker.SetMarker(ctx, repository.SessionMarkerKey, on); err != nil {
		m.logger.Warn("failed to store session marker", "error", err)
	}
}

func (m *Manager) broadcast(ctx context.Context, eventType string) {
	if m.broker == nil {
		return
	}
	evt := messaging.Event{Type: eventType, Origin: m.origin}
	if err := messaging.PublishEvent(ctx, m.broker, messaging.AuthChannel, evt); err != nil {
		m.logger.Warn("failed to broadcast auth event", "type", eventType, "error", err)
	}
}

// tokenExpiry reads exp without verifying the signature; the backend is
// the one that verifies. Opaque tokens have no known expiry.
func tokenExpiry(token string) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
