package apiclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/syncqueue/internal/apiclient"
	"github.com/jwalitptl/syncqueue/internal/backend"
	"github.com/jwalitptl/syncqueue/internal/backend/backendtest"
	"github.com/jwalitptl/syncqueue/internal/model"
	"github.com/jwalitptl/syncqueue/pkg/circuitbreaker"
	apperrors "github.com/jwalitptl/syncqueue/pkg/errors"
)

func newEntry() *model.QueueEntry {
	return &model.QueueEntry{
		IdempotencyKey: uuid.NewString(),
		Payload: model.Payload{
			LogType:    "temperature",
			LocationID: backendtest.LocationID,
			EmployeeID: backendtest.UserID,
			Data:       json.RawMessage(`{"celsius":3}`),
		},
		ClientCreatedAt: time.Now().UTC(),
		Status:          model.StatusPending,
	}
}

func newClient(t *testing.T, baseURL string, opts ...apiclient.Option) *apiclient.Client {
	t.Helper()
	c, err := apiclient.New(apiclient.Config{BaseURL: baseURL}, opts...)
	require.NoError(t, err)
	return c
}

func TestClient_LoginSubmitAndDuplicate(t *testing.T) {
	srv, _ := backendtest.NewServer(t)
	c := newClient(t, srv.URL)
	ctx := context.Background()

	sess, err := c.Login(ctx, backendtest.UserID, backendtest.UserSecret)
	require.NoError(t, err)
	require.NotEmpty(t, sess.AccessToken)

	entry := newEntry()
	receipt, err := c.SubmitLogEntry(ctx, sess.AccessToken, entry)
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.ID)

	_, err = c.SubmitLogEntry(ctx, sess.AccessToken, entry)
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrConflict, appErr.Code)
	assert.Equal(t, http.StatusConflict, appErr.Status)
}

func TestClient_SilentRefreshUsesCookieJar(t *testing.T) {
	srv, _ := backendtest.NewServer(t)
	ctx := context.Background()

	jar, err := apiclient.NewCookieJar()
	require.NoError(t, err)
	first := newClient(t, srv.URL, apiclient.WithCookieJar(jar))
	second := newClient(t, srv.URL, apiclient.WithCookieJar(jar))

	_, err = second.Me(ctx)
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrSessionExpired, appErr.Code)

	_, err = first.Login(ctx, backendtest.UserID, backendtest.UserSecret)
	require.NoError(t, err)

	sess, err := second.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, backendtest.UserID, sess.User.ID)

	require.NoError(t, first.Logout(ctx, sess.AccessToken))
	_, err = second.Me(ctx)
	assert.Error(t, err)
}

func TestClient_LoginRateLimitedCarriesRetryAfter(t *testing.T) {
	srv, _ := backendtest.NewServer(t, func(cfg *backend.Config) {
		cfg.LoginRate = 1
		cfg.LoginBurst = 1
	})
	c := newClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.Login(ctx, backendtest.UserID, "0000")
	appErr, _ := apperrors.As(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrInvalidCredentials, appErr.Code)

	_, err = c.Login(ctx, backendtest.UserID, backendtest.UserSecret)
	appErr, _ = apperrors.As(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrRateLimited, appErr.Code)
	assert.Positive(t, appErr.RetryAfter)
}

func TestClient_LoginRateLimitDoesNotOpenRecordsBreaker(t *testing.T) {
	srv, _ := backendtest.NewServer(t, func(cfg *backend.Config) {
		cfg.LoginRate = 0.0001
		cfg.LoginBurst = 1
	})
	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:             "records",
		FailureThreshold: 3,
		Cooldown:         time.Minute,
	})
	c := newClient(t, srv.URL, apiclient.WithBreaker(cb))
	ctx := context.Background()

	codes := make([]apperrors.ErrorCode, 0, 4)
	for i := 0; i < 4; i++ {
		_, err := c.Login(ctx, "unknown-user", "wrong")
		appErr, ok := apperrors.As(err)
		require.True(t, ok)
		codes = append(codes, appErr.Code)
	}
	assert.Equal(t, []apperrors.ErrorCode{
		apperrors.ErrInvalidCredentials,
		apperrors.ErrRateLimited,
		apperrors.ErrRateLimited,
		apperrors.ErrRateLimited,
	}, codes)

	st := c.BreakerStatus()
	assert.False(t, st.IsOpen)
	assert.Zero(t, st.FailureCount)

	sess, err := c.Login(ctx, backendtest.UserID, backendtest.UserSecret)
	require.NoError(t, err)
	_, err = c.SubmitLogEntry(ctx, sess.AccessToken, newEntry())
	require.NoError(t, err)

	_, err = c.Me(ctx)
	require.NoError(t, err)
}

func TestClient_BreakerOpensOnQuotaAndShortCircuits(t *testing.T) {
	srv, _ := backendtest.NewServer(t, func(cfg *backend.Config) { cfg.Quota = 1 })

	now := time.Now()
	clock := func() time.Time { return now }
	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:             "backend",
		FailureThreshold: 2,
		Cooldown:         time.Minute,
		Now:              clock,
	})
	c := newClient(t, srv.URL, apiclient.WithBreaker(cb))
	ctx := context.Background()

	sess, err := c.Login(ctx, backendtest.UserID, backendtest.UserSecret)
	require.NoError(t, err)

	_, err = c.SubmitLogEntry(ctx, sess.AccessToken, newEntry())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = c.SubmitLogEntry(ctx, sess.AccessToken, newEntry())
		appErr, _ := apperrors.As(err)
		require.NotNil(t, appErr)
		assert.Equal(t, apperrors.ErrQuotaExceeded, appErr.Code)
	}
	assert.True(t, c.BreakerStatus().IsOpen)

	_, err = c.SubmitLogEntry(ctx, sess.AccessToken, newEntry())
	appErr, _ := apperrors.As(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCircuitOpen, appErr.Code)
	assert.Equal(t, 60, appErr.RetryAfter)
	assert.Equal(t, apperrors.KindQuota, appErr.Kind())

	// reachability pings ignore the breaker
	assert.NoError(t, c.Ping(ctx))
}

func TestClient_ServerErrorsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("upstream exploded"))
	}))
	defer srv.Close()

	c := newClient(t, srv.URL)
	for i := 0; i < 5; i++ {
		_, err := c.SubmitLogEntry(context.Background(), "token", newEntry())
		appErr, _ := apperrors.As(err)
		require.NotNil(t, appErr)
		assert.Equal(t, apperrors.ErrServer, appErr.Code)
		assert.Equal(t, http.StatusInternalServerError, appErr.Status)
	}
	st := c.BreakerStatus()
	assert.False(t, st.IsOpen)
	assert.Zero(t, st.FailureCount)
}

func TestClient_NonEnvelopeStatusFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL)
	_, err := c.SubmitLogEntry(context.Background(), "token", newEntry())
	appErr, _ := apperrors.As(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrRateLimited, appErr.Code)
	assert.Equal(t, 7, appErr.RetryAfter)
	assert.Equal(t, 1, c.BreakerStatus().FailureCount)
}

func TestClient_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := apiclient.New(apiclient.Config{
		BaseURL:      srv.URL,
		ReadTimeout:  50 * time.Millisecond,
		WriteTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = c.SubmitLogEntry(context.Background(), "token", newEntry())
	appErr, _ := apperrors.As(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrTimeout, appErr.Code)
	assert.Equal(t, apperrors.KindTransient, appErr.Kind())
}

func TestClient_SubmitSendsIdempotencyHeader(t *testing.T) {
	var header atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header.Store(r.Header.Get("Idempotency-Key"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true,"data":{"id":"r-1","serverReceivedAt":"2026-01-02T03:04:05Z"}}`))
	}))
	defer srv.Close()

	c := newClient(t, srv.URL)
	entry := newEntry()
	receipt, err := c.SubmitLogEntry(context.Background(), "token", entry)
	require.NoError(t, err)
	assert.Equal(t, "r-1", receipt.ID)
	assert.Equal(t, entry.IdempotencyKey, header.Load())
}

func TestClient_GetIsCached(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"success":true,"data":{"n":1}}`))
	}))
	defer srv.Close()

	c, err := apiclient.New(apiclient.Config{BaseURL: srv.URL, ReadCacheTTL: time.Minute})
	require.NoError(t, err)

	var out struct {
		N int `json:"n"`
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Get(context.Background(), "/things", "", &out))
		assert.Equal(t, 1, out.N)
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestClient_GetCacheIsPerCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"data":    map[string]string{"auth": r.Header.Get("Authorization")},
		})
	}))
	defer srv.Close()

	c, err := apiclient.New(apiclient.Config{BaseURL: srv.URL, ReadCacheTTL: time.Minute})
	require.NoError(t, err)

	var out struct {
		Auth string `json:"auth"`
	}
	require.NoError(t, c.Get(context.Background(), "/me/things", "token-a", &out))
	assert.Equal(t, "Bearer token-a", out.Auth)

	require.NoError(t, c.Get(context.Background(), "/me/things", "token-b", &out))
	assert.Equal(t, "Bearer token-b", out.Auth)

	require.NoError(t, c.Get(context.Background(), "/me/things", "token-a", &out))
	assert.Equal(t, "Bearer token-a", out.Auth)
}

func TestNew_RejectsBadBaseURL(t *testing.T) {
	_, err := apiclient.New(apiclient.Config{BaseURL: "not a url"})
	assert.Error(t, err)
}
