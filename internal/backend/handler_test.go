package backend_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/syncqueue/internal/backend"
	"github.com/jwalitptl/syncqueue/internal/backend/backendtest"
	"github.com/jwalitptl/syncqueue/internal/model"
	"github.com/jwalitptl/syncqueue/pkg/httputil"
)

type testClient struct {
	t     *testing.T
	http  *http.Client
	base  string
	token string
}

func newTestClient(t *testing.T, base string) *testClient {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &testClient{t: t, http: &http.Client{Jar: jar}, base: base}
}

// makeRequest sends body as JSON and decodes the envelope.
func (c *testClient) makeRequest(method, path string, body interface{}) (int, httputil.Envelope) {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	var env httputil.Envelope
	require.NoError(c.t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func (c *testClient) login() model.AuthSession {
	c.t.Helper()
	status, env := c.makeRequest(http.MethodPost, "/auth/login", model.LoginRequest{
		Identifier: backendtest.UserID,
		Secret:     backendtest.UserSecret,
	})
	require.Equal(c.t, http.StatusOK, status)
	var sess model.AuthSession
	require.NoError(c.t, json.Unmarshal(env.Data, &sess))
	c.token = sess.AccessToken
	return sess
}

func entryBody(key string) model.LogEntryRequest {
	return model.LogEntryRequest{
		LogType:         "temperature",
		LocationID:      backendtest.LocationID,
		EmployeeID:      backendtest.UserID,
		Data:            json.RawMessage(`{"celsius":4}`),
		ClientCreatedAt: time.Now().UTC(),
		IdempotencyKey:  key,
	}
}

func TestAuthFlow(t *testing.T) {
	srv, _ := backendtest.NewServer(t)
	c := newTestClient(t, srv.URL)

	// No session yet
	status, env := c.makeRequest(http.MethodGet, "/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "SESSION_EXPIRED", string(env.Error.Code))

	// Wrong secret
	status, env = c.makeRequest(http.MethodPost, "/auth/login", model.LoginRequest{Identifier: backendtest.UserID, Secret: "9999"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "INVALID_CREDENTIALS", string(env.Error.Code))

	sess := c.login()
	assert.NotEmpty(t, sess.AccessToken)
	assert.Equal(t, backendtest.LocationID, sess.User.LocationID)

	// Silent refresh rides on the cookie alone
	c.token = ""
	status, env = c.makeRequest(http.MethodGet, "/auth/me", nil)
	assert.Equal(t, http.StatusOK, status)
	var refreshed model.AuthSession
	require.NoError(t, json.Unmarshal(env.Data, &refreshed))
	assert.NotEmpty(t, refreshed.AccessToken)
	assert.Equal(t, backendtest.UserID, refreshed.User.ID)

	status, env = c.makeRequest(http.MethodPost, "/auth/logout", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)

	status, _ = c.makeRequest(http.MethodGet, "/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestLogEntry_Idempotent(t *testing.T) {
	srv, svc := backendtest.NewServer(t)
	c := newTestClient(t, srv.URL)
	c.login()

	key := uuid.NewString()
	status, env := c.makeRequest(http.MethodPost, "/log-entry", entryBody(key))
	require.Equal(t, http.StatusCreated, status)
	var receipt model.LogEntryReceipt
	require.NoError(t, json.Unmarshal(env.Data, &receipt))
	assert.NotEmpty(t, receipt.ID)
	assert.False(t, receipt.ServerReceivedAt.IsZero())

	status, env = c.makeRequest(http.MethodPost, "/log-entry", entryBody(key))
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "CONFLICT", string(env.Error.Code))
	assert.Equal(t, 1, svc.Received())
}

func TestLogEntry_Validation(t *testing.T) {
	srv, _ := backendtest.NewServer(t)
	c := newTestClient(t, srv.URL)
	c.login()

	body := entryBody(uuid.NewString())
	body.LogType = ""
	status, env := c.makeRequest(http.MethodPost, "/log-entry", body)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "VALIDATION_ERROR", string(env.Error.Code))
	assert.Equal(t, "logType", env.Error.Field)

	body = entryBody(uuid.NewString())
	body.LocationID = "loc-2"
	status, env = c.makeRequest(http.MethodPost, "/log-entry", body)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "locationId", env.Error.Field)

	body = entryBody("not-a-uuid")
	status, env = c.makeRequest(http.MethodPost, "/log-entry", body)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "idempotencyKey", env.Error.Field)
}

func TestLogEntry_RequiresToken(t *testing.T) {
	srv, _ := backendtest.NewServer(t)
	c := newTestClient(t, srv.URL)

	status, env := c.makeRequest(http.MethodPost, "/log-entry", entryBody(uuid.NewString()))
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "SESSION_EXPIRED", string(env.Error.Code))

	c.token = "garbage"
	status, env = c.makeRequest(http.MethodPost, "/log-entry", entryBody(uuid.NewString()))
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "SESSION_EXPIRED", string(env.Error.Code))
}

func TestLogEntry_Quota(t *testing.T) {
	srv, _ := backendtest.NewServer(t, func(cfg *backend.Config) { cfg.Quota = 1 })
	c := newTestClient(t, srv.URL)
	c.login()

	first := uuid.NewString()
	status, _ := c.makeRequest(http.MethodPost, "/log-entry", entryBody(first))
	require.Equal(t, http.StatusCreated, status)

	status, env := c.makeRequest(http.MethodPost, "/log-entry", entryBody(uuid.NewString()))
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "QUOTA_EXCEEDED", string(env.Error.Code))
	assert.Positive(t, env.Error.RetryAfter)

	// duplicates are answered without touching the quota
	status, env = c.makeRequest(http.MethodPost, "/log-entry", entryBody(first))
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "CONFLICT", string(env.Error.Code))
}

func TestLogin_RateLimited(t *testing.T) {
	srv, _ := backendtest.NewServer(t, func(cfg *backend.Config) {
		cfg.LoginRate = 1
		cfg.LoginBurst = 2
	})
	c := newTestClient(t, srv.URL)

	bad := model.LoginRequest{Identifier: backendtest.UserID, Secret: "0000"}
	for i := 0; i < 2; i++ {
		status, _ := c.makeRequest(http.MethodPost, "/auth/login", bad)
		require.Equal(t, http.StatusUnauthorized, status)
	}

	status, env := c.makeRequest(http.MethodPost, "/auth/login", bad)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "RATE_LIMITED", string(env.Error.Code))
	assert.Positive(t, env.Error.RetryAfter)
}
