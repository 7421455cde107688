package apiclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/jwalitptl/syncqueue/internal/model"
	apperrors "github.com/jwalitptl/syncqueue/pkg/errors"
)

// SubmitLogEntry posts one queue entry. The idempotency key travels in the
// body and in the Idempotency-Key header.
func (c *Client) SubmitLogEntry(ctx context.Context, token string, entry *model.QueueEntry) (*model.LogEntryReceipt, error) {
	var receipt model.LogEntryReceipt
	err := c.do(ctx, request{
		method:   http.MethodPost,
		path:     "/log-entry",
		token:    token,
		body:     model.NewLogEntryRequest(entry),
		headers:  map[string]string{"Idempotency-Key": entry.IdempotencyKey},
		endpoint: "log_entry",
	}, &receipt)
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (c *Client) Login(ctx context.Context, identifier, secret string) (*model.AuthSession, error) {
	var sess model.AuthSession
	err := c.do(ctx, request{
		method:   http.MethodPost,
		path:     "/auth/login",
		body:     model.LoginRequest{Identifier: identifier, Secret: secret},
		endpoint: "auth_login",
		auth:     true,
	}, &sess)
	if err != nil {
		return nil, err
	}
	c.flushCache()
	return &sess, nil
}

// Me performs a silent refresh. It carries no bearer token; the backend
// relies on the session cookie held in the jar.
func (c *Client) Me(ctx context.Context) (*model.AuthSession, error) {
	var sess model.AuthSession
	err := c.do(ctx, request{
		method:   http.MethodGet,
		path:     "/auth/me",
		endpoint: "auth_me",
		auth:     true,
	}, &sess)
	if err != nil {
		return nil, err
	}
	if sess.AccessToken == "" {
		return nil, apperrors.SessionExpired("no active session")
	}
	return &sess, nil
}

func (c *Client) Logout(ctx context.Context, token string) error {
	c.flushCache()
	return c.do(ctx, request{
		method:   http.MethodPost,
		path:     "/auth/logout",
		token:    token,
		endpoint: "auth_logout",
		auth:     true,
	}, nil)
}

// Ping calls GET /health. It bypasses the breaker and the rate limiter so
// reachability can be observed while the breaker is open.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, request{
		method:    http.MethodGet,
		path:      "/health",
		endpoint:  "health",
		unguarded: true,
	}, nil)
}

// Get performs a read and decodes the data into out. Successful reads are
// cached for the configured TTL, per path and credential.
func (c *Client) Get(ctx context.Context, path, token string, out interface{}) error {
	key := cacheKey(path, token)
	if c.cache != nil {
		if cached, ok := c.cache.Get(key); ok {
			return json.Unmarshal(cached.(json.RawMessage), out)
		}
	}

	data, err := c.roundTrip(ctx, request{
		method:   http.MethodGet,
		path:     path,
		token:    token,
		endpoint: "get",
	})
	if err != nil {
		return err
	}
	if c.cache != nil {
		c.cache.SetDefault(key, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.Wrap(apperrors.ErrServer, "malformed response body", err)
	}
	return nil
}

func cacheKey(path, token string) string {
	sum := sha256.Sum256([]byte(token))
	return path + "|" + hex.EncodeToString(sum[:8])
}

func (c *Client) flushCache() {
	if c.cache != nil {
		c.cache.Flush()
	}
}
