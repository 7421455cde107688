// Package backendtest starts the reference backend on a loopback listener
// for tests of its clients.
package backendtest

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/jwalitptl/syncqueue/internal/backend"
	"github.com/jwalitptl/syncqueue/pkg/logger"
)

const (
	UserID     = "emp-1"
	UserSecret = "1234"
	LocationID = "loc-1"
)

// Config returns a backend configuration with one seeded user.
func Config() backend.Config {
	return backend.Config{
		JWTSecret:   "test-secret",
		TokenTTL:    15 * time.Minute,
		SessionTTL:  time.Hour,
		Users:       []string{UserID + ":Alex:staff:" + LocationID + ":" + UserSecret},
		LoginRate:   600,
		LoginBurst:  10,
		QuotaWindow: time.Hour,
		BcryptCost:  bcrypt.MinCost,
	}
}

// NewServer starts a backend. The server is closed when the test ends.
func NewServer(t testing.TB, configure ...func(*backend.Config)) (*httptest.Server, *backend.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := Config()
	for _, fn := range configure {
		fn(&cfg)
	}

	accounts, err := backend.ParseAccounts(cfg.Users)
	if err != nil {
		t.Fatalf("parse accounts: %v", err)
	}
	svc, err := backend.NewService(cfg, accounts)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}

	srv := httptest.NewServer(backend.NewRouter(svc, cfg, logger.Nop()))
	t.Cleanup(srv.Close)
	return srv, svc
}
