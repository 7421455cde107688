package backend

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is read from BACKEND_* environment variables.
type Config struct {
	Addr         string        `envconfig:"ADDR" default:":8081"`
	LogLevel     string        `envconfig:"LOG_LEVEL" default:"info"`
	JWTSecret    string        `envconfig:"JWT_SECRET" required:"true"`
	TokenTTL     time.Duration `envconfig:"TOKEN_TTL" default:"15m"`
	SessionTTL   time.Duration `envconfig:"SESSION_TTL" default:"168h"`
	SecureCookie bool          `envconfig:"SECURE_COOKIE" default:"false"`
	// Users are "id:name:role:locationId:secret" records.
	Users []string `envconfig:"USERS"`
	// LoginRate is login attempts per minute per identifier.
	LoginRate  float64 `envconfig:"LOGIN_RATE" default:"5"`
	LoginBurst int     `envconfig:"LOGIN_BURST" default:"5"`
	// Quota caps accepted log entries per user in QuotaWindow; 0 disables it.
	Quota       int           `envconfig:"QUOTA" default:"0"`
	QuotaWindow time.Duration `envconfig:"QUOTA_WINDOW" default:"1h"`
	BcryptCost  int           `envconfig:"BCRYPT_COST" default:"10"`
}

func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("backend", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load backend config: %w", err)
	}
	return &cfg, nil
}

// Account is a seeded user with a plaintext secret.
type Account struct {
	ID         string
	Name       string
	Role       string
	LocationID string
	Secret     string
}

// ParseAccounts decodes the USERS records.
func ParseAccounts(records []string) ([]Account, error) {
	accounts := make([]Account, 0, len(records))
	for _, rec := range records {
		parts := strings.SplitN(strings.TrimSpace(rec), ":", 5)
		if len(parts) != 5 {
			return nil, fmt.Errorf("malformed user record %q", rec)
		}
		accounts = append(accounts, Account{
			ID:         parts[0],
			Name:       parts[1],
			Role:       parts[2],
			LocationID: parts[3],
			Secret:     parts[4],
		})
	}
	return accounts, nil
}
