package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jwalitptl/syncqueue/internal/apiclient"
	"github.com/jwalitptl/syncqueue/pkg/validator"
)

const EnvPrefix = "SYNCQ"

type Config struct {
	Log          LogConfig          `mapstructure:"log"`
	Store        StoreConfig        `mapstructure:"store"`
	Lock         LockConfig         `mapstructure:"lock"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Broadcast    BroadcastConfig    `mapstructure:"broadcast"`
	API          apiclient.Config   `mapstructure:"api"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Drain        DrainConfig        `mapstructure:"drain"`
	Retention    RetentionConfig    `mapstructure:"retention"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Admin        AdminConfig        `mapstructure:"admin"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite postgres"`
	DSN    string `mapstructure:"dsn" validate:"required"`
	// EncryptionKey seals payloads at rest when set (32 bytes, hex or base64).
	EncryptionKey string `mapstructure:"encryption_key"`
}

type LockConfig struct {
	Backend    string        `mapstructure:"backend" validate:"oneof=sql redis"`
	StaleAfter time.Duration `mapstructure:"stale_after" validate:"gt=0"`
}

type RedisConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

type BroadcastConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=memory redis"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"min=1"`
	Cooldown         time.Duration `mapstructure:"cooldown" validate:"gt=0"`
}

type QueueConfig struct {
	Retention time.Duration `mapstructure:"retention" validate:"gt=0"`
}

type DrainConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
}

type RetentionConfig struct {
	Schedule string `mapstructure:"schedule" validate:"required"`
}

type ConnectivityConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval" validate:"gt=0"`
}

type AdminConfig struct {
	Addr         string   `mapstructure:"addr" validate:"required"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// New returns a viper instance with defaults, config search paths and
// SYNCQ_* environment binding in place.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "syncqueue.db")
	v.SetDefault("store.encryption_key", "")
	v.SetDefault("lock.backend", "sql")
	v.SetDefault("lock.stale_after", "30s")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.prefix", "syncq:")
	v.SetDefault("broadcast.backend", "memory")
	v.SetDefault("api.base_url", "http://localhost:8081")
	v.SetDefault("api.read_timeout", "10s")
	v.SetDefault("api.write_timeout", "30s")
	v.SetDefault("api.rate_limit", 0)
	v.SetDefault("api.rate_burst", 0)
	v.SetDefault("api.read_cache_ttl", "0s")
	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.cooldown", "60s")
	v.SetDefault("queue.retention", "168h")
	v.SetDefault("drain.poll_interval", "30s")
	v.SetDefault("retention.schedule", "@hourly")
	v.SetDefault("connectivity.check_interval", "15s")
	v.SetDefault("admin.addr", "127.0.0.1:8080")
	v.SetDefault("admin.allow_origins", []string{})
	v.SetDefault("metrics.enabled", true)

	v.SetConfigName("syncd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("$HOME/.syncqueue")
	v.AddConfigPath("/etc/syncqueue")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file (optional unless one was set explicitly),
// decodes and validates it.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Validate(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if (c.Lock.Backend == "redis" || c.Broadcast.Backend == "redis") && c.Redis.URL == "" {
		return fmt.Errorf("invalid config: redis.url is required when a redis backend is selected")
	}
	return nil
}

// UsesRedis reports whether any component needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.Lock.Backend == "redis" || c.Broadcast.Backend == "redis"
}
