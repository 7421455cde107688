package cli

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/jwalitptl/syncqueue/internal/apiclient"
	"github.com/jwalitptl/syncqueue/internal/config"
	"github.com/jwalitptl/syncqueue/internal/connectivity"
	"github.com/jwalitptl/syncqueue/internal/repository"
	redislock "github.com/jwalitptl/syncqueue/internal/repository/redis"
	"github.com/jwalitptl/syncqueue/internal/repository/sqlstore"
	"github.com/jwalitptl/syncqueue/internal/service/queue"
	"github.com/jwalitptl/syncqueue/internal/service/session"
	"github.com/jwalitptl/syncqueue/internal/worker"
	"github.com/jwalitptl/syncqueue/pkg/circuitbreaker"
	"github.com/jwalitptl/syncqueue/pkg/logger"
	"github.com/jwalitptl/syncqueue/pkg/messaging"
	"github.com/jwalitptl/syncqueue/pkg/messaging/memory"
	redisbroker "github.com/jwalitptl/syncqueue/pkg/messaging/redis"
	"github.com/jwalitptl/syncqueue/pkg/metrics"
	"github.com/jwalitptl/syncqueue/pkg/security"
)

// app is the application root: every component is built here once and
// handed to its consumers.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	db       *sqlx.DB
	store    *sqlstore.Store
	locker   repository.DrainLocker
	redis    *goredis.Client
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	broker   messaging.Broker
	client   *apiclient.Client
	monitor  *connectivity.Monitor
	session  *session.Manager
	queue    *queue.Service
	drainer  *worker.DrainWorker
}

// newStoreApp opens only the durable store and the queue. Commands that
// never talk to the backend use it.
func newStoreApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	db, err := sqlstore.NewDB(sqlstore.Config{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN})
	if err != nil {
		return nil, err
	}
	a.db = db
	if err := sqlstore.Migrate(ctx, db); err != nil {
		a.Close()
		return nil, err
	}

	opts := []sqlstore.Option{sqlstore.WithLogger(log)}
	if cfg.Store.EncryptionKey != "" {
		key, err := security.ParseKey(cfg.Store.EncryptionKey)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("store.encryption_key: %w", err)
		}
		enc, err := security.NewAESEncryptor(key)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("store.encryption_key: %w", err)
		}
		opts = append(opts, sqlstore.WithEncryptor(enc))
	}
	a.store = sqlstore.New(db, opts...)

	a.registry = prometheus.NewRegistry()
	a.metrics = metrics.New("syncq")
	a.metrics.MustRegister(a.registry)

	a.locker = a.store
	if cfg.UsesRedis() {
		redisOpts, err := goredis.ParseURL(cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis.url: %w", err)
		}
		a.redis = goredis.NewClient(redisOpts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		if cfg.Lock.Backend == "redis" {
			a.locker = redislock.NewDrainLocker(a.redis, cfg.Redis.Prefix)
		}
	}

	a.queue = a.newQueue(nil)
	return a, nil
}

func (a *app) newQueue(online func() bool) *queue.Service {
	return queue.NewService(a.store, a.locker,
		queue.WithRetention(a.cfg.Queue.Retention),
		queue.WithStaleAfter(a.cfg.Lock.StaleAfter),
		queue.WithConnectivity(online),
		queue.WithLogger(a.log),
		queue.WithMetrics(a.metrics),
	)
}

// newApp builds the full stack: store, backend client, session and drain
// worker.
func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	a, err := newStoreApp(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	breaker := circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:             "backend",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
	})
	a.client, err = apiclient.New(cfg.API,
		apiclient.WithBreaker(breaker),
		apiclient.WithLogger(log),
		apiclient.WithMetrics(a.metrics),
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Broadcast.Backend == "redis" {
		a.broker = redisbroker.NewRedisBrokerFromClient(a.redis, cfg.Redis.Prefix, &log.ZL)
	} else {
		a.broker = memory.NewBroker()
	}

	a.monitor = connectivity.NewMonitor(a.client,
		connectivity.WithInterval(cfg.Connectivity.CheckInterval),
		connectivity.WithLogger(log),
	)

	a.queue = a.newQueue(a.monitor.Online)

	a.session = session.NewManager(a.client, a.broker, a.store,
		session.WithLogger(log),
		session.WithStateListener(func(s session.State) {
			if s == session.StateAuthenticated && a.drainer != nil {
				a.drainer.Trigger()
			}
		}),
	)

	a.drainer = worker.NewDrainWorker(a.queue, a.session, a.client,
		worker.DrainWorkerConfig{PollInterval: cfg.Drain.PollInterval}, log)
	a.monitor.OnRestored(a.drainer.Trigger)
	return a, nil
}

func (a *app) Close() {
	if a.session != nil {
		a.session.Close()
	}
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			a.log.Warn("failed to close broker", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
