package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	healthhandler "github.com/jwalitptl/syncqueue/internal/handler/health"
	queuehandler "github.com/jwalitptl/syncqueue/internal/handler/queue"
	sessionhandler "github.com/jwalitptl/syncqueue/internal/handler/session"
	"github.com/jwalitptl/syncqueue/internal/model"
	"github.com/jwalitptl/syncqueue/internal/router"
	"github.com/jwalitptl/syncqueue/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the drain worker and the local admin API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "127.0.0.1:8080", "admin API listen address")
	bindFlag("admin.addr", serveCmd.Flags(), "addr")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	retention, err := worker.NewRetentionWorker(a.queue, cfg.Retention.Schedule, log)
	if err != nil {
		return err
	}
	eviction := worker.NewEvictionWatcher(a.queue, cfg.Connectivity.CheckInterval, log)
	eviction.OnEviction(func(r model.EvictionReport) {
		log.Warn("pending entries disappeared from the store", "current", r.CurrentCount)
	})

	if err := a.session.Start(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, run := range []func(context.Context){
		a.monitor.Start,
		a.drainer.Start,
		retention.Start,
		eviction.Start,
	} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(run)
	}

	gin.SetMode(gin.ReleaseMode)
	routerCfg := router.RouterConfig{
		MetricsPrefix: "syncd_admin",
		AllowOrigins:  cfg.Admin.AllowOrigins,
	}
	if cfg.Metrics.Enabled {
		routerCfg.Registry = a.registry
	}
	r := router.NewRouter(log, routerCfg,
		healthhandler.NewHandler(a.store, a.monitor.Online),
		queuehandler.NewHandler(a.queue, a.drainer, a.client, a.monitor.Online),
		sessionhandler.NewHandler(a.session),
	)
	r.Setup()

	srv := &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           r.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("admin API listening", "addr", cfg.Admin.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
		stop()
	}

	log.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Error(shutdownErr, "admin API forced to shutdown")
	}
	wg.Wait()
	return err
}
