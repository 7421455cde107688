package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/syncqueue/internal/backend"
	"github.com/jwalitptl/syncqueue/pkg/logger"
)

func main() {
	cfg, err := backend.LoadConfig()
	if err != nil {
		logger.NewLogger(nil).Fatal(err, "failed to load configuration")
	}

	log := logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.LogLevel),
		TimeFormat: time.RFC3339,
		Output:     os.Stdout,
		JSON:       true,
	})

	accounts, err := backend.ParseAccounts(cfg.Users)
	if err != nil {
		log.Fatal(err, "invalid BACKEND_USERS")
	}

	svc, err := backend.NewService(*cfg, accounts, backend.WithLogger(log))
	if err != nil {
		log.Fatal(err, "failed to initialize backend")
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           backend.NewRouter(svc, *cfg, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("backend listening", "addr", cfg.Addr, "users", len(accounts))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err, "failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal(err, "server forced to shutdown")
	}

	log.Info("server exited properly", "received", svc.Received())
}
