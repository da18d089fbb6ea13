package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/weather-ingest-service/internal/adapter/httpadapter"
	"github.com/couchcryptid/weather-ingest-service/internal/adapter/postgres"
	"github.com/couchcryptid/weather-ingest-service/internal/api"
	"github.com/couchcryptid/weather-ingest-service/internal/config"
	"github.com/couchcryptid/weather-ingest-service/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Connect(ctx, cfg.Postgres.DSN(), cfg.DBMaxOpenConns)
	if err != nil {
		logger.Error("postgres connect failed", "error", err, "host", cfg.Postgres.Host, "db", cfg.Postgres.DB)
		os.Exit(1)
	}
	if err := postgres.ApplySchema(ctx, db, cfg.LocationMatch); err != nil {
		logger.Error("apply schema failed", "error", err)
		db.Close() //nolint:errcheck // exiting
		os.Exit(1)
	}
	logger.Info("database ready", "host", cfg.Postgres.Host, "db", cfg.Postgres.DB, "location_match", cfg.LocationMatch)

	store := postgres.NewStore(db, cfg.LocationMatch, clockwork.NewRealClock(), metrics, logger)
	srv := httpadapter.NewServer(cfg.APIAddr, api.NewRouter(store, logger, metrics), logger)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := db.Close(); err != nil {
		logger.Error("postgres close error", "error", err)
	}

	logger.Info("shutdown complete")
}
