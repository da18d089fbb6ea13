package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/couchcryptid/weather-ingest-service/internal/adapter/apiclient"
	"github.com/couchcryptid/weather-ingest-service/internal/adapter/httpadapter"
	"github.com/couchcryptid/weather-ingest-service/internal/adapter/rabbitmq"
	"github.com/couchcryptid/weather-ingest-service/internal/config"
	"github.com/couchcryptid/weather-ingest-service/internal/forwarder"
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

	conn, err := rabbitmq.Dial(ctx, cfg.RabbitMQURL, rabbitmq.DefaultDialPolicy(cfg.ConnectMaxElapsed), logger)
	if err != nil {
		logger.Error("rabbitmq connect failed", "error", err)
		os.Exit(1)
	}

	consumer, err := rabbitmq.NewConsumer(conn, cfg.QueueName, logger)
	if err != nil {
		logger.Error("rabbitmq consumer setup failed", "error", err)
		os.Exit(1)
	}

	client := apiclient.New(cfg.IngestAPIURL, cfg.ForwardTimeout,
		apiclient.WithBreaker(cfg.BreakerFailures, cfg.BreakerCooldown),
		apiclient.WithLogger(logger),
	)

	opts := []forwarder.Option{
		forwarder.WithRetryBackoff(forwarder.DefaultRetryBackoff(cfg.RetryBackoffInitial, cfg.RetryBackoffMax)),
	}
	if cfg.DropOnClientError {
		opts = append(opts, forwarder.WithPermanentErrors(apiclient.IsClientError))
		logger.Warn("4xx responses from the ingestion api will drop messages")
	}
	fwd := forwarder.New(consumer, client, logger, metrics, opts...)

	srv := httpadapter.NewOpsServer(cfg.HTTPAddr, fwd, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start forwarder. A transport loss ends the process so the supervisor
	// can restart it against a fresh connection.
	runErr := make(chan error, 1)
	go func() { runErr <- fwd.Run(ctx) }()

	exitCode := 0
	select {
	case <-ctx.Done():
		err = <-runErr
	case err = <-runErr:
	}
	if err != nil {
		logger.Error("forwarder stopped", "error", err)
		exitCode = 1
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := consumer.Close(); err != nil {
		logger.Error("rabbitmq consumer close error", "error", err)
	}
	if err := conn.Close(); err != nil {
		logger.Error("rabbitmq close error", "error", err)
	}

	logger.Info("shutdown complete")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
