//go:build integration

package integration_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcrabbitmq "github.com/testcontainers/testcontainers-go/modules/rabbitmq"

	"github.com/couchcryptid/weather-ingest-service/internal/adapter/postgres"
	"github.com/couchcryptid/weather-ingest-service/internal/adapter/rabbitmq"
	"github.com/couchcryptid/weather-ingest-service/internal/domain"
	"github.com/couchcryptid/weather-ingest-service/internal/observability"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startPostgres runs a throwaway database with the schema applied for match.
func startPostgres(ctx context.Context, t *testing.T, match domain.LocationMatch) *sqlx.DB {
	t.Helper()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("weather"),
		tcpostgres.WithUsername("weather"),
		tcpostgres.WithPassword("weather"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "start postgres container")

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := postgres.Connect(ctx, dsn, 5)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, postgres.ApplySchema(ctx, db, match))
	return db
}

func newStore(db *sqlx.DB, match domain.LocationMatch) *postgres.Store {
	return postgres.NewStore(db, match, clockwork.NewRealClock(), observability.NewMetricsForTesting(), discardLogger())
}

// startRabbitMQ runs a throwaway broker and returns an open connection to it.
func startRabbitMQ(ctx context.Context, t *testing.T) *rabbitmq.Connection {
	t.Helper()

	ctr, err := tcrabbitmq.Run(ctx, "rabbitmq:3.13-management-alpine")
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "start rabbitmq container")

	url, err := ctr.AmqpURL(ctx)
	require.NoError(t, err)

	conn, err := rabbitmq.Dial(ctx, url, rabbitmq.DefaultDialPolicy(30*time.Second), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}
