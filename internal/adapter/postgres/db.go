// Package postgres persists observations and their location and condition
// dimensions in PostgreSQL.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/couchcryptid/weather-ingest-service/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// Location identity indexes. Exactly one exists at a time, chosen by the
// configured match policy.
const (
	coordinatesIndex = `CREATE UNIQUE INDEX IF NOT EXISTS uq_locations_coordinates ON locations (lat, lon)`
	nameIndex        = `CREATE UNIQUE INDEX IF NOT EXISTS uq_locations_name_coordinates ON locations (name, country, lat, lon)`
	dropCoordinates  = `DROP INDEX IF EXISTS uq_locations_coordinates`
	dropName         = `DROP INDEX IF EXISTS uq_locations_name_coordinates`
)

// Connect opens a pooled connection and verifies it with a ping.
func Connect(ctx context.Context, dsn string, maxOpenConns int) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// ApplySchema creates the tables and indexes if they are missing and installs
// the location identity index for match. Switching policy drops the other
// index; switching to coordinates fails if two rows already share lat/lon.
func ApplySchema(ctx context.Context, db *sqlx.DB, match domain.LocationMatch) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmts := []string{schemaSQL}
	switch match {
	case domain.MatchNameAndCoordinates:
		stmts = append(stmts, dropCoordinates, nameIndex)
	default:
		stmts = append(stmts, dropName, coordinatesIndex)
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return tx.Commit()
}
