package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/weather-ingest-service/internal/domain"
	"github.com/couchcryptid/weather-ingest-service/internal/observability"
)

// measurementColumns lists the observation measurement columns in struct order.
var measurementColumns = dbColumns(reflect.TypeOf(domain.Measurements{}))

const locationColumns = `id, name, region, country, lat, lon, tz_id, created_at, updated_at`

const (
	selectLocationByCoordinates = `SELECT ` + locationColumns + ` FROM locations WHERE lat = $1 AND lon = $2`
	selectLocationByName        = `SELECT ` + locationColumns + ` FROM locations WHERE name = $1 AND country = $2 AND lat = $3 AND lon = $4`
	insertLocation              = `INSERT INTO locations (name, region, country, lat, lon, tz_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT DO NOTHING
		RETURNING ` + locationColumns

	conditionColumns      = `id, code, text, icon, created_at, updated_at`
	selectConditionByCode = `SELECT ` + conditionColumns + ` FROM conditions WHERE code = $1`
	insertCondition       = `INSERT INTO conditions (code, text, icon, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT DO NOTHING
		RETURNING ` + conditionColumns

	selectObservationForUpdate = `SELECT id, created_at FROM observations
		WHERE location_id = $1 AND condition_id = $2 AND observed_at_epoch = $3
		FOR UPDATE`
)

var (
	insertObservation = buildInsertObservation()
	updateObservation = buildUpdateObservation()
	selectObservation = buildSelectObservation()
)

// Store is the upsert engine and read side for observations.
type Store struct {
	db      *sqlx.DB
	match   domain.LocationMatch
	clock   clockwork.Clock
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewStore creates a Store. The clock stamps created_at and updated_at.
func NewStore(db *sqlx.DB, match domain.LocationMatch, clock clockwork.Clock, metrics *observability.Metrics, logger *slog.Logger) *Store {
	return &Store{db: db, match: match, clock: clock, metrics: metrics, logger: logger}
}

// observationRow is the observations table row used for named binding.
type observationRow struct {
	ID               int64  `db:"id"`
	LocationID       int64  `db:"location_id"`
	ConditionID      int64  `db:"condition_id"`
	ObservedAtEpoch  int64  `db:"observed_at_epoch"`
	ObservedAtText   string `db:"observed_at_text"`
	LastUpdatedEpoch int64  `db:"last_updated_epoch"`
	LastUpdatedText  string `db:"last_updated_text"`
	domain.Measurements
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// RecordObservation inserts or updates the observation identified by
// (location, condition, observed_at_epoch) in a single transaction, creating
// the location and condition rows on first reference. Repeating the call
// with the same input leaves one row with a stable id; only updated_at moves.
func (s *Store) RecordObservation(ctx context.Context, in domain.ObservationInput) (domain.Observation, error) {
	start := time.Now()
	obs, created, err := s.recordObservation(ctx, in)
	s.metrics.UpsertDuration.Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		s.metrics.Upserts.WithLabelValues(observability.UpsertFailed).Inc()
		return domain.Observation{}, err
	case created:
		s.metrics.Upserts.WithLabelValues(observability.UpsertCreated).Inc()
	default:
		s.metrics.Upserts.WithLabelValues(observability.UpsertUpdated).Inc()
	}
	s.logger.Debug("observation recorded",
		"id", obs.ID,
		"location_id", obs.Location.ID,
		"condition_code", obs.Condition.Code,
		"observed_at_epoch", obs.ObservedAtEpoch,
		"created", created,
	)
	return obs, nil
}

func (s *Store) recordObservation(ctx context.Context, in domain.ObservationInput) (domain.Observation, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Observation{}, false, &domain.PersistenceError{Op: "begin", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	now := s.clock.Now().UTC()

	loc, err := s.resolveLocation(ctx, tx, in.LocationIdentity(), now)
	if err != nil {
		return domain.Observation{}, false, &domain.PersistenceError{Op: "resolve location", Err: err}
	}
	cond, err := resolveCondition(ctx, tx, in.ConditionIdentity(), now)
	if err != nil {
		return domain.Observation{}, false, &domain.PersistenceError{Op: "resolve condition", Err: err}
	}

	epoch, text := in.ObservedAt()
	row := observationRow{
		LocationID:       loc.ID,
		ConditionID:      cond.ID,
		ObservedAtEpoch:  epoch,
		ObservedAtText:   text,
		LastUpdatedEpoch: in.Current.LastUpdatedEpoch,
		LastUpdatedText:  in.Current.LastUpdated,
		Measurements:     in.Current.Measurements,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	created := false
	err = tx.QueryRowxContext(ctx, selectObservationForUpdate, loc.ID, cond.ID, epoch).Scan(&row.ID, &row.CreatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		created, err = insertRow(ctx, tx, &row)
		if err != nil {
			return domain.Observation{}, false, &domain.PersistenceError{Op: "insert observation", Err: err}
		}
	case err != nil:
		return domain.Observation{}, false, &domain.PersistenceError{Op: "lock observation", Err: err}
	default:
		if err := updateRow(ctx, tx, &row); err != nil {
			return domain.Observation{}, false, &domain.PersistenceError{Op: "update observation", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Observation{}, false, &domain.PersistenceError{Op: "commit", Err: err}
	}
	return row.toObservation(loc, cond), created, nil
}

// insertRow inserts row, or updates the row a concurrent transaction
// inserted first. It reports whether this call created the row.
func insertRow(ctx context.Context, tx *sqlx.Tx, row *observationRow) (bool, error) {
	rows, err := sqlx.NamedQueryContext(ctx, tx, insertObservation, row)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return false, err
		}
		return false, sql.ErrNoRows
	}
	var inserted bool
	if err := rows.Scan(&row.ID, &row.CreatedAt, &row.UpdatedAt, &inserted); err != nil {
		return false, err
	}
	return inserted, rows.Err()
}

// updateRow overwrites the locked row and reads back the stored updated_at.
func updateRow(ctx context.Context, tx *sqlx.Tx, row *observationRow) error {
	rows, err := sqlx.NamedQueryContext(ctx, tx, updateObservation, row)
	if err != nil {
		return err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return sql.ErrNoRows
	}
	if err := rows.Scan(&row.UpdatedAt); err != nil {
		return err
	}
	return rows.Err()
}

func (s *Store) resolveLocation(ctx context.Context, tx *sqlx.Tx, loc domain.Location, now time.Time) (domain.Location, error) {
	query, args := selectLocationByCoordinates, []any{loc.Lat, loc.Lon}
	if s.match == domain.MatchNameAndCoordinates {
		query, args = selectLocationByName, []any{loc.Name, loc.Country, loc.Lat, loc.Lon}
	}

	var out domain.Location
	err := tx.GetContext(ctx, &out, query, args...)
	if err == nil || !errors.Is(err, sql.ErrNoRows) {
		return out, err
	}

	err = tx.GetContext(ctx, &out, insertLocation, loc.Name, loc.Region, loc.Country, loc.Lat, loc.Lon, loc.TzID, now)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the race to a concurrent insert; read the winner.
		err = tx.GetContext(ctx, &out, query, args...)
	}
	return out, err
}

func resolveCondition(ctx context.Context, tx *sqlx.Tx, cond domain.Condition, now time.Time) (domain.Condition, error) {
	var out domain.Condition
	err := tx.GetContext(ctx, &out, selectConditionByCode, cond.Code)
	if err == nil || !errors.Is(err, sql.ErrNoRows) {
		return out, err
	}

	err = tx.GetContext(ctx, &out, insertCondition, cond.Code, cond.Text, cond.Icon, now)
	if errors.Is(err, sql.ErrNoRows) {
		err = tx.GetContext(ctx, &out, selectConditionByCode, cond.Code)
	}
	return out, err
}

func (r observationRow) toObservation(loc domain.Location, cond domain.Condition) domain.Observation {
	return domain.Observation{
		ID:               r.ID,
		Location:         loc,
		Condition:        cond,
		ObservedAtEpoch:  r.ObservedAtEpoch,
		ObservedAt:       r.ObservedAtText,
		LastUpdatedEpoch: r.LastUpdatedEpoch,
		LastUpdated:      r.LastUpdatedText,
		Measurements:     r.Measurements,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func buildInsertObservation() string {
	cols := append([]string{
		"location_id", "condition_id", "observed_at_epoch", "observed_at_text",
		"last_updated_epoch", "last_updated_text",
	}, measurementColumns...)
	cols = append(cols, "created_at", "updated_at")

	params := make([]string, len(cols))
	for i, c := range cols {
		params[i] = ":" + c
	}

	// created_at is left alone when a concurrent insert won.
	mutable := mutableColumns()
	sets := make([]string, 0, len(mutable)+1)
	for _, c := range mutable {
		sets = append(sets, c+" = EXCLUDED."+c)
	}
	sets = append(sets, "updated_at = GREATEST(observations.updated_at, EXCLUDED.updated_at)")

	return fmt.Sprintf(`INSERT INTO observations (%s) VALUES (%s)
		ON CONFLICT (location_id, condition_id, observed_at_epoch) DO UPDATE SET %s
		RETURNING id, created_at, updated_at, (xmax = 0) AS inserted`,
		strings.Join(cols, ", "), strings.Join(params, ", "), strings.Join(sets, ", "))
}

func buildUpdateObservation() string {
	mutable := mutableColumns()
	sets := make([]string, 0, len(mutable)+1)
	for _, c := range mutable {
		sets = append(sets, c+" = :"+c)
	}
	// updated_at never moves backwards, even if the clock does.
	sets = append(sets, "updated_at = GREATEST(updated_at, :updated_at)")
	return fmt.Sprintf(`UPDATE observations SET %s WHERE id = :id RETURNING updated_at`, strings.Join(sets, ", "))
}

// mutableColumns are the observation columns a repeat delivery overwrites.
func mutableColumns() []string {
	return append([]string{"observed_at_text", "last_updated_epoch", "last_updated_text"}, measurementColumns...)
}

func buildSelectObservation() string {
	cols := []string{
		"o.id", "o.location_id", "o.condition_id", "o.observed_at_epoch", "o.observed_at_text",
		"o.last_updated_epoch", "o.last_updated_text",
	}
	for _, c := range measurementColumns {
		cols = append(cols, "o."+c)
	}
	cols = append(cols, "o.created_at", "o.updated_at")
	for _, c := range strings.Split(locationColumns, ", ") {
		cols = append(cols, fmt.Sprintf(`l.%s AS "location.%s"`, c, c))
	}
	for _, c := range strings.Split(conditionColumns, ", ") {
		cols = append(cols, fmt.Sprintf(`c.%s AS "condition.%s"`, c, c))
	}
	return `SELECT ` + strings.Join(cols, ", ") + `
		FROM observations o
		JOIN locations l ON l.id = o.location_id
		JOIN conditions c ON c.id = o.condition_id`
}

func dbColumns(t reflect.Type) []string {
	cols := make([]string, 0, t.NumField())
	for i := range t.NumField() {
		if tag := t.Field(i).Tag.Get("db"); tag != "" && tag != "-" {
			cols = append(cols, tag)
		}
	}
	return cols
}
