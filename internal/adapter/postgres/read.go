package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/couchcryptid/weather-ingest-service/internal/domain"
)

const newestFirst = ` ORDER BY o.created_at DESC, o.id DESC`

// observationView is one joined read row.
type observationView struct {
	observationRow
	Location  domain.Location  `db:"location"`
	Condition domain.Condition `db:"condition"`
}

// Get returns the observation with id, or domain.ErrNotFound.
func (s *Store) Get(ctx context.Context, id int64) (domain.Observation, error) {
	var v observationView
	err := s.db.GetContext(ctx, &v, selectObservation+` WHERE o.id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Observation{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Observation{}, fmt.Errorf("get observation %d: %w", id, err)
	}
	return v.toObservation(), nil
}

// List returns one page of all observations, newest first.
func (s *Store) List(ctx context.Context, page, pageSize int) (domain.Page, error) {
	return s.page(ctx, "", nil, page, pageSize)
}

// ListByLocationName returns observations whose location name contains name,
// case-insensitively, newest first.
func (s *Store) ListByLocationName(ctx context.Context, name string, page, pageSize int) (domain.Page, error) {
	return s.page(ctx, ` WHERE l.name ILIKE $1`, []any{containsPattern(name)}, page, pageSize)
}

// LatestByLocationName returns the newest observation for a location name
// match, or domain.ErrNotFound.
func (s *Store) LatestByLocationName(ctx context.Context, name string) (domain.Observation, error) {
	var v observationView
	err := s.db.GetContext(ctx, &v, selectObservation+` WHERE l.name ILIKE $1`+newestFirst+` LIMIT 1`, containsPattern(name))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Observation{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Observation{}, fmt.Errorf("latest observation for %q: %w", name, err)
	}
	return v.toObservation(), nil
}

// CheckReadiness pings the database.
func (s *Store) CheckReadiness(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) page(ctx context.Context, where string, args []any, page, pageSize int) (domain.Page, error) {
	out := domain.Page{Page: page, PageSize: pageSize, Records: []domain.Observation{}}

	count := `SELECT COUNT(*) FROM observations o JOIN locations l ON l.id = o.location_id` + where
	if err := s.db.GetContext(ctx, &out.Total, count, args...); err != nil {
		return domain.Page{}, fmt.Errorf("count observations: %w", err)
	}
	if out.Total == 0 {
		return out, nil
	}

	n := len(args)
	query := fmt.Sprintf(`%s%s%s LIMIT $%d OFFSET $%d`, selectObservation, where, newestFirst, n+1, n+2)
	args = append(args, pageSize, (page-1)*pageSize)

	var views []observationView
	if err := s.db.SelectContext(ctx, &views, query, args...); err != nil {
		return domain.Page{}, fmt.Errorf("list observations: %w", err)
	}
	for _, v := range views {
		out.Records = append(out.Records, v.toObservation())
	}
	return out, nil
}

func (v observationView) toObservation() domain.Observation {
	return v.observationRow.toObservation(v.Location, v.Condition)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern builds an ILIKE pattern matching name anywhere, with any
// wildcard characters in name matched literally.
func containsPattern(name string) string {
	return "%" + likeEscaper.Replace(name) + "%"
}
