// Command e2e checks a running pipeline end to end: it verifies RabbitMQ,
// the ingestion API, and PostgreSQL are reachable, publishes an observation,
// waits for it to appear through the API, then republishes a changed copy and
// verifies the upsert kept a single row with a stable id.
//
// Connection settings come from the same environment variables as the
// services.
//
// Usage:
//
//	go run ./cmd/e2e -api http://localhost:8000 -wait 60s
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/couchcryptid/weather-ingest-service/internal/adapter/postgres"
	"github.com/couchcryptid/weather-ingest-service/internal/adapter/rabbitmq"
	"github.com/couchcryptid/weather-ingest-service/internal/config"
	"github.com/couchcryptid/weather-ingest-service/internal/domain"
)

// phase tracks pass/fail for one check.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

type env struct {
	cfg    *config.Config
	api    string
	wait   time.Duration
	http   *http.Client
	logger *slog.Logger

	conn *rabbitmq.Connection
	db   *sqlx.DB
}

func main() {
	apiURL := flag.String("api", "http://localhost:8000", "ingestion API base URL")
	wait := flag.Duration("wait", 60*time.Second, "how long to wait for a published message to be stored")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load config: %v\n", err)
		os.Exit(1)
	}

	e := &env{
		cfg:    cfg,
		api:    *apiURL,
		wait:   *wait,
		http:   &http.Client{Timeout: 5 * time.Second},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	os.Exit(run(context.Background(), e))
}

func run(ctx context.Context, e *env) int {
	fmt.Println("=== Weather Pipeline E2E Check ===")
	fmt.Printf("API %s | queue %q | postgres %s:%d/%s\n\n",
		e.api, e.cfg.QueueName, e.cfg.Postgres.Host, e.cfg.Postgres.Port, e.cfg.Postgres.DB)

	health := checkHealth(ctx, e)
	phases := []*phase{health}
	defer e.close()

	if health.passed() {
		name := fmt.Sprintf("E2E Test City %s", uuid.NewString()[:8])
		payload := testPayload(name)

		ingest, first := checkIngest(ctx, e, payload, name)
		phases = append(phases, ingest)
		if ingest.passed() {
			phases = append(phases, checkUpsert(ctx, e, payload, name, first))
		}
	}

	fmt.Println()
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, msg := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, msg)
		}
	}

	if allPassed {
		fmt.Println("\nE2E check passed.")
		return 0
	}
	fmt.Println("\nE2E check FAILED.")
	return 1
}

func (e *env) close() {
	if e.conn != nil {
		e.conn.Close() //nolint:errcheck // exiting
	}
	if e.db != nil {
		e.db.Close() //nolint:errcheck // exiting
	}
}

func checkHealth(ctx context.Context, e *env) *phase {
	p := &phase{name: "Service health"}

	conn, err := rabbitmq.Dial(ctx, e.cfg.RabbitMQURL, &backoff.StopBackOff{}, e.logger)
	if err != nil {
		p.errorf("rabbitmq unreachable: %v", err)
	} else {
		e.conn = conn
	}

	var health struct {
		Status string `json:"status"`
	}
	if code, err := e.getJSON(ctx, "/health", &health); err != nil {
		p.errorf("api unreachable: %v", err)
	} else if code != http.StatusOK || health.Status != "healthy" {
		p.errorf("api /health returned %d %q", code, health.Status)
	}

	db, err := postgres.Connect(ctx, e.cfg.Postgres.DSN(), 2)
	if err != nil {
		p.errorf("postgres unreachable: %v", err)
	} else {
		e.db = db
	}
	return p
}

func checkIngest(ctx context.Context, e *env, payload map[string]any, name string) (*phase, domain.Observation) {
	p := &phase{name: "Publish and store"}

	if err := e.publish(ctx, payload); err != nil {
		p.errorf("%v", err)
		return p, domain.Observation{}
	}

	obs, err := e.awaitLatest(ctx, name, func(domain.Observation) bool { return true })
	if err != nil {
		p.errorf("%v", err)
		return p, domain.Observation{}
	}

	current := payload["current"].(map[string]any)
	if obs.TempC != current["temp_c"] {
		p.errorf("temp_c = %v, want %v", obs.TempC, current["temp_c"])
	}
	if obs.Humidity != current["humidity"] {
		p.errorf("humidity = %v, want %v", obs.Humidity, current["humidity"])
	}
	fmt.Printf("  stored observation id=%d temp_c=%.1f humidity=%d\n", obs.ID, obs.TempC, obs.Humidity)
	return p, obs
}

func checkUpsert(ctx context.Context, e *env, payload map[string]any, name string, first domain.Observation) *phase {
	p := &phase{name: "Redelivery upserts in place"}

	current := payload["current"].(map[string]any)
	newTemp := current["temp_c"].(float64) + 1.5
	current["temp_c"] = newTemp

	if err := e.publish(ctx, payload); err != nil {
		p.errorf("%v", err)
		return p
	}

	obs, err := e.awaitLatest(ctx, name, func(o domain.Observation) bool { return o.TempC == newTemp })
	if err != nil {
		p.errorf("%v", err)
		return p
	}
	if obs.ID != first.ID {
		p.errorf("id changed from %d to %d", first.ID, obs.ID)
	}
	if !obs.UpdatedAt.After(first.UpdatedAt) {
		p.errorf("updated_at did not advance: %s -> %s", first.UpdatedAt, obs.UpdatedAt)
	}
	if !obs.CreatedAt.Equal(first.CreatedAt) {
		p.errorf("created_at changed: %s -> %s", first.CreatedAt, obs.CreatedAt)
	}

	var rows int
	err = e.db.GetContext(ctx, &rows, `SELECT COUNT(*) FROM observations o
		JOIN locations l ON l.id = o.location_id WHERE l.name = $1`, name)
	if err != nil {
		p.errorf("count rows: %v", err)
	} else if rows != 1 {
		p.errorf("found %d observation rows for %q, want 1", rows, name)
	}
	return p
}

func (e *env) publish(ctx context.Context, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	pub, err := rabbitmq.NewPublisher(e.conn, e.cfg.QueueName)
	if err != nil {
		return fmt.Errorf("open publisher: %w", err)
	}
	defer pub.Close() //nolint:errcheck // short-lived channel

	id, err := pub.Publish(ctx, body)
	if err != nil {
		return err
	}
	fmt.Printf("  published message %s to %q\n", id, e.cfg.QueueName)
	return nil
}

// awaitLatest polls the latest-by-location endpoint until done accepts the
// record or the wait elapses.
func (e *env) awaitLatest(ctx context.Context, name string, done func(domain.Observation) bool) (domain.Observation, error) {
	deadline := time.Now().Add(e.wait)
	path := "/api/weather/location/" + url.PathEscape(name) + "/latest"

	for time.Now().Before(deadline) {
		var obs domain.Observation
		code, err := e.getJSON(ctx, path, &obs)
		if err != nil {
			return domain.Observation{}, err
		}
		if code == http.StatusOK && done(obs) {
			return obs, nil
		}
		time.Sleep(time.Second)
	}
	return domain.Observation{}, fmt.Errorf("record for %q not stored after %s", name, e.wait)
}

func (e *env) getJSON(ctx context.Context, path string, v any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.api+path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
	}
	return resp.StatusCode, nil
}

// testPayload builds an observation at unique coordinates so repeated runs
// never share a location row.
func testPayload(name string) map[string]any {
	now := time.Now().Unix()
	lat := -60 + rand.Float64()*120
	lon := -170 + rand.Float64()*340
	stamp := time.Unix(now, 0).UTC().Format("2006-01-02 15:04")

	return map[string]any{
		"location": map[string]any{
			"name":            name,
			"region":          "Test Region",
			"country":         "Test Country",
			"lat":             lat,
			"lon":             lon,
			"tz_id":           "UTC",
			"localtime_epoch": now,
			"localtime":       stamp,
		},
		"current": map[string]any{
			"last_updated_epoch": now,
			"last_updated":       stamp,
			"condition": map[string]any{
				"code": 1000,
				"text": "Clear",
				"icon": "//cdn.weatherapi.com/weather/128x128/night/113.png",
			},
			"temp_c": 15.0, "temp_f": 59.0,
			"feelslike_c": 14.0, "feelslike_f": 57.2,
			"windchill_c": 13.5, "windchill_f": 56.3,
			"heatindex_c": 15.0, "heatindex_f": 59.0,
			"dewpoint_c": 5.0, "dewpoint_f": 41.0,
			"wind_mph": 10.5, "wind_kph": 16.9, "wind_degree": 180, "wind_dir": "S",
			"gust_mph": 15.0, "gust_kph": 24.1,
			"pressure_mb": 1013.0, "pressure_in": 29.91,
			"precip_mm": 0.0, "precip_in": 0.0,
			"humidity": 65, "cloud": 10,
			"vis_km": 10.0, "vis_miles": 6.2,
			"uv": 0.0, "short_rad": 0.0, "diff_rad": 0.0, "dni": 0.0, "gti": 0.0,
			"is_day": 0,
		},
	}
}
