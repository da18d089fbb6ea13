// Package api is the ingestion HTTP API: it validates observation payloads,
// hands them to the upsert engine, and serves the stored records.
package api

import (
	"context"
	"log/slog"
	"net/http"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/weather-ingest-service/internal/domain"
	"github.com/couchcryptid/weather-ingest-service/internal/observability"
)

// Store persists and reads observations.
type Store interface {
	RecordObservation(ctx context.Context, in domain.ObservationInput) (domain.Observation, error)
	Get(ctx context.Context, id int64) (domain.Observation, error)
	List(ctx context.Context, page, pageSize int) (domain.Page, error)
	ListByLocationName(ctx context.Context, name string, page, pageSize int) (domain.Page, error)
	LatestByLocationName(ctx context.Context, name string) (domain.Observation, error)
	CheckReadiness(ctx context.Context) error
}

// NewRouter builds the gin engine with all routes and middleware.
func NewRouter(store Store, logger *slog.Logger, metrics *observability.Metrics) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(
		requestID(),
		accessLog(logger),
		recordMetrics(metrics),
		recovery(logger),
	)

	h := &handler{store: store, logger: logger}

	r.GET("/health", h.health)
	r.GET("/healthz", gin.WrapF(sharedobs.LivenessHandler()))
	r.GET("/readyz", gin.WrapF(sharedobs.ReadinessHandler(store)))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	weather := r.Group("/api/weather")
	weather.POST("", h.create)
	weather.GET("", h.list)
	weather.GET("/:id", h.get)
	weather.GET("/location/:name", h.listByLocation)
	weather.GET("/location/:name/latest", h.latestByLocation)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorBody("not found"))
	})
	return r
}
