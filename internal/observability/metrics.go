package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "weather_ingest"

// Delivery outcomes recorded by the forwarder.
const (
	OutcomeForwarded = "forwarded"
	OutcomeRequeued  = "requeued"
	OutcomeDropped   = "dropped"
)

// Upsert outcomes recorded by the store.
const (
	UpsertCreated = "created"
	UpsertUpdated = "updated"
	UpsertFailed  = "failed"
)

// Metrics holds the Prometheus collectors for both the forwarder and the
// ingestion API. Each binary only moves the collectors it owns.
type Metrics struct {
	// Forwarder.
	Deliveries       *prometheus.CounterVec // labels: outcome={forwarded,requeued,dropped}
	ForwardDuration  prometheus.Histogram
	ForwarderRunning prometheus.Gauge

	// Upsert engine.
	Upserts        *prometheus.CounterVec // labels: outcome={created,updated,failed}
	UpsertDuration prometheus.Histogram

	// Ingestion API.
	HTTPRequests        *prometheus.CounterVec   // labels: route, method, status
	HTTPRequestDuration *prometheus.HistogramVec // labels: route, method
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, so tests can
// build as many as they like.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Queue deliveries handled by the forwarder, by outcome.",
		}, []string{"outcome"}),
		ForwardDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forward_duration_seconds",
			Help:      "Duration of a relay POST to the ingestion API.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		ForwarderRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "forwarder_running",
			Help:      "1 while the forwarder consume loop is active, 0 otherwise.",
		}),
		Upserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upserts_total",
			Help:      "Observation upserts by outcome.",
		}, []string{"outcome"}),
		UpsertDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upsert_duration_seconds",
			Help:      "Duration of one upsert transaction.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Ingestion API requests by route and status.",
		}, []string{"route", "method", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Ingestion API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Deliveries,
		m.ForwardDuration,
		m.ForwarderRunning,
		m.Upserts,
		m.UpsertDuration,
		m.HTTPRequests,
		m.HTTPRequestDuration,
	}
}
