package server

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/perihelia/guildvault/pkg/jobs"
)

// Metrics holds all Prometheus metrics for the server
type Metrics struct {
	// Job metrics
	jobsStarted  *prometheus.CounterVec
	jobsFinished *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	jobItems     *prometheus.CounterVec

	// HTTP metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// WebSocket metrics
	wsClients prometheus.Gauge
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		jobsStarted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guildvault_jobs_started_total",
				Help: "Total number of background jobs started by kind",
			},
			[]string{"kind"},
		),
		jobsFinished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guildvault_jobs_finished_total",
				Help: "Total number of background jobs finished by kind and status",
			},
			[]string{"kind", "status"},
		),
		jobDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guildvault_job_duration_seconds",
				Help:    "Time background jobs took from start to terminal state",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
			},
			[]string{"kind"},
		),
		jobItems: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guildvault_job_items_total",
				Help: "Total number of items processed by finished jobs by kind",
			},
			[]string{"kind"},
		),
		httpRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guildvault_http_requests_total",
				Help: "Total number of HTTP requests by method and status code",
			},
			[]string{"method", "status"},
		),
		httpDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guildvault_http_request_duration_seconds",
				Help:    "Time taken to serve HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		wsClients: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "guildvault_websocket_clients",
				Help: "Current number of connected websocket clients",
			},
		),
	}
}

// JobStarted increments the started counter for a job kind
func (m *Metrics) JobStarted(kind string) {
	m.jobsStarted.WithLabelValues(kind).Inc()
}

// JobFinished records a job reaching a terminal state
func (m *Metrics) JobFinished(kind string, status jobs.Status, seconds float64, items int) {
	m.jobsFinished.WithLabelValues(kind, string(status)).Inc()
	m.jobDuration.WithLabelValues(kind).Observe(seconds)
	m.jobItems.WithLabelValues(kind).Add(float64(items))
}

// RecordHTTPRequest records one served request
func (m *Metrics) RecordHTTPRequest(method string, status int, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordWSConnect increments the connected websocket client gauge
func (m *Metrics) RecordWSConnect() {
	m.wsClients.Inc()
}

// RecordWSDisconnect decrements the connected websocket client gauge
func (m *Metrics) RecordWSDisconnect() {
	m.wsClients.Dec()
}
