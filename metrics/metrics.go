/*
Package metrics collects Prometheus metrics for the controller.

Metrics live on a private registry so tests and embedders can create as many
collectors as they like:

	m := metrics.New()
	stager.Metrics = m
	http.Handle("/metrics", m.Handler())
*/
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	Registry *prometheus.Registry

	// Attach metrics
	Attaches       *prometheus.CounterVec
	AttachDuration prometheus.Histogram
	SessionsActive prometheus.Gauge

	// Agent request metrics
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	StaleResults    prometheus.Counter

	// Payload metrics
	Stagings *prometheus.CounterVec

	// Event push metrics
	EventClients prometheus.Gauge
}

// New creates a collector registered on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,

		Attaches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jvmx_attaches_total",
				Help: "Attach attempts by outcome",
			},
			[]string{"runtime", "outcome"},
		),
		AttachDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "jvmx_attach_duration_seconds",
				Help:    "Time from attach request to a connected agent",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		SessionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "jvmx_sessions_active",
				Help: "Number of attached sessions",
			},
		),

		Requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jvmx_agent_requests_total",
				Help: "Agent requests by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jvmx_agent_request_duration_seconds",
				Help:    "Agent request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),
		StaleResults: f.NewCounter(
			prometheus.CounterOpts{
				Name: "jvmx_stale_results_total",
				Help: "Results dropped because their session ended",
			},
		),

		Stagings: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jvmx_payload_stagings_total",
				Help: "Payload staging calls by outcome",
			},
			[]string{"outcome"},
		),

		EventClients: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "jvmx_event_clients",
				Help: "Connected event push clients",
			},
		),
	}
}

// ObserveStaging counts one staging call.
func (m *Metrics) ObserveStaging(outcome string) {
	m.Stagings.WithLabelValues(outcome).Inc()
}

// ObserveAttach records a finished attach attempt.
func (m *Metrics) ObserveAttach(runtime string, err error, elapsed time.Duration) {
	m.Attaches.WithLabelValues(runtime, outcome(err)).Inc()
	if err == nil {
		m.AttachDuration.Observe(elapsed.Seconds())
	}
}

// ObserveRequest records one agent request.
func (m *Metrics) ObserveRequest(operation string, err error, elapsed time.Duration) {
	m.Requests.WithLabelValues(operation, outcome(err)).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *Metrics) SetSessionActive(active bool) {
	if active {
		m.SessionsActive.Set(1)
	} else {
		m.SessionsActive.Set(0)
	}
}

func (m *Metrics) ObserveStale() {
	m.StaleResults.Inc()
}

func (m *Metrics) ClientConnected()    { m.EventClients.Inc() }
func (m *Metrics) ClientDisconnected() { m.EventClients.Dec() }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
