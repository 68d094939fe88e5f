package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the daemon's Prometheus collectors on a private registry
// so tests can run multiple instances without collisions.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive      prometheus.Gauge
	PairingsTotal       prometheus.Counter
	ProposalsTotal      *prometheus.CounterVec
	RequestsTotal       *prometheus.CounterVec
	SubmissionsTotal    *prometheus.CounterVec
	ErrorsTotal         *prometheus.CounterVec
	PendingRequestGauge prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lens_bridge",
			Name:      "sessions_active",
			Help:      "Currently established WalletConnect sessions.",
		}),
		PairingsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lens_bridge",
			Name:      "pairings_total",
			Help:      "Pairing attempts accepted by the transport.",
		}),
		ProposalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lens_bridge",
			Name:      "session_proposals_total",
			Help:      "Session proposals by outcome.",
		}, []string{"outcome"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lens_bridge",
			Name:      "session_requests_total",
			Help:      "Session requests by outcome.",
		}, []string{"outcome"}),
		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lens_bridge",
			Name:      "chain_submissions_total",
			Help:      "Owner-signed transaction submissions by confirmation state.",
		}, []string{"state"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lens_bridge",
			Name:      "errors_total",
			Help:      "Bridge errors by failing operation.",
		}, []string{"op"}),
		PendingRequestGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lens_bridge",
			Name:      "pending_request",
			Help:      "1 while a session request occupies the pending slot.",
		}),
	}

	registry.MustRegister(
		m.SessionsActive,
		m.PairingsTotal,
		m.ProposalsTotal,
		m.RequestsTotal,
		m.SubmissionsTotal,
		m.ErrorsTotal,
		m.PendingRequestGauge,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
