// Package metrics exposes Prometheus counters for the tracker session.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the client's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	PollsTotal         prometheus.Counter
	PollFailuresTotal  *prometheus.CounterVec
	ReseedsTotal       *prometheus.CounterVec
	OptimisticTotal    *prometheus.CounterVec
	ReplayedTotal      prometheus.Counter
	OutboxDepth        prometheus.Gauge
	StaleResponseTotal prometheus.Counter
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "joblog_polls_total",
			Help: "Snapshot refreshes attempted.",
		}),
		PollFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "joblog_poll_failures_total",
			Help: "Snapshot refreshes that failed, by reason.",
		}, []string{"reason"}),
		ReseedsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "joblog_reseeds_total",
			Help: "Client clocks seeded or reseeded from the server value, by reason.",
		}, []string{"reason"}),
		OptimisticTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "joblog_optimistic_mutations_total",
			Help: "Mutations applied locally before the server confirmed them, by kind.",
		}, []string{"kind"}),
		ReplayedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "joblog_outbox_replayed_total",
			Help: "Outbox entries delivered on replay.",
		}),
		OutboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "joblog_outbox_depth",
			Help: "Mutations waiting in the outbox.",
		}),
		StaleResponseTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "joblog_stale_responses_total",
			Help: "Snapshot responses discarded because a newer refresh superseded them.",
		}),
	}
	m.registry.MustRegister(
		m.PollsTotal,
		m.PollFailuresTotal,
		m.ReseedsTotal,
		m.OptimisticTotal,
		m.ReplayedTotal,
		m.OutboxDepth,
		m.StaleResponseTotal,
	)
	return m
}

// RecordPoll counts a refresh attempt.
func (m *Metrics) RecordPoll() { m.PollsTotal.Inc() }

// RecordPollFailure counts a failed refresh.
func (m *Metrics) RecordPollFailure(reason string) { m.PollFailuresTotal.WithLabelValues(reason).Inc() }

// RecordReseed counts a clock reseed.
func (m *Metrics) RecordReseed(reason string) { m.ReseedsTotal.WithLabelValues(reason).Inc() }

// RecordOptimistic counts a locally applied mutation.
func (m *Metrics) RecordOptimistic(kind string) { m.OptimisticTotal.WithLabelValues(kind).Inc() }

// RecordReplayed counts a delivered outbox entry.
func (m *Metrics) RecordReplayed() { m.ReplayedTotal.Inc() }

// RecordStale counts a discarded superseded response.
func (m *Metrics) RecordStale() { m.StaleResponseTotal.Inc() }

// SetOutboxDepth sets the outbox gauge.
func (m *Metrics) SetOutboxDepth(n int) { m.OutboxDepth.Set(float64(n)) }

// Handler returns the /metrics handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
