// Package metrics exposes Prometheus instruments for the broker.
//
// A nil *Metrics is valid and records nothing, so tests and the CLI eval
// path can run brokers without a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the sheetsync instruments registered on one registry.
type Metrics struct {
	mutationsApplied  prometheus.Counter
	mutationsRejected *prometheus.CounterVec
	recomputedCells   prometheus.Counter
	applyDuration     prometheus.Histogram
	activeDocuments   prometheus.Gauge
	subscribers       prometheus.Gauge
	droppedSubs       prometheus.Counter
}

// New registers the instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		mutationsApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "sheetsync_mutations_applied_total",
			Help: "Mutations committed by document brokers",
		}),
		mutationsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sheetsync_mutations_rejected_total",
			Help: "Mutations rejected by document brokers, by error code",
		}, []string{"code"}),
		recomputedCells: f.NewCounter(prometheus.CounterOpts{
			Name: "sheetsync_recomputed_cells_total",
			Help: "Dependent formula cells re-evaluated after a commit",
		}),
		applyDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sheetsync_apply_duration_seconds",
			Help:    "Time to validate, commit, persist and broadcast one mutation",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		activeDocuments: f.NewGauge(prometheus.GaugeOpts{
			Name: "sheetsync_active_documents",
			Help: "Documents with a running broker",
		}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "sheetsync_subscribers",
			Help: "Live subscriptions across all documents",
		}),
		droppedSubs: f.NewCounter(prometheus.CounterOpts{
			Name: "sheetsync_subscribers_dropped_total",
			Help: "Subscribers disconnected because their outbox overflowed",
		}),
	}
}

// MutationApplied records a commit and the number of dependents recomputed.
func (m *Metrics) MutationApplied(recomputed int, took time.Duration) {
	if m == nil {
		return
	}
	m.mutationsApplied.Inc()
	m.recomputedCells.Add(float64(recomputed))
	m.applyDuration.Observe(took.Seconds())
}

// MutationRejected records a rejected mutation.
func (m *Metrics) MutationRejected(code string) {
	if m == nil {
		return
	}
	m.mutationsRejected.WithLabelValues(code).Inc()
}

// DocumentOpened and DocumentClosed track running brokers.
func (m *Metrics) DocumentOpened() {
	if m == nil {
		return
	}
	m.activeDocuments.Inc()
}

func (m *Metrics) DocumentClosed() {
	if m == nil {
		return
	}
	m.activeDocuments.Dec()
}

// SubscriberAdded and SubscriberRemoved track live subscriptions.
func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

// SubscriberDropped records a slow subscriber being cut off.
func (m *Metrics) SubscriberDropped() {
	if m == nil {
		return
	}
	m.droppedSubs.Inc()
}
