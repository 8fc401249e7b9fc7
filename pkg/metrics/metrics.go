// Package metrics holds the Prometheus collectors shared by the services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "powerex"

// Outcome label values.
const (
	OutcomeAdmitted  = "admitted"
	OutcomeRejected  = "rejected"
	OutcomeDuplicate = "duplicate"
	OutcomeApplied   = "applied"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeNotFound  = "not_found"
)

type Metrics struct {
	Admissions      *prometheus.CounterVec
	Matches         *prometheus.CounterVec
	MatchedQuantity *prometheus.CounterVec
	Settlements     *prometheus.CounterVec
	Cancels         *prometheus.CounterVec
	Withdrawals     *prometheus.CounterVec
	Requeues        *prometheus.CounterVec
	MatchLoop       prometheus.Histogram
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Admission checks by outcome",
		}, []string{"outcome"}),
		Matches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_total",
			Help:      "Match events emitted",
		}, []string{"symbol"}),
		MatchedQuantity: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matched_quantity_total",
			Help:      "Quantity traded",
		}, []string{"symbol"}),
		Settlements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Settlements by outcome",
		}, []string{"outcome"}),
		Cancels: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancels_total",
			Help:      "Cancel requests by outcome",
		}, []string{"outcome"}),
		Withdrawals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawals_total",
			Help:      "Orders cancelled because the book would not take them back",
		}, []string{"symbol"}),
		Requeues: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requeues_total",
			Help:      "Order quantities handed back after a match failed to settle",
		}, []string{"symbol"}),
		MatchLoop: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "match_loop_seconds",
			Help:      "Time spent matching one admitted order",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
}

// NewNop returns collectors bound to a private registry, for tests and
// components constructed without metrics.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
