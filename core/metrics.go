package core

import "github.com/prometheus/client_golang/prometheus"

const (
	OutcomeReturning = "returning"
	OutcomeLinked    = "linked"
	OutcomeCreated   = "created"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Metrics counts reconciliation outcomes. A nil *Metrics records nothing.
type Metrics struct {
	reconciles *prometheus.CounterVec
	conflicts  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "idgate",
			Name:      "reconcile_total",
			Help:      "Identity reconciliations by provider and outcome.",
		}, []string{"provider", "outcome"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "idgate",
			Name:      "reconcile_conflicts_total",
			Help:      "Store uniqueness conflicts recovered by re-running the lookup.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.reconciles, m.conflicts)
	}
	return m
}

func (m *Metrics) observe(provider Provider, outcome string) {
	if m == nil {
		return
	}
	m.reconciles.WithLabelValues(string(provider), outcome).Inc()
}

func (m *Metrics) conflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}
