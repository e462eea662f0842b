package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SettlementMetrics counts settlement outcomes, webhook handling and
// manual-intervention alerts.
type SettlementMetrics struct {
	operations    *prometheus.CounterVec
	webhooks      *prometheus.CounterVec
	interventions *prometheus.CounterVec
}

// NewSettlementMetrics registers the settlement counters on reg. A nil reg
// yields a no-op recorder.
func NewSettlementMetrics(reg prometheus.Registerer) *SettlementMetrics {
	if reg == nil {
		return &SettlementMetrics{}
	}
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_operations_total",
		Help: "Settlement operations by outcome.",
	}, []string{"operation", "outcome"})
	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_webhook_events_total",
		Help: "Processor webhook events by type and result.",
	}, []string{"type", "result"})
	interventions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_manual_interventions_total",
		Help: "Conditions that require an operator to reconcile a purchase.",
	}, []string{"reason"})
	reg.MustRegister(operations, webhooks, interventions)
	return &SettlementMetrics{
		operations:    operations,
		webhooks:      webhooks,
		interventions: interventions,
	}
}

func (m *SettlementMetrics) IncOperation(operation, outcome string) {
	if m == nil || m.operations == nil {
		return
	}
	m.operations.WithLabelValues(normalizeLabel(operation), normalizeLabel(outcome)).Inc()
}

func (m *SettlementMetrics) IncWebhook(eventType, result string) {
	if m == nil || m.webhooks == nil {
		return
	}
	m.webhooks.WithLabelValues(normalizeLabel(eventType), normalizeLabel(result)).Inc()
}

func (m *SettlementMetrics) IncManualIntervention(reason string) {
	if m == nil || m.interventions == nil {
		return
	}
	m.interventions.WithLabelValues(normalizeLabel(reason)).Inc()
}
