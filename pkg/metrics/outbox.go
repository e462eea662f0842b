package metrics

import "github.com/prometheus/client_golang/prometheus"

// OutboxMetrics tracks the outbox publisher's progress per topic.
type OutboxMetrics struct {
	published *prometheus.CounterVec
	failures  *prometheus.CounterVec
}

func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return &OutboxMetrics{}
	}
	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_outbox_published_total",
		Help: "Outbox events delivered to Pub/Sub.",
	}, []string{"topic"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_outbox_failures_total",
		Help: "Outbox publish failures by disposition (retry or dlq).",
	}, []string{"topic", "disposition"})
	reg.MustRegister(published, failures)
	return &OutboxMetrics{published: published, failures: failures}
}

func (m *OutboxMetrics) IncPublished(topic string) {
	if m == nil || m.published == nil {
		return
	}
	m.published.WithLabelValues(normalizeLabel(topic)).Inc()
}

func (m *OutboxMetrics) IncFailure(topic, disposition string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.WithLabelValues(normalizeLabel(topic), normalizeLabel(disposition)).Inc()
}
