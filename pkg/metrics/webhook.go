package metrics

import "github.com/prometheus/client_golang/prometheus"

// WebhookMetrics counts inbound processor events by kind and outcome.
type WebhookMetrics struct {
	events *prometheus.CounterVec
}

func NewWebhookMetrics(reg prometheus.Registerer) *WebhookMetrics {
	if reg == nil {
		return &WebhookMetrics{}
	}
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_webhook_events_total",
		Help: "Inbound billing webhook events by kind and outcome.",
	}, []string{"kind", "outcome"})
	reg.MustRegister(events)
	return &WebhookMetrics{events: events}
}

// Observe increments the counter for the given kind/outcome pair.
func (m *WebhookMetrics) Observe(kind, outcome string) {
	if m == nil || m.events == nil {
		return
	}
	m.events.WithLabelValues(normalizeLabel(kind), normalizeLabel(outcome)).Inc()
}
