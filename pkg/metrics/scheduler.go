package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SchedulerMetrics records runs of the billing scheduler triggers.
type SchedulerMetrics struct {
	duration *prometheus.HistogramVec
	success  *prometheus.CounterVec
	failure  *prometheus.CounterVec
	enqueued *prometheus.CounterVec
}

// NewSchedulerMetrics registers the trigger metrics on the provided registerer.
func NewSchedulerMetrics(reg prometheus.Registerer) *SchedulerMetrics {
	if reg == nil {
		return &SchedulerMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "billing_scheduler_trigger_duration_seconds",
		Help:    "Duration of billing scheduler triggers in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"trigger"})
	success := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_scheduler_trigger_success_total",
		Help: "Successful billing scheduler trigger runs.",
	}, []string{"trigger"})
	failure := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_scheduler_trigger_failure_total",
		Help: "Failed billing scheduler trigger runs.",
	}, []string{"trigger"})
	enqueued := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_scheduler_items_total",
		Help: "Jobs enqueued or rows transitioned by billing scheduler triggers.",
	}, []string{"trigger"})
	reg.MustRegister(duration, success, failure, enqueued)
	return &SchedulerMetrics{
		duration: duration,
		success:  success,
		failure:  failure,
		enqueued: enqueued,
	}
}

// ObserveDuration records the duration for the named trigger.
func (m *SchedulerMetrics) ObserveDuration(trigger string, duration time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.WithLabelValues(normalizeLabel(trigger)).Observe(duration.Seconds())
}

// IncSuccess increments the success counter for the named trigger.
func (m *SchedulerMetrics) IncSuccess(trigger string) {
	if m == nil || m.success == nil {
		return
	}
	m.success.WithLabelValues(normalizeLabel(trigger)).Inc()
}

// IncFailure increments the failure counter for the named trigger.
func (m *SchedulerMetrics) IncFailure(trigger string) {
	if m == nil || m.failure == nil {
		return
	}
	m.failure.WithLabelValues(normalizeLabel(trigger)).Inc()
}

// AddItems records how many items a trigger produced.
func (m *SchedulerMetrics) AddItems(trigger string, count int) {
	if m == nil || m.enqueued == nil || count <= 0 {
		return
	}
	m.enqueued.WithLabelValues(normalizeLabel(trigger)).Add(float64(count))
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
