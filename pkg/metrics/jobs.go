package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// JobMetrics records billing job executions in the worker.
type JobMetrics struct {
	duration *prometheus.HistogramVec
	results  *prometheus.CounterVec
}

func NewJobMetrics(reg prometheus.Registerer) *JobMetrics {
	if reg == nil {
		return &JobMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "billing_job_duration_seconds",
		Help:    "Duration of billing job handlers in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
	results := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_jobs_total",
		Help: "Billing job executions by kind and result.",
	}, []string{"kind", "result"})
	reg.MustRegister(duration, results)
	return &JobMetrics{duration: duration, results: results}
}

// Observe records one job execution.
func (m *JobMetrics) Observe(kind, result string, duration time.Duration) {
	if m == nil || m.results == nil {
		return
	}
	m.duration.WithLabelValues(normalizeLabel(kind)).Observe(duration.Seconds())
	m.results.WithLabelValues(normalizeLabel(kind), normalizeLabel(result)).Inc()
}
