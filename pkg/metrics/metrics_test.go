package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestSchedulerMetricsExportsCountersAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewSchedulerMetrics(reg)
	trigger := "renewal-trigger"
	metrics.ObserveDuration(trigger, 250*time.Millisecond)
	metrics.IncSuccess(trigger)
	metrics.IncFailure(trigger)
	metrics.AddItems(trigger, 3)
	metrics.AddItems(trigger, 0)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	if got, err := fetchCounterValue(mfs, "billing_scheduler_trigger_success_total", "trigger", trigger); err != nil {
		t.Fatalf("fetch success: %v", err)
	} else if got != 1 {
		t.Fatalf("expected success=1, got %f", got)
	}

	if got, err := fetchCounterValue(mfs, "billing_scheduler_trigger_failure_total", "trigger", trigger); err != nil {
		t.Fatalf("fetch failure: %v", err)
	} else if got != 1 {
		t.Fatalf("expected failure=1, got %f", got)
	}

	if got, err := fetchCounterValue(mfs, "billing_scheduler_items_total", "trigger", trigger); err != nil {
		t.Fatalf("fetch items: %v", err)
	} else if got != 3 {
		t.Fatalf("expected items=3, got %f", got)
	}

	if got, err := fetchHistogramSum(mfs, "billing_scheduler_trigger_duration_seconds", "trigger", trigger); err != nil {
		t.Fatalf("fetch duration: %v", err)
	} else if got <= 0 {
		t.Fatalf("expected duration sum > 0, got %f", got)
	}
}

func TestWebhookMetricsCountsByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewWebhookMetrics(reg)
	metrics.Observe("charge.failed", "applied")
	metrics.Observe("charge.failed", "applied")
	metrics.Observe("", "ignored")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got, err := fetchCounterValue(mfs, "billing_webhook_events_total", "kind", "charge.failed"); err != nil {
		t.Fatalf("fetch applied: %v", err)
	} else if got != 2 {
		t.Fatalf("expected 2 applied events, got %f", got)
	}
	if _, err := fetchCounterValue(mfs, "billing_webhook_events_total", "kind", "unknown"); err != nil {
		t.Fatalf("expected empty kind to normalize to unknown: %v", err)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var scheduler *SchedulerMetrics
	scheduler.IncSuccess("x")
	NewSchedulerMetrics(nil).AddItems("x", 1)
	var jobs *JobMetrics
	jobs.Observe("renewal", "succeeded", time.Second)
	NewWebhookMetrics(nil).Observe("kind", "outcome")
}

func fetchCounterValue(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetCounter().GetValue(), nil
		}
	}
	return 0, fmt.Errorf("metric %q missing label %s=%s", name, label, value)
}

func fetchHistogramSum(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetHistogram().GetSampleSum(), nil
		}
	}
	return 0, fmt.Errorf("histogram %q missing label %s=%s", name, label, value)
}

func findMetricFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func matchesLabel(labels []*dto.LabelPair, name, value string) bool {
	for _, label := range labels {
		if label.GetName() == name && label.GetValue() == value {
			return true
		}
	}
	return false
}
