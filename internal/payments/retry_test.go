package payments

import (
	"testing"
	"time"
)

func TestRetryScheduleDelayIsBoundedExponential(t *testing.T) {
	s := RetrySchedule{Initial: 6 * time.Hour, Max: 72 * time.Hour, MaxRetries: 3}

	want := []time.Duration{6 * time.Hour, 12 * time.Hour, 24 * time.Hour, 48 * time.Hour, 72 * time.Hour, 72 * time.Hour}
	for i, expected := range want {
		if got := s.Delay(i + 1); got != expected {
			t.Fatalf("attempt %d: expected %s got %s", i+1, expected, got)
		}
	}
}

func TestRetryScheduleNextAtStopsAfterMaxRetries(t *testing.T) {
	s := RetrySchedule{Initial: time.Hour, Max: 4 * time.Hour, MaxRetries: 2}
	from := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	next := s.NextAt(1, from)
	if next == nil || !next.Equal(from.Add(time.Hour)) {
		t.Fatalf("unexpected first retry %v", next)
	}
	if next := s.NextAt(2, from); next == nil || !next.Equal(from.Add(2*time.Hour)) {
		t.Fatalf("unexpected second retry %v", next)
	}
	if next := s.NextAt(3, from); next != nil {
		t.Fatalf("expected retries exhausted, got %v", next)
	}
}
