package instance

import "testing"

func TestIDPrefersEnvironment(t *testing.T) {
	t.Setenv("SITECREW_INSTANCE_ID", "scheduler-7")
	if got := ID(); got != "scheduler-7" {
		t.Fatalf("expected scheduler-7, got %q", got)
	}
}

func TestIDFallsBackToHost(t *testing.T) {
	t.Setenv("SITECREW_INSTANCE_ID", "")
	if got := ID(); got == "" {
		t.Fatalf("expected a non-empty id")
	}
}
