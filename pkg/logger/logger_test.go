package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), buf.String())
	return entry
}

func TestContextFieldsReachEveryEntry(t *testing.T) {
	buf := &bytes.Buffer{}
	logg := New(Options{ServiceName: "billing-test", Format: FormatJSON, Output: buf})

	ctx := logg.WithRequestID(context.Background(), "req-123")
	ctx = logg.WithOrganizationID(ctx, "org-1")
	ctx = logg.WithFields(ctx, map[string]any{"job_kind": "renewal", "attempt": 2})
	logg.Error(ctx, "renewal failed", errors.New("card declined"))

	entry := decode(t, buf)
	require.Equal(t, "billing-test", entry["service"])
	require.NotEmpty(t, entry["instance"])
	require.Equal(t, "req-123", entry["request_id"])
	require.Equal(t, "org-1", entry["organization_id"])
	require.Equal(t, "renewal", entry["job_kind"])
	require.EqualValues(t, 2, entry["attempt"])
	require.Equal(t, "card declined", entry["error"])
	require.Contains(t, entry, "stack")
}

func TestFieldsDoNotLeakToParentContext(t *testing.T) {
	buf := &bytes.Buffer{}
	logg := New(Options{ServiceName: "billing-test", Format: FormatJSON, Output: buf})

	parent := logg.WithSubscriptionID(context.Background(), "sub-1")
	_ = logg.WithUserID(parent, "user-1")
	logg.Info(parent, "parent entry")

	entry := decode(t, buf)
	require.Equal(t, "sub-1", entry["subscription_id"])
	require.NotContains(t, entry, "user_id")
}

func TestWarnStackToggle(t *testing.T) {
	for _, enabled := range []bool{true, false} {
		buf := &bytes.Buffer{}
		logg := New(Options{ServiceName: "billing-test", Format: FormatJSON, Output: buf, WarnStack: enabled})
		logg.Warn(context.Background(), "grace period started")
		_, hasStack := decode(t, buf)["stack"]
		require.Equal(t, enabled, hasStack)
	}
}

func TestLevelFiltersDebug(t *testing.T) {
	buf := &bytes.Buffer{}
	logg := New(Options{ServiceName: "billing-test", Format: FormatJSON, Output: buf})
	logg.Debug(context.Background(), "scheduler tick")
	require.Zero(t, buf.Len())
}

func TestConfiguredLevelEnablesDebug(t *testing.T) {
	buf := &bytes.Buffer{}
	logg := New(Options{ServiceName: "billing-test", Level: "DEBUG", Format: FormatJSON, Output: buf})
	logg.Debug(context.Background(), "scheduler tick")
	require.Equal(t, "scheduler tick", decode(t, buf)["message"])
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	require.Equal(t, zerolog.InfoLevel, ParseLevel("loud"))
	require.Equal(t, zerolog.DebugLevel, ParseLevel(" DEBUG "))
	require.Equal(t, zerolog.WarnLevel, ParseLevel("warn"))
}
