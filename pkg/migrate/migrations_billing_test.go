package migrate_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/angelmondragon/sitecrew-backend/pkg/migrate"
)

func TestMigrationsDirValidates(t *testing.T) {
	if err := migrate.ValidateDir("migrations"); err != nil {
		t.Fatalf("validate migrations: %v", err)
	}
}

func TestSubscriptionMigrationEnforcesSingleCurrentSubscription(t *testing.T) {
	content := readMigration(t, "*_create_subscriptions_and_licenses.sql")

	checks := []string{
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_subscriptions_org_current",
		"WHERE status <> 'expired'",
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_licenses_org_user_active",
		"WHERE status = 'active'",
		"CHECK (current_period_start < current_period_end)",
		"DROP TABLE IF EXISTS licenses",
	}
	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestPaymentTransactionMigrationKeysOnExternalID(t *testing.T) {
	content := readMigration(t, "*_create_payment_transactions.sql")

	checks := []string{
		"CONSTRAINT ux_payment_transactions_external_id UNIQUE (external_id)",
		"'partially_refunded'",
		"DROP TABLE IF EXISTS payment_transactions",
	}
	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func readMigration(t *testing.T, pattern string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join("migrations", pattern))
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(matches) == 0 {
		t.Fatalf("no migration file matching %s", pattern)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read migration file: %v", err)
	}
	return string(data)
}
