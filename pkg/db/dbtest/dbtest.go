// Package dbtest opens throwaway sqlite databases carrying the billing schema
// for repository and service tests.
package dbtest

import (
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/sitecrew-backend/pkg/db/models"
	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
)

// partialIndexes mirrors the uniqueness guarantees of the goose migrations.
var partialIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_subscriptions_org_current ON subscriptions (organization_id) WHERE status <> 'expired'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_licenses_org_user_active ON licenses (organization_id, user_id) WHERE status = 'active'`,
}

// Open returns an isolated in-memory database. A single connection is used so
// transactions serialize the same way row locks do in Postgres.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
		Logger: gormlogger.New(
			log.New(io.Discard, "", log.LstdFlags),
			gormlogger.Config{LogLevel: gormlogger.Silent},
		),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := conn.AutoMigrate(
		&models.Organization{},
		&models.User{},
		&models.OrganizationMember{},
		&models.Subscription{},
		&models.License{},
		&models.PaymentTransaction{},
		&models.WebhookEvent{},
		&models.BillingJob{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	for _, stmt := range partialIndexes {
		if err := conn.Exec(stmt).Error; err != nil {
			t.Fatalf("create index: %v", err)
		}
	}
	return conn
}

// SeedOrganization inserts an organization with an owner and returns both ids.
func SeedOrganization(t testing.TB, conn *gorm.DB) (orgID, ownerID uuid.UUID) {
	t.Helper()

	owner := SeedUser(t, conn)
	org := &models.Organization{Name: "Acme Builders", BillingEmail: "billing@acme.test"}
	if err := conn.Create(org).Error; err != nil {
		t.Fatalf("seed organization: %v", err)
	}
	member := &models.OrganizationMember{OrganizationID: org.ID, UserID: owner, Role: enums.MemberRoleOwner}
	if err := conn.Create(member).Error; err != nil {
		t.Fatalf("seed owner membership: %v", err)
	}
	return org.ID, owner
}

// SeedUser inserts an active user with a unique email.
func SeedUser(t testing.TB, conn *gorm.DB) uuid.UUID {
	t.Helper()

	id := uuid.New()
	user := &models.User{ID: id, Email: id.String() + "@example.test", FirstName: "Test", LastName: "User", IsActive: true}
	if err := conn.Create(user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return id
}

// SeedSubscription inserts an active monthly subscription with capacity 5 whose
// period started yesterday. mutate may adjust fields before insert.
func SeedSubscription(t testing.TB, conn *gorm.DB, orgID uuid.UUID, mutate func(*models.Subscription)) *models.Subscription {
	t.Helper()

	start := time.Now().UTC().Add(-24 * time.Hour).Truncate(time.Second)
	end := start.AddDate(0, 1, 0)
	sub := &models.Subscription{
		OrganizationID:     orgID,
		Status:             enums.SubscriptionStatusActive,
		BillingCycle:       enums.BillingCycleMonthly,
		LicenseCapacity:    5,
		SeatRateCents:      1500,
		Currency:           "usd",
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
		NextBillingAt:      &end,
		AutoRenew:          true,
	}
	if mutate != nil {
		mutate(sub)
	}
	if err := conn.Create(sub).Error; err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	return sub
}
