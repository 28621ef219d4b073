package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
)

// Subscription is the billing lineage of one organization. Processor-owned
// fields (period dates, remote quantity) are a cache reconciled by webhooks.
type Subscription struct {
	ID                     uuid.UUID                `gorm:"column:id;type:uuid;primaryKey"`
	OrganizationID         uuid.UUID                `gorm:"column:organization_id;type:uuid;not null;index"`
	Status                 enums.SubscriptionStatus `gorm:"column:status;type:varchar(32);not null"`
	BillingCycle           enums.BillingCycle       `gorm:"column:billing_cycle;type:varchar(16);not null;default:'monthly'"`
	LicenseCapacity        int                      `gorm:"column:license_capacity;not null"`
	LicensesInUse          int                      `gorm:"column:licenses_in_use;not null;default:0"`
	SeatRateCents          int64                    `gorm:"column:seat_rate_cents;not null"`
	Currency               string                   `gorm:"column:currency;type:varchar(3);not null;default:'usd'"`
	CurrentPeriodStart     time.Time                `gorm:"column:current_period_start;not null"`
	CurrentPeriodEnd       time.Time                `gorm:"column:current_period_end;not null;index"`
	NextBillingAt          *time.Time               `gorm:"column:next_billing_at"`
	AutoRenew              bool                     `gorm:"column:auto_renew;not null"`
	ExternalCustomerID     *string                  `gorm:"column:external_customer_id"`
	ExternalSubscriptionID *string                  `gorm:"column:external_subscription_id;uniqueIndex"`
	ExternalItemID         *string                  `gorm:"column:external_item_id"`
	ExternalPriceID        *string                  `gorm:"column:external_price_id"`
	IsTrial                bool                     `gorm:"column:is_trial;not null;default:false"`
	TrialEndsAt            *time.Time               `gorm:"column:trial_ends_at"`
	CancellationReason     *string                  `gorm:"column:cancellation_reason"`
	CancelledAt            *time.Time               `gorm:"column:cancelled_at"`
	LastSyncedAt           *time.Time               `gorm:"column:last_synced_at"`
	CreatedAt              time.Time                `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt              time.Time                `gorm:"column:updated_at;autoUpdateTime"`
}

// AvailableLicenses returns the unused capacity, never negative.
func (s *Subscription) AvailableLicenses() int {
	if s == nil || s.LicensesInUse >= s.LicenseCapacity {
		return 0
	}
	return s.LicenseCapacity - s.LicensesInUse
}

// IsLinked reports whether the subscription carries processor identifiers.
func (s *Subscription) IsLinked() bool {
	return s != nil && s.ExternalCustomerID != nil && s.ExternalSubscriptionID != nil
}
