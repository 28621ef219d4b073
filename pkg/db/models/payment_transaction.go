package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
)

// PaymentTransaction records one attempted money movement. ExternalID is the
// idempotency key shared with the processor.
type PaymentTransaction struct {
	ID                  uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	OrganizationID      uuid.UUID             `gorm:"column:organization_id;type:uuid;not null;index"`
	SubscriptionID      *uuid.UUID            `gorm:"column:subscription_id;type:uuid;index"`
	ExternalID          string                `gorm:"column:external_id;not null;uniqueIndex"`
	ProcessorReference  *string               `gorm:"column:processor_reference;index"`
	Kind                enums.TransactionKind `gorm:"column:kind;type:varchar(16);not null"`
	Status              enums.PaymentStatus   `gorm:"column:status;type:varchar(32);not null"`
	Currency            string                `gorm:"column:currency;type:varchar(3);not null;default:'usd'"`
	AmountCents         int64                 `gorm:"column:amount_cents;not null"`
	TaxCents            int64                 `gorm:"column:tax_cents;not null;default:0"`
	DiscountCents       int64                 `gorm:"column:discount_cents;not null;default:0"`
	TotalCents          int64                 `gorm:"column:total_cents;not null"`
	RefundedAmountCents int64                 `gorm:"column:refunded_amount_cents;not null;default:0"`
	Description         *string               `gorm:"column:description"`
	BillingPeriodEnd    *time.Time            `gorm:"column:billing_period_end"`
	CardBrand           *string               `gorm:"column:card_brand"`
	CardLast4           *string               `gorm:"column:card_last4"`
	CardExpMonth        *int                  `gorm:"column:card_exp_month"`
	CardExpYear         *int                  `gorm:"column:card_exp_year"`
	RetryCount          int                   `gorm:"column:retry_count;not null;default:0"`
	MaxRetries          int                   `gorm:"column:max_retries;not null;default:0"`
	NextRetryAt         *time.Time            `gorm:"column:next_retry_at;index"`
	ErrorMessage        *string               `gorm:"column:error_message"`
	TransactionAt       time.Time             `gorm:"column:transaction_at;not null"`
	ProcessedAt         *time.Time            `gorm:"column:processed_at"`
	RefundedAt          *time.Time            `gorm:"column:refunded_at"`
	CreatedAt           time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}

// RetryEligible reports whether the scheduler may attempt the charge again.
func (p *PaymentTransaction) RetryEligible(now time.Time) bool {
	if p == nil || p.Status != enums.PaymentStatusFailed || p.RetryCount >= p.MaxRetries {
		return false
	}
	return p.NextRetryAt != nil && !p.NextRetryAt.After(now)
}
