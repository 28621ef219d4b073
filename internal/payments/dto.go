package payments

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/sitecrew-backend/pkg/db/models"
	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
	pkgpagination "github.com/angelmondragon/sitecrew-backend/pkg/pagination"
)

type ListParams struct {
	OrganizationID uuid.UUID
	Status         enums.PaymentStatus
	pkgpagination.Params
}

type ListResult struct {
	Items  []ListItem `json:"items"`
	Cursor string     `json:"cursor"`
}

type ListItem struct {
	ID             uuid.UUID             `json:"id"`
	SubscriptionID *uuid.UUID            `json:"subscription_id,omitempty"`
	ExternalID     string                `json:"external_id"`
	Kind           enums.TransactionKind `json:"kind"`
	Status         enums.PaymentStatus   `json:"status"`
	Currency       string                `json:"currency"`
	Amount         decimal.Decimal       `json:"amount"`
	Tax            decimal.Decimal       `json:"tax"`
	Discount       decimal.Decimal       `json:"discount"`
	Total          decimal.Decimal       `json:"total"`
	Refunded       decimal.Decimal       `json:"refunded"`
	Description    *string               `json:"description,omitempty"`
	CardBrand      *string               `json:"card_brand,omitempty"`
	CardLast4      *string               `json:"card_last4,omitempty"`
	RetryCount     int                   `json:"retry_count"`
	MaxRetries     int                   `json:"max_retries"`
	NextRetryAt    *time.Time            `json:"next_retry_at,omitempty"`
	ErrorMessage   *string               `json:"error_message,omitempty"`
	TransactionAt  time.Time             `json:"transaction_at"`
	ProcessedAt    *time.Time            `json:"processed_at,omitempty"`
	RefundedAt     *time.Time            `json:"refunded_at,omitempty"`
}

type RevenueStats struct {
	From           time.Time       `json:"from"`
	To             time.Time       `json:"to"`
	Gross          decimal.Decimal `json:"gross"`
	Refunded       decimal.Decimal `json:"refunded"`
	Net            decimal.Decimal `json:"net"`
	CompletedCount int64           `json:"completed_count"`
	FailedCount    int64           `json:"failed_count"`
	PendingCount   int64           `json:"pending_count"`
}

// ToListItem projects a transaction for API responses.
func ToListItem(m models.PaymentTransaction) ListItem {
	return ListItem{
		ID:             m.ID,
		SubscriptionID: m.SubscriptionID,
		ExternalID:     m.ExternalID,
		Kind:           m.Kind,
		Status:         m.Status,
		Currency:       m.Currency,
		Amount:         Money(m.AmountCents),
		Tax:            Money(m.TaxCents),
		Discount:       Money(m.DiscountCents),
		Total:          Money(m.TotalCents),
		Refunded:       Money(m.RefundedAmountCents),
		Description:    m.Description,
		CardBrand:      m.CardBrand,
		CardLast4:      m.CardLast4,
		RetryCount:     m.RetryCount,
		MaxRetries:     m.MaxRetries,
		NextRetryAt:    m.NextRetryAt,
		ErrorMessage:   m.ErrorMessage,
		TransactionAt:  m.TransactionAt,
		ProcessedAt:    m.ProcessedAt,
		RefundedAt:     m.RefundedAt,
	}
}
