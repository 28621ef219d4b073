// Package gateway is the only caller of the external payment processor.
// Processor errors are translated into pkg/errors codes before they leave
// the package.
package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Gateway is the billing processor façade. Every call is bounded by a timeout.
type Gateway interface {
	CreateCustomer(ctx context.Context, input CreateCustomerInput) (*Customer, error)
	CreateSubscription(ctx context.Context, input CreateSubscriptionInput) (*Subscription, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	UpdateQuantity(ctx context.Context, input UpdateQuantityInput) (*Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*Subscription, error)
	ReactivateSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	PreviewProration(ctx context.Context, input UpdateQuantityInput) (*ProrationPreview, error)
	Charge(ctx context.Context, input ChargeInput) (*Charge, error)
	Refund(ctx context.Context, input RefundInput) (*Refund, error)
	ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error)
	SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error
	DetachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error
	VerifyWebhook(payload []byte, signature string) (*Event, error)
}

type CreateCustomerInput struct {
	OrganizationID uuid.UUID
	Name           string
	Email          string
	IdempotencyKey string
}

type Customer struct {
	ID string
}

type CreateSubscriptionInput struct {
	OrganizationID uuid.UUID
	CustomerID     string
	Quantity       int
	TrialDays      int
	Annual         bool
	IdempotencyKey string
}

type UpdateQuantityInput struct {
	CustomerID     string
	SubscriptionID string
	ItemID         string
	Quantity       int
	IdempotencyKey string
}

// Subscription is the processor's view of a subscription.
type Subscription struct {
	ID                string
	CustomerID        string
	ItemID            string
	PriceID           string
	Status            string
	CancelAtPeriodEnd bool
	Quantity          int
	PeriodStart       time.Time
	PeriodEnd         time.Time
	TrialEnd          *time.Time
}

// ChargeInput describes an off-session charge. TransactionRef is the local
// transaction's external id, echoed back in charge webhooks as metadata.
type ChargeInput struct {
	OrganizationID uuid.UUID
	CustomerID     string
	AmountCents    int64
	Currency       string
	Description    string
	IdempotencyKey string
	TransactionRef string
}

type Charge struct {
	PaymentIntentID string
	ChargeID        string
	Status          string
	AmountCents     int64
	Card            *Card
}

// Reference returns the id later webhook events carry for this charge.
func (c *Charge) Reference() string {
	if c == nil {
		return ""
	}
	if c.PaymentIntentID != "" {
		return c.PaymentIntentID
	}
	return c.ChargeID
}

type Card struct {
	Brand    string
	Last4    string
	ExpMonth int
	ExpYear  int
}

type RefundInput struct {
	PaymentReference string
	AmountCents      int64
	IdempotencyKey   string
}

type Refund struct {
	ID          string
	Status      string
	AmountCents int64
}

type PaymentMethod struct {
	ID        string `json:"id"`
	Brand     string `json:"brand"`
	Last4     string `json:"last4"`
	ExpMonth  int    `json:"exp_month"`
	ExpYear   int    `json:"exp_year"`
	IsDefault bool   `json:"is_default"`
}

type ProrationPreview struct {
	Currency       string          `json:"currency"`
	Quantity       int             `json:"quantity"`
	Lines          []ProrationLine `json:"lines"`
	TotalCents     int64           `json:"total_cents"`
	AmountDueCents int64           `json:"amount_due_cents"`
	PeriodEnd      time.Time       `json:"period_end"`
}

type ProrationLine struct {
	Description string `json:"description"`
	AmountCents int64  `json:"amount_cents"`
}

// Event is a verified inbound processor event. Object holds the raw JSON of
// the event's data object.
type Event struct {
	ID      string
	Type    string
	Created time.Time
	Object  json.RawMessage
}
