// Package notifications dispatches billing notices to downstream delivery
// (email, in-app). Dispatch is fire-and-forget: callers log failures and
// never roll back billing state because of them.
package notifications

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindLicenseExpiring     Kind = "license_expiring"
	KindPaymentFailed       Kind = "payment_failed"
	KindSubscriptionExpired Kind = "subscription_expired"
)

// Notification is the message published for delivery.
type Notification struct {
	ID             uuid.UUID         `json:"id"`
	Kind           Kind              `json:"kind"`
	OrganizationID uuid.UUID         `json:"organization_id"`
	SubscriptionID *uuid.UUID        `json:"subscription_id,omitempty"`
	LicenseID      *uuid.UUID        `json:"license_id,omitempty"`
	UserID         *uuid.UUID        `json:"user_id,omitempty"`
	Recipients     []string          `json:"recipients,omitempty"`
	Data           map[string]string `json:"data,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
}

// Dispatcher hands a notification to the delivery pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}
