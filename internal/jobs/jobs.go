// Package jobs is the durable background queue behind the billing scheduler.
// The scheduler enqueues deduplicated jobs; the worker claims them with a
// lease and runs the handler registered for their kind. Delivery is
// at-least-once, so every handler is idempotent.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/sitecrew-backend/pkg/db/models"
	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
)

// RenewalPayload asks for the period ending at PeriodEnd to be renewed.
type RenewalPayload struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
	PeriodEnd      time.Time `json:"period_end"`
}

// PaymentRetryPayload asks for retry number Attempt of a failed payment.
type PaymentRetryPayload struct {
	PaymentID uuid.UUID `json:"payment_id"`
	Attempt   int       `json:"attempt"`
}

// ExpiryNoticePayload asks for a license expiring notice.
type ExpiryNoticePayload struct {
	LicenseID  uuid.UUID `json:"license_id"`
	ValidUntil time.Time `json:"valid_until"`
}

// ReconcilePayload asks for a subscription to be compared with the processor.
type ReconcilePayload struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
}

// Renewal builds the renewal job for the period ending at periodEnd.
func Renewal(subscriptionID uuid.UUID, periodEnd, runAt time.Time) (*models.BillingJob, error) {
	periodEnd = periodEnd.UTC()
	key := fmt.Sprintf("%s:%s:%d", enums.JobKindRenewal, subscriptionID, periodEnd.Unix())
	return build(enums.JobKindRenewal, key, RenewalPayload{SubscriptionID: subscriptionID, PeriodEnd: periodEnd}, runAt)
}

// PaymentRetry builds the job for the next retry of a payment that has
// already been retried retryCount times.
func PaymentRetry(paymentID uuid.UUID, retryCount int, runAt time.Time) (*models.BillingJob, error) {
	key := fmt.Sprintf("%s:%s:%d", enums.JobKindPaymentRetry, paymentID, retryCount)
	return build(enums.JobKindPaymentRetry, key, PaymentRetryPayload{PaymentID: paymentID, Attempt: retryCount + 1}, runAt)
}

// LicenseExpiryNotice builds the notice job for a license valid until validUntil.
func LicenseExpiryNotice(licenseID uuid.UUID, validUntil, runAt time.Time) (*models.BillingJob, error) {
	validUntil = validUntil.UTC()
	key := fmt.Sprintf("%s:%s:%d", enums.JobKindLicenseExpiryNotice, licenseID, validUntil.Unix())
	return build(enums.JobKindLicenseExpiryNotice, key, ExpiryNoticePayload{LicenseID: licenseID, ValidUntil: validUntil}, runAt)
}

// SubscriptionReconcile builds the once-a-day reconciliation job for a subscription.
func SubscriptionReconcile(subscriptionID uuid.UUID, runAt time.Time) (*models.BillingJob, error) {
	key := fmt.Sprintf("%s:%s:%s", enums.JobKindSubscriptionReconcile, subscriptionID, runAt.UTC().Format("20060102"))
	return build(enums.JobKindSubscriptionReconcile, key, ReconcilePayload{SubscriptionID: subscriptionID}, runAt)
}

func build(kind enums.JobKind, key string, payload any, runAt time.Time) (*models.BillingJob, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return &models.BillingJob{
		Kind:      kind,
		DedupeKey: key,
		Payload:   string(raw),
		Status:    enums.JobStatusPending,
		RunAt:     runAt.UTC(),
	}, nil
}

func decode[T any](job models.BillingJob) (T, error) {
	var out T
	if err := json.Unmarshal([]byte(job.Payload), &out); err != nil {
		return out, fmt.Errorf("decode %s payload: %w", job.Kind, err)
	}
	return out, nil
}
