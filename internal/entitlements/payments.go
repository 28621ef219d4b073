package entitlements

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/sitecrew-backend/internal/gateway"
	"github.com/angelmondragon/sitecrew-backend/internal/payments"
	"github.com/angelmondragon/sitecrew-backend/pkg/db/models"
	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/sitecrew-backend/pkg/errors"
)

func (s *service) ListPaymentHistory(ctx context.Context, actorID uuid.UUID, params payments.ListParams) (*payments.ListResult, error) {
	if err := s.requireAdmin(ctx, params.OrganizationID, actorID); err != nil {
		return nil, err
	}
	return s.history.ListHistory(ctx, params)
}

func (s *service) RevenueStats(ctx context.Context, actorID, orgID uuid.UUID, from, to time.Time) (*payments.RevenueStats, error) {
	if err := s.requireAdmin(ctx, orgID, actorID); err != nil {
		return nil, err
	}
	return s.history.RevenueStats(ctx, orgID, from, to)
}

// Refund returns part or all of a settled payment. The refunded total is
// cumulative, so a refund webhook reporting the same total is a no-op.
func (s *service) Refund(ctx context.Context, actorID, paymentID uuid.UUID, amountCents int64) (*models.PaymentTransaction, error) {
	if amountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "refund amount must be positive")
	}
	payment, err := s.payments.FindByID(ctx, paymentID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment")
	}
	if payment == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
	}
	if err := s.requireAdmin(ctx, payment.OrganizationID, actorID); err != nil {
		return nil, err
	}
	if payment.Status != enums.PaymentStatusCompleted && payment.Status != enums.PaymentStatusPartiallyRefunded {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "only settled payments can be refunded").
			WithDetails(map[string]any{"status": payment.Status})
	}
	remaining := payment.TotalCents - payment.RefundedAmountCents
	if amountCents > remaining {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "refund exceeds the refundable amount").
			WithDetails(map[string]any{"refundable_cents": remaining})
	}
	if payment.ProcessorReference == nil || strings.TrimSpace(*payment.ProcessorReference) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "payment has no processor reference")
	}

	target := payment.RefundedAmountCents + amountCents
	if _, err := s.gateway.Refund(ctx, gateway.RefundInput{
		PaymentReference: *payment.ProcessorReference,
		AmountCents:      amountCents,
		IdempotencyKey:   fmt.Sprintf("refund-%s-%d", payment.ID, target),
	}); err != nil {
		return nil, err
	}

	var out *models.PaymentTransaction
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if payment.SubscriptionID != nil {
			if _, err := s.lockSubscriptionTx(tx, *payment.SubscriptionID); err != nil {
				return err
			}
		}
		locked, err := s.payments.LockByIDTx(tx, payment.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock payment")
		}
		if locked == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
		}
		out = locked
		if !payments.ApplyRefund(locked, target, s.now()) {
			return nil
		}
		if err := s.payments.SaveTx(tx, locked); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save payment")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"organization_id": payment.OrganizationID.String(),
		"payment_id":      payment.ID.String(),
		"refund_cents":    amountCents,
	}), "payment refunded")
	return out, nil
}

func (s *service) ListPaymentMethods(ctx context.Context, actorID, orgID uuid.UUID) ([]gateway.PaymentMethod, error) {
	customerID, err := s.customerFor(ctx, actorID, orgID)
	if err != nil {
		return nil, err
	}
	if customerID == "" {
		return []gateway.PaymentMethod{}, nil
	}
	return s.gateway.ListPaymentMethods(ctx, customerID)
}

func (s *service) SetDefaultPaymentMethod(ctx context.Context, actorID, orgID uuid.UUID, paymentMethodID string) error {
	if strings.TrimSpace(paymentMethodID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment method id is required")
	}
	customerID, err := s.customerFor(ctx, actorID, orgID)
	if err != nil {
		return err
	}
	if customerID == "" {
		return pkgerrors.New(pkgerrors.CodeNotFound, "payment method not found")
	}
	return s.gateway.SetDefaultPaymentMethod(ctx, customerID, paymentMethodID)
}

func (s *service) DeletePaymentMethod(ctx context.Context, actorID, orgID uuid.UUID, paymentMethodID string) error {
	if strings.TrimSpace(paymentMethodID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "payment method id is required")
	}
	customerID, err := s.customerFor(ctx, actorID, orgID)
	if err != nil {
		return err
	}
	if customerID == "" {
		return pkgerrors.New(pkgerrors.CodeNotFound, "payment method not found")
	}
	return s.gateway.DetachPaymentMethod(ctx, customerID, paymentMethodID)
}

// customerFor returns the organization's processor customer, or "" when it
// has never been billed.
func (s *service) customerFor(ctx context.Context, actorID, orgID uuid.UUID) (string, error) {
	if err := s.requireAdmin(ctx, orgID, actorID); err != nil {
		return "", err
	}
	org, err := s.orgs.FindByID(ctx, orgID)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load organization")
	}
	if org == nil {
		return "", pkgerrors.New(pkgerrors.CodeNotFound, "organization not found")
	}
	return deref(org.ExternalCustomerID), nil
}
