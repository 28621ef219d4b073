package entitlements

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/sitecrew-backend/internal/gateway"
	"github.com/angelmondragon/sitecrew-backend/internal/licenses"
	"github.com/angelmondragon/sitecrew-backend/internal/notifications"
	"github.com/angelmondragon/sitecrew-backend/internal/payments"
	"github.com/angelmondragon/sitecrew-backend/internal/subscriptions"
	"github.com/angelmondragon/sitecrew-backend/pkg/db/models"
	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/sitecrew-backend/pkg/errors"
)

// chargePlan names the money a subscription owes in its current state. The
// external id doubles as the processor idempotency key, so one period can
// only ever be charged once.
type chargePlan struct {
	kind        enums.TransactionKind
	externalID  string
	description string
	periodEnd   *time.Time
}

func planFor(sub *models.Subscription) (chargePlan, error) {
	switch sub.Status {
	case enums.SubscriptionStatusPendingPayment:
		return chargePlan{
			kind:        enums.TransactionKindCharge,
			externalID:  "activation-" + sub.ID.String(),
			description: fmt.Sprintf("Activation: %d seats", sub.LicenseCapacity),
		}, nil
	case enums.SubscriptionStatusActive, enums.SubscriptionStatusTrial, enums.SubscriptionStatusPastDue:
		if !sub.AutoRenew {
			return chargePlan{}, pkgerrors.New(pkgerrors.CodeStateConflict, "auto-renew is disabled")
		}
		end := sub.CurrentPeriodEnd.UTC()
		return chargePlan{
			kind:        enums.TransactionKindRenewal,
			externalID:  fmt.Sprintf("renewal-%s-%d", sub.ID, end.Unix()),
			description: fmt.Sprintf("Renewal: %d seats from %s", sub.LicenseCapacity, end.Format(time.DateOnly)),
			periodEnd:   &end,
		}, nil
	default:
		return chargePlan{}, pkgerrors.New(pkgerrors.CodeStateConflict, "subscription cannot be renewed").
			WithDetails(map[string]any{"status": sub.Status})
	}
}

func (s *service) RenewSubscription(ctx context.Context, actorID, subscriptionID uuid.UUID) (*ChargeResult, error) {
	sub, err := s.loadSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if err := s.requireAdmin(ctx, sub.OrganizationID, actorID); err != nil {
		return nil, err
	}
	return s.renew(s.subscriptionContext(ctx, sub), subscriptionID, nil)
}

// RenewDue charges the period ending at periodEnd. When the subscription has
// already moved past that period the call is a no-op.
func (s *service) RenewDue(ctx context.Context, subscriptionID uuid.UUID, periodEnd time.Time) (*ChargeResult, error) {
	periodEnd = periodEnd.UTC()
	return s.renew(ctx, subscriptionID, &periodEnd)
}

func (s *service) renew(ctx context.Context, subscriptionID uuid.UUID, expectPeriodEnd *time.Time) (*ChargeResult, error) {
	var (
		snapshot models.Subscription
		payment  *models.PaymentTransaction
		done     *ChargeResult
		retryID  uuid.UUID
	)
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		sub, err := s.lockSubscriptionTx(tx, subscriptionID)
		if err != nil {
			return err
		}
		if expectPeriodEnd != nil {
			if !sub.CurrentPeriodEnd.Equal(*expectPeriodEnd) || !sub.AutoRenew || sub.Status.IsTerminal() ||
				sub.Status == enums.SubscriptionStatusCancelled {
				done = &ChargeResult{Subscription: sub}
				return nil
			}
		}
		plan, err := planFor(sub)
		if err != nil {
			return err
		}

		existing, err := s.payments.FindByExternalIDTx(tx, plan.externalID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment")
		}
		switch {
		case existing == nil:
			payment = s.newPayment(sub, plan)
			if err := s.payments.CreateTx(tx, payment); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create payment")
			}
		case existing.Status == enums.PaymentStatusPending:
			// An earlier attempt has an unknown outcome; the same key asks the
			// processor for that attempt's result.
			payment = existing
		case existing.Status == enums.PaymentStatusFailed && expectPeriodEnd == nil:
			retryID = existing.ID
			return nil
		default:
			done = &ChargeResult{Subscription: sub, Payment: existing}
			return nil
		}
		snapshot = *sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	if done != nil {
		return done, nil
	}
	if retryID != uuid.Nil {
		return s.retryCharge(ctx, retryID, true)
	}
	return s.charge(ctx, &snapshot, payment, payment.ExternalID)
}

func (s *service) newPayment(sub *models.Subscription, plan chargePlan) *models.PaymentTransaction {
	subID := sub.ID
	amount := s.periodAmount(sub)
	description := plan.description
	return &models.PaymentTransaction{
		OrganizationID:   sub.OrganizationID,
		SubscriptionID:   &subID,
		ExternalID:       plan.externalID,
		Kind:             plan.kind,
		Status:           enums.PaymentStatusPending,
		Currency:         sub.Currency,
		AmountCents:      amount,
		TotalCents:       amount,
		Description:      &description,
		BillingPeriodEnd: plan.periodEnd,
		MaxRetries:       s.retry.MaxRetries,
		TransactionAt:    s.now().UTC(),
	}
}

// RetryPayment re-attempts a failed charge. attempt is the retry number the
// caller scheduled; a payment that already reached it is left alone.
func (s *service) RetryPayment(ctx context.Context, paymentID uuid.UUID, attempt int) (*ChargeResult, error) {
	payment, err := s.payments.FindByID(ctx, paymentID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment")
	}
	if payment == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
	}
	if payment.Status != enums.PaymentStatusFailed || (attempt > 0 && payment.RetryCount >= attempt) {
		return &ChargeResult{Payment: payment}, nil
	}
	return s.retryCharge(ctx, paymentID, false)
}

// retryCharge moves a failed payment back to pending and charges it again. force
// skips the schedule check for an admin-initiated renew.
func (s *service) retryCharge(ctx context.Context, paymentID uuid.UUID, force bool) (*ChargeResult, error) {
	current, err := s.payments.FindByID(ctx, paymentID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment")
	}
	if current == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
	}
	if current.SubscriptionID == nil {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "payment has no subscription to retry for")
	}

	var (
		snapshot models.Subscription
		payment  *models.PaymentTransaction
		done     *ChargeResult
	)
	fx := &effects{}
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		sub, err := s.lockSubscriptionTx(tx, *current.SubscriptionID)
		if err != nil {
			return err
		}
		locked, err := s.payments.LockByIDTx(tx, paymentID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock payment")
		}
		done = &ChargeResult{Subscription: sub, Payment: locked}
		if locked == nil || locked.Status != enums.PaymentStatusFailed || !owesFor(sub, locked) {
			return nil
		}
		now := s.now()
		if locked.RetryCount >= locked.MaxRetries {
			if force {
				return pkgerrors.New(pkgerrors.CodeStateConflict, "payment retries are exhausted")
			}
			// A failure recorded by the charge webhook can use up the last
			// retry without ending the subscription.
			return s.exhaustedTx(tx, sub, locked, now, fx)
		}
		if !force && !locked.RetryEligible(now) {
			return nil
		}
		locked.RetryCount++
		locked.Status = enums.PaymentStatusPending
		locked.NextRetryAt = nil
		locked.ErrorMessage = nil
		if err := s.payments.SaveTx(tx, locked); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save payment")
		}
		snapshot = *sub
		payment = locked
		done = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, fx)
	if done != nil {
		return done, nil
	}
	key := payment.ExternalID + "-retry-" + strconv.Itoa(payment.RetryCount)
	return s.charge(s.subscriptionContext(ctx, &snapshot), &snapshot, payment, key)
}

// owesFor reports whether a payment still pays for the subscription's current state.
func owesFor(sub *models.Subscription, payment *models.PaymentTransaction) bool {
	switch payment.Kind {
	case enums.TransactionKindCharge:
		return sub.Status == enums.SubscriptionStatusPendingPayment
	case enums.TransactionKindRenewal:
		if sub.Status.IsTerminal() || sub.Status == enums.SubscriptionStatusCancelled {
			return false
		}
		return payment.BillingPeriodEnd != nil && payment.BillingPeriodEnd.Equal(sub.CurrentPeriodEnd)
	default:
		return false
	}
}

// charge calls the processor and records the outcome. A retryable processor
// error leaves the payment pending: the attempt may have gone through, and
// repeating it with the same key is safe.
func (s *service) charge(ctx context.Context, sub *models.Subscription, payment *models.PaymentTransaction, idempotencyKey string) (*ChargeResult, error) {
	result, chargeErr := s.gateway.Charge(ctx, gateway.ChargeInput{
		OrganizationID: sub.OrganizationID,
		CustomerID:     deref(sub.ExternalCustomerID),
		AmountCents:    payment.TotalCents,
		Currency:       payment.Currency,
		Description:    deref(payment.Description),
		IdempotencyKey: idempotencyKey,
		TransactionRef: payment.ExternalID,
	})
	ctx = s.logg.WithFields(ctx, map[string]any{
		"payment_id":  payment.ID.String(),
		"external_id": payment.ExternalID,
		"kind":        payment.Kind,
	})
	if chargeErr != nil && pkgerrors.IsRetryable(chargeErr) {
		s.logg.Warn(s.logg.WithField(ctx, "error", chargeErr.Error()), "charge outcome unknown, payment left pending")
		return nil, chargeErr
	}

	var out *ChargeResult
	fx := &effects{}
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		locked, err := s.lockSubscriptionTx(tx, sub.ID)
		if err != nil {
			return err
		}
		lockedPayment, err := s.payments.LockByIDTx(tx, payment.ID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock payment")
		}
		if lockedPayment == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")
		}
		out = &ChargeResult{Subscription: locked, Payment: lockedPayment, Charged: true}
		if lockedPayment.Status != enums.PaymentStatusPending {
			// Settled by the charge webhook in the meantime.
			return nil
		}
		now := s.now()
		if chargeErr == nil {
			payments.MarkCompleted(lockedPayment, result.Reference(), now)
			applyCard(lockedPayment, result.Card)
			if err := s.payments.SaveTx(tx, lockedPayment); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save payment")
			}
			return s.settleTx(ctx, tx, locked, lockedPayment, now)
		}
		payments.MarkFailed(lockedPayment, chargeErr.Error(), now, s.retry)
		if err := s.payments.SaveTx(tx, lockedPayment); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save payment")
		}
		return s.failTx(tx, locked, lockedPayment, now, fx)
	})
	if err != nil {
		return nil, err
	}
	s.flush(ctx, fx)
	if chargeErr != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", chargeErr.Error()), "charge declined")
		return nil, chargeErr
	}
	s.logg.Info(s.logg.WithField(ctx, "period_end", out.Subscription.CurrentPeriodEnd), "charge settled")
	return out, nil
}

// settleTx applies a completed payment to the locked subscription.
func (s *service) settleTx(ctx context.Context, tx *gorm.DB, sub *models.Subscription, payment *models.PaymentTransaction, at time.Time) error {
	switch payment.Kind {
	case enums.TransactionKindCharge:
		if sub.Status != enums.SubscriptionStatusPendingPayment {
			return nil
		}
		start, end := sub.CurrentPeriodStart, sub.CurrentPeriodEnd
		if !end.After(at) {
			start = at.UTC()
			end = sub.BillingCycle.Advance(start)
		}
		if err := subscriptions.Activate(sub, start, end); err != nil {
			return err
		}
	case enums.TransactionKindRenewal:
		if payment.BillingPeriodEnd == nil {
			return nil
		}
		advanced, err := subscriptions.SettleRenewal(sub, *payment.BillingPeriodEnd)
		if err != nil {
			if pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
				s.logg.Warn(s.logg.WithField(ctx, "status", sub.Status), "renewal paid for a subscription that can no longer renew")
				return nil
			}
			return err
		}
		if !advanced {
			return nil
		}
	default:
		return nil
	}
	next := sub.CurrentPeriodEnd
	sub.NextBillingAt = &next
	if err := s.ledger.ExtendTx(tx, sub, licenses.ValidUntil(sub)); err != nil {
		return err
	}
	subscriptions.MarkSynced(sub, at)
	if err := s.subs.SaveTx(tx, sub); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save subscription")
	}
	return nil
}

// failTx applies a declined payment: a renewal for the current period puts
// the subscription past due, and an exhausted payment ends it.
func (s *service) failTx(tx *gorm.DB, sub *models.Subscription, payment *models.PaymentTransaction, at time.Time, fx *effects) error {
	if !owesFor(sub, payment) {
		return nil
	}
	if payment.NextRetryAt == nil {
		return s.exhaustedTx(tx, sub, payment, at, fx)
	}
	data := map[string]string{
		"reason":      deref(payment.ErrorMessage),
		"payment_id":  payment.ID.String(),
		"retry_count": strconv.Itoa(payment.RetryCount),
		"next_retry":  payment.NextRetryAt.UTC().Format(time.RFC3339),
	}
	if sub.Status == enums.SubscriptionStatusActive || sub.Status == enums.SubscriptionStatusTrial {
		if err := subscriptions.MarkPastDue(sub); err != nil {
			return err
		}
		subscriptions.MarkSynced(sub, at)
		if err := s.subs.SaveTx(tx, sub); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save subscription")
		}
	}
	fx.notify(subscriptionNotice(notifications.KindPaymentFailed, sub, data, at))
	return nil
}

func (s *service) exhaustedTx(tx *gorm.DB, sub *models.Subscription, payment *models.PaymentTransaction, at time.Time, fx *effects) error {
	if payment.NextRetryAt != nil {
		payment.NextRetryAt = nil
		if err := s.payments.SaveTx(tx, payment); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save payment")
		}
	}
	return s.expireTx(tx, sub, "payment retries exhausted", at, fx)
}

func applyCard(payment *models.PaymentTransaction, card *gateway.Card) {
	if card == nil {
		return
	}
	if card.Brand != "" {
		brand := card.Brand
		payment.CardBrand = &brand
	}
	if card.Last4 != "" {
		last4 := card.Last4
		payment.CardLast4 = &last4
	}
	if card.ExpMonth > 0 {
		month := card.ExpMonth
		payment.CardExpMonth = &month
	}
	if card.ExpYear > 0 {
		year := card.ExpYear
		payment.CardExpYear = &year
	}
}
