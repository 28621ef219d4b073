package subscriptions

import (
	"strings"
	"time"

	"github.com/angelmondragon/sitecrew-backend/pkg/db/models"
	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/sitecrew-backend/pkg/errors"
)

var allowedTransitions = map[enums.SubscriptionStatus][]enums.SubscriptionStatus{
	enums.SubscriptionStatusTrial: {
		enums.SubscriptionStatusPendingPayment,
		enums.SubscriptionStatusActive,
		enums.SubscriptionStatusPastDue,
		enums.SubscriptionStatusCancelled,
		enums.SubscriptionStatusExpired,
	},
	enums.SubscriptionStatusPendingPayment: {
		enums.SubscriptionStatusActive,
		enums.SubscriptionStatusCancelled,
		enums.SubscriptionStatusExpired,
	},
	enums.SubscriptionStatusActive: {
		enums.SubscriptionStatusPastDue,
		enums.SubscriptionStatusCancelled,
		enums.SubscriptionStatusExpired,
	},
	enums.SubscriptionStatusPastDue: {
		enums.SubscriptionStatusActive,
		enums.SubscriptionStatusCancelled,
		enums.SubscriptionStatusExpired,
	},
	enums.SubscriptionStatusCancelled: {
		enums.SubscriptionStatusExpired,
	},
}

// CanTransition reports whether the state machine allows from → to.
// Cancelled → Active is only reachable through Reactivate.
func CanTransition(from, to enums.SubscriptionStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func transition(sub *models.Subscription, to enums.SubscriptionStatus) error {
	if sub.Status == to {
		return nil
	}
	if !CanTransition(sub.Status, to) {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "subscription state transition not allowed").
			WithDetails(map[string]any{"from": sub.Status, "to": to})
	}
	sub.Status = to
	return nil
}

// Activate moves the subscription to Active for the given period.
func Activate(sub *models.Subscription, periodStart, periodEnd time.Time) error {
	if err := validatePeriod(periodStart, periodEnd); err != nil {
		return err
	}
	if err := transition(sub, enums.SubscriptionStatusActive); err != nil {
		return err
	}
	setPeriod(sub, periodStart, periodEnd)
	sub.IsTrial = false
	return nil
}

// MarkPastDue records a failed renewal. Licenses stay usable through the grace period.
func MarkPastDue(sub *models.Subscription) error {
	return transition(sub, enums.SubscriptionStatusPastDue)
}

// Cancel stops auto-renewal. Access continues until the current period ends.
func Cancel(sub *models.Subscription, reason string, at time.Time) error {
	if sub.Status == enums.SubscriptionStatusCancelled {
		return nil
	}
	if err := transition(sub, enums.SubscriptionStatusCancelled); err != nil {
		return err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled"
	}
	at = at.UTC()
	sub.AutoRenew = false
	sub.CancellationReason = &reason
	sub.CancelledAt = &at
	sub.NextBillingAt = nil
	return nil
}

// Reactivate undoes a cancellation while the paid period is still running.
func Reactivate(sub *models.Subscription, now time.Time) error {
	if sub.Status != enums.SubscriptionStatusCancelled {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "only cancelled subscriptions can be reactivated").
			WithDetails(map[string]any{"status": sub.Status})
	}
	if !now.Before(sub.CurrentPeriodEnd) {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "subscription period has ended").
			WithDetails(map[string]any{"current_period_end": sub.CurrentPeriodEnd})
	}
	next := sub.CurrentPeriodEnd
	sub.Status = enums.SubscriptionStatusActive
	sub.AutoRenew = true
	sub.CancellationReason = nil
	sub.CancelledAt = nil
	sub.NextBillingAt = &next
	return nil
}

// Expire ends the lineage. Callers bulk-expire the organization's licenses in
// the same transaction.
func Expire(sub *models.Subscription, reason string, at time.Time) error {
	if err := transition(sub, enums.SubscriptionStatusExpired); err != nil {
		return err
	}
	at = at.UTC()
	sub.AutoRenew = false
	sub.NextBillingAt = nil
	if sub.CancelledAt == nil {
		sub.CancelledAt = &at
	}
	if strings.TrimSpace(reason) != "" && sub.CancellationReason == nil {
		sub.CancellationReason = &reason
	}
	return nil
}

// Renew advances the period by one billing cycle and returns the subscription to Active.
func Renew(sub *models.Subscription) error {
	start := sub.CurrentPeriodEnd
	end := sub.BillingCycle.Advance(start)
	return RenewTo(sub, start, end)
}

// RenewTo applies a renewal for an explicit period, as reported by the processor.
// Periods that end on or before the current one are already applied.
func RenewTo(sub *models.Subscription, periodStart, periodEnd time.Time) error {
	if err := validatePeriod(periodStart, periodEnd); err != nil {
		return err
	}
	if !periodEnd.After(sub.CurrentPeriodEnd) && sub.Status == enums.SubscriptionStatusActive {
		return nil
	}
	if err := transition(sub, enums.SubscriptionStatusActive); err != nil {
		return err
	}
	if periodEnd.After(sub.CurrentPeriodEnd) {
		setPeriod(sub, periodStart, periodEnd)
	}
	sub.IsTrial = false
	return nil
}

// SettleRenewal advances the period a renewal charge paid for. A charge for a
// period that has already been advanced past reports false.
func SettleRenewal(sub *models.Subscription, paidPeriodEnd time.Time) (bool, error) {
	if !paidPeriodEnd.Equal(sub.CurrentPeriodEnd) {
		return false, nil
	}
	if err := Renew(sub); err != nil {
		return false, err
	}
	return true, nil
}

// MarkSynced advances the stale-event watermark. Processor timestamps carry
// whole seconds, so the watermark does too.
func MarkSynced(sub *models.Subscription, at time.Time) {
	at = at.UTC().Truncate(time.Second)
	if sub.LastSyncedAt == nil || at.After(*sub.LastSyncedAt) {
		sub.LastSyncedAt = &at
	}
}

// IsStale reports whether a processor fact observed at eventAt predates state
// already applied to the subscription. Facts from the same second are applied.
func IsStale(sub *models.Subscription, eventAt time.Time) bool {
	if sub.LastSyncedAt == nil {
		return false
	}
	return eventAt.Truncate(time.Second).Before(sub.LastSyncedAt.Truncate(time.Second))
}

// Link stores processor identifiers. Customer and subscription ids are set together.
func Link(sub *models.Subscription, customerID, subscriptionID, itemID, priceID string) error {
	customerID = strings.TrimSpace(customerID)
	subscriptionID = strings.TrimSpace(subscriptionID)
	if customerID == "" || subscriptionID == "" {
		return pkgerrors.New(pkgerrors.CodeInternal, "processor customer and subscription ids are both required")
	}
	sub.ExternalCustomerID = &customerID
	sub.ExternalSubscriptionID = &subscriptionID
	sub.ExternalItemID = trimmedPtr(itemID)
	sub.ExternalPriceID = trimmedPtr(priceID)
	return nil
}

func setPeriod(sub *models.Subscription, start, end time.Time) {
	start, end = start.UTC(), end.UTC()
	sub.CurrentPeriodStart = start
	sub.CurrentPeriodEnd = end
	if sub.AutoRenew {
		sub.NextBillingAt = &end
	} else {
		sub.NextBillingAt = nil
	}
}

func validatePeriod(start, end time.Time) error {
	if start.IsZero() || end.IsZero() || !start.Before(end) {
		return pkgerrors.New(pkgerrors.CodeValidation, "period start must precede period end").
			WithDetails(map[string]any{"start": start, "end": end})
	}
	return nil
}

func trimmedPtr(value string) *string {
	if s := strings.TrimSpace(value); s != "" {
		return &s
	}
	return nil
}
