package subscriptions

import (
	"strings"
	"time"

	"github.com/angelmondragon/sitecrew-backend/pkg/db/models"
	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/sitecrew-backend/pkg/errors"
)

// RemoteState is the processor's view of a subscription, decoded from a
// webhook payload or fetched during reconciliation.
type RemoteState struct {
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
	ObservedAt        time.Time
}

// RemoteChange summarizes what ApplyRemote did to the local row.
type RemoteChange struct {
	Stale            bool
	From             enums.SubscriptionStatus
	To               enums.SubscriptionStatus
	StatusSkipped    bool
	PeriodChanged    bool
	CapacityChanged  bool
	PreviousCapacity int
}

// StatusChanged reports whether the local status moved.
func (c RemoteChange) StatusChanged() bool {
	return c.From != c.To
}

var remoteStatuses = map[string]enums.SubscriptionStatus{
	"trialing":           enums.SubscriptionStatusTrial,
	"active":             enums.SubscriptionStatusActive,
	"past_due":           enums.SubscriptionStatusPastDue,
	"unpaid":             enums.SubscriptionStatusPastDue,
	"canceled":           enums.SubscriptionStatusCancelled,
	"incomplete":         enums.SubscriptionStatusPendingPayment,
	"incomplete_expired": enums.SubscriptionStatusExpired,
}

// MapRemoteStatus converts a processor status string to the local enum. An
// active subscription scheduled to cancel at period end is locally Cancelled.
// Unknown statuses report false and leave local status untouched.
func MapRemoteStatus(raw string, cancelAtPeriodEnd bool) (enums.SubscriptionStatus, bool) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	status, ok := remoteStatuses[normalized]
	if !ok {
		return "", false
	}
	if status == enums.SubscriptionStatusActive && cancelAtPeriodEnd {
		return enums.SubscriptionStatusCancelled, true
	}
	return status, true
}

// ApplyRemote folds the processor's state into sub. Facts observed before the
// last applied one are ignored so out-of-order deliveries never regress state.
func ApplyRemote(sub *models.Subscription, remote RemoteState) RemoteChange {
	change := RemoteChange{From: sub.Status, To: sub.Status, PreviousCapacity: sub.LicenseCapacity}
	if IsStale(sub, remote.ObservedAt) || sub.Status.IsTerminal() {
		change.Stale = true
		return change
	}

	if target, ok := MapRemoteStatus(remote.Status, remote.CancelAtPeriodEnd); ok && target != sub.Status {
		if err := applyRemoteStatus(sub, target, remote); err != nil {
			change.StatusSkipped = true
		}
	}

	if !remote.PeriodStart.IsZero() && remote.PeriodStart.Before(remote.PeriodEnd) &&
		(!remote.PeriodEnd.Equal(sub.CurrentPeriodEnd) || !remote.PeriodStart.Equal(sub.CurrentPeriodStart)) {
		setPeriod(sub, remote.PeriodStart, remote.PeriodEnd)
		change.PeriodChanged = true
	}
	if remote.TrialEnd != nil {
		trialEnd := remote.TrialEnd.UTC()
		sub.TrialEndsAt = &trialEnd
	}
	if remote.Quantity > 0 && remote.Quantity != sub.LicenseCapacity {
		sub.LicenseCapacity = remote.Quantity
		change.CapacityChanged = true
	}
	if !sub.IsLinked() && remote.ID != "" && remote.CustomerID != "" {
		_ = Link(sub, remote.CustomerID, remote.ID, remote.ItemID, remote.PriceID)
	}

	MarkSynced(sub, remote.ObservedAt)
	change.To = sub.Status
	return change
}

func applyRemoteStatus(sub *models.Subscription, target enums.SubscriptionStatus, remote RemoteState) error {
	at := remote.ObservedAt
	switch target {
	case enums.SubscriptionStatusCancelled:
		reason := "cancelled by processor"
		if remote.CancelAtPeriodEnd {
			reason = "cancel_at_period_end"
		}
		return Cancel(sub, reason, at)
	case enums.SubscriptionStatusExpired:
		return Expire(sub, "processor subscription expired", at)
	case enums.SubscriptionStatusActive:
		switch sub.Status {
		case enums.SubscriptionStatusCancelled:
			return Reactivate(sub, at)
		case enums.SubscriptionStatusPendingPayment:
			// incomplete → active: the processor confirmed the first invoice.
			if err := transition(sub, enums.SubscriptionStatusActive); err != nil {
				return err
			}
			sub.IsTrial = false
			return nil
		}
		// Renewals are collected locally, so a remote "active" on a trial or
		// past-due subscription does not mean money moved. Payments activate.
		return pkgerrors.New(pkgerrors.CodeStateConflict, "activation requires a settled payment").
			WithDetails(map[string]any{"from": sub.Status})
	default:
		return transition(sub, target)
	}
}
