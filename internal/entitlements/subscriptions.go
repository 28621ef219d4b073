package entitlements

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/sitecrew-backend/internal/gateway"
	"github.com/angelmondragon/sitecrew-backend/internal/notifications"
	"github.com/angelmondragon/sitecrew-backend/internal/subscriptions"
	"github.com/angelmondragon/sitecrew-backend/pkg/db"
	"github.com/angelmondragon/sitecrew-backend/pkg/db/models"
	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/sitecrew-backend/pkg/errors"
)

const sweepBatchSize = 200

func (s *service) CreateSubscription(ctx context.Context, input CreateSubscriptionInput) (*models.Subscription, error) {
	if input.OrganizationID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "organization id is required")
	}
	if input.TrialDays < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "trial days must not be negative")
	}
	capacity := input.Capacity
	if capacity == 0 {
		capacity = s.billing.DefaultCapacity
	}
	if capacity < 1 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "license capacity must be at least 1")
	}
	cycle := input.BillingCycle
	if cycle == "" {
		cycle = enums.BillingCycleMonthly
	}
	if !cycle.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid billing cycle").
			WithDetails(map[string]any{"billing_cycle": cycle})
	}
	if err := s.requireAdmin(ctx, input.OrganizationID, input.ActorID); err != nil {
		return nil, err
	}
	ctx = s.logg.WithOrganizationID(ctx, input.OrganizationID.String())

	current, err := s.subs.FindCurrentByOrganization(ctx, input.OrganizationID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load current subscription")
	}
	if current != nil {
		return nil, pkgerrors.New(pkgerrors.CodeDuplicateSubscription, "organization already has a subscription").
			WithDetails(map[string]any{"subscription_id": current.ID, "status": current.Status})
	}

	org, err := s.orgs.FindByID(ctx, input.OrganizationID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load organization")
	}
	if org == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "organization not found")
	}
	customerID, err := s.ensureCustomer(ctx, org)
	if err != nil {
		return nil, err
	}

	// Each new lineage gets its own key so a resubscribe after expiry is not
	// answered with the previous lineage's cached response.
	lineage := "initial"
	latest, err := s.subs.FindLatestByOrganization(ctx, input.OrganizationID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load latest subscription")
	}
	if latest != nil {
		lineage = latest.ID.String()
	}
	remote, err := s.gateway.CreateSubscription(ctx, gateway.CreateSubscriptionInput{
		OrganizationID: org.ID,
		CustomerID:     customerID,
		Quantity:       capacity,
		TrialDays:      input.TrialDays,
		Annual:         cycle == enums.BillingCycleAnnual,
		IdempotencyKey: fmt.Sprintf("subscription-%s-%s", org.ID, lineage),
	})
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	sub := &models.Subscription{
		OrganizationID:     org.ID,
		Status:             enums.SubscriptionStatusPendingPayment,
		BillingCycle:       cycle,
		LicenseCapacity:    capacity,
		SeatRateCents:      s.billing.SeatRateCents,
		Currency:           s.currency,
		CurrentPeriodStart: remote.PeriodStart.UTC(),
		CurrentPeriodEnd:   remote.PeriodEnd.UTC(),
		AutoRenew:          true,
	}
	if !sub.CurrentPeriodStart.Before(sub.CurrentPeriodEnd) {
		sub.CurrentPeriodStart = now
		sub.CurrentPeriodEnd = cycle.Advance(now)
	}
	if input.TrialDays > 0 {
		trialEnd := now.AddDate(0, 0, input.TrialDays)
		if remote.TrialEnd != nil {
			trialEnd = remote.TrialEnd.UTC()
		}
		sub.Status = enums.SubscriptionStatusTrial
		sub.IsTrial = true
		sub.TrialEndsAt = &trialEnd
	}
	next := sub.CurrentPeriodEnd
	sub.NextBillingAt = &next
	if err := subscriptions.Link(sub, customerID, remote.ID, remote.ItemID, remote.PriceID); err != nil {
		return nil, err
	}
	subscriptions.MarkSynced(sub, now)

	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.subs.CreateTx(tx, sub); err != nil {
			if db.IsUniqueViolation(err) {
				return pkgerrors.New(pkgerrors.CodeDuplicateSubscription, "organization already has a subscription")
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create subscription")
		}
		return nil
	})
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeDuplicateSubscription) {
			s.logg.Warn(s.logg.WithField(ctx, "external_subscription_id", remote.ID), "concurrent subscription create lost the race")
			s.discardRemote(ctx, org.ID, remote.ID)
		}
		return nil, err
	}
	ctx = s.subscriptionContext(ctx, sub)
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"status":   sub.Status,
		"capacity": sub.LicenseCapacity,
		"cycle":    sub.BillingCycle,
	}), "subscription created")

	if sub.Status != enums.SubscriptionStatusPendingPayment {
		return sub, nil
	}
	// The subscription exists even when the first charge does not go through;
	// a declined charge is retried on schedule and an unknown outcome settles
	// through the charge webhook or an explicit renew.
	if _, err := s.renew(ctx, sub.ID, nil); err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "activation charge did not complete")
	}
	return s.loadSubscription(ctx, sub.ID)
}

func (s *service) ensureCustomer(ctx context.Context, org *models.Organization) (string, error) {
	if org.ExternalCustomerID != nil && strings.TrimSpace(*org.ExternalCustomerID) != "" {
		return *org.ExternalCustomerID, nil
	}
	customer, err := s.gateway.CreateCustomer(ctx, gateway.CreateCustomerInput{
		OrganizationID: org.ID,
		Name:           org.Name,
		Email:          org.BillingEmail,
		IdempotencyKey: "customer-" + org.ID.String(),
	})
	if err != nil {
		return "", err
	}
	if err := s.orgs.SetExternalCustomerID(ctx, org.ID, customer.ID); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store processor customer")
	}
	return customer.ID, nil
}

// discardRemote cancels a processor subscription whose local row lost to a
// concurrent create. Both creates share an idempotency key, so the winner may
// hold the very same remote subscription; that one is kept.
func (s *service) discardRemote(ctx context.Context, orgID uuid.UUID, remoteID string) {
	ctx = s.logg.WithField(ctx, "external_subscription_id", remoteID)
	current, err := s.subs.FindCurrentByOrganization(ctx, orgID)
	if err != nil {
		s.logg.Error(ctx, "cannot check winning subscription, processor subscription left in place", err)
		return
	}
	if current != nil && current.ExternalSubscriptionID != nil && *current.ExternalSubscriptionID == remoteID {
		return
	}
	if _, err := s.gateway.CancelSubscription(ctx, remoteID, false); err != nil {
		s.logg.Error(ctx, "failed to cancel orphaned processor subscription", err)
		return
	}
	s.logg.Warn(ctx, "orphaned processor subscription cancelled")
}

// GetSubscription returns the organization's current subscription, or the
// most recent one when the lineage has ended.
func (s *service) GetSubscription(ctx context.Context, actorID, orgID uuid.UUID) (*models.Subscription, error) {
	if err := s.requireMember(ctx, orgID, actorID); err != nil {
		return nil, err
	}
	sub, err := s.subs.FindCurrentByOrganization(ctx, orgID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load current subscription")
	}
	if sub == nil {
		sub, err = s.subs.FindLatestByOrganization(ctx, orgID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load latest subscription")
		}
	}
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
	}
	return sub, nil
}

func (s *service) GetStats(ctx context.Context, actorID, orgID uuid.UUID) (*Stats, error) {
	sub, err := s.GetSubscription(ctx, actorID, orgID)
	if err != nil {
		return nil, err
	}
	return s.buildStats(sub, s.now().UTC()), nil
}

func (s *service) ChangeCapacity(ctx context.Context, actorID, subscriptionID uuid.UUID, capacity int) (*models.Subscription, error) {
	if capacity < 1 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "license capacity must be at least 1")
	}
	sub, err := s.loadSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if err := s.requireAdmin(ctx, sub.OrganizationID, actorID); err != nil {
		return nil, err
	}
	ctx = s.subscriptionContext(ctx, sub)

	var (
		out  *models.Subscription
		from int
	)
	// The processor call happens under the row lock; if it fails nothing
	// local changes, and a commit failure after it is repaired by reconcile.
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		locked, err := s.lockSubscriptionTx(tx, subscriptionID)
		if err != nil {
			return err
		}
		if !locked.Status.AllowsLicenseAssignment() {
			return pkgerrors.New(pkgerrors.CodeSubscriptionNotActive, "subscription is not active").
				WithDetails(map[string]any{"status": locked.Status})
		}
		if capacity < locked.LicensesInUse {
			return pkgerrors.New(pkgerrors.CodeValidation, "capacity is below licenses in use").
				WithDetails(map[string]any{"capacity": capacity, "in_use": locked.LicensesInUse})
		}
		from = locked.LicenseCapacity
		out = locked
		if capacity == locked.LicenseCapacity {
			return nil
		}
		if locked.IsLinked() {
			_, err := s.gateway.UpdateQuantity(ctx, gateway.UpdateQuantityInput{
				CustomerID:     *locked.ExternalCustomerID,
				SubscriptionID: *locked.ExternalSubscriptionID,
				ItemID:         deref(locked.ExternalItemID),
				Quantity:       capacity,
				IdempotencyKey: fmt.Sprintf("capacity-%s-%d-%d", locked.ID, capacity, locked.UpdatedAt.UnixNano()),
			})
			if err != nil {
				return err
			}
		}
		locked.LicenseCapacity = capacity
		subscriptions.MarkSynced(locked, s.now())
		if err := s.subs.SaveTx(tx, locked); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save subscription")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if from != capacity {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{"from": from, "to": capacity}), "license capacity changed")
	}
	return out, nil
}

func (s *service) PreviewProration(ctx context.Context, actorID, subscriptionID uuid.UUID, capacity int) (*gateway.ProrationPreview, error) {
	if capacity < 1 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "license capacity must be at least 1")
	}
	sub, err := s.loadSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if err := s.requireAdmin(ctx, sub.OrganizationID, actorID); err != nil {
		return nil, err
	}
	if !sub.Status.AllowsLicenseAssignment() {
		return nil, pkgerrors.New(pkgerrors.CodeSubscriptionNotActive, "subscription is not active").
			WithDetails(map[string]any{"status": sub.Status})
	}
	if capacity < sub.LicensesInUse {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "capacity is below licenses in use").
			WithDetails(map[string]any{"capacity": capacity, "in_use": sub.LicensesInUse})
	}
	if !sub.IsLinked() {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "subscription is not linked to the billing processor")
	}
	return s.gateway.PreviewProration(ctx, gateway.UpdateQuantityInput{
		CustomerID:     *sub.ExternalCustomerID,
		SubscriptionID: *sub.ExternalSubscriptionID,
		ItemID:         deref(sub.ExternalItemID),
		Quantity:       capacity,
	})
}

// CancelSubscription stops renewal at the end of the paid period. Licenses
// stay valid until then.
func (s *service) CancelSubscription(ctx context.Context, actorID, subscriptionID uuid.UUID, reason string) (*models.Subscription, error) {
	sub, err := s.loadSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if err := s.requireAdmin(ctx, sub.OrganizationID, actorID); err != nil {
		return nil, err
	}
	ctx = s.subscriptionContext(ctx, sub)

	var out *models.Subscription
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		locked, err := s.lockSubscriptionTx(tx, subscriptionID)
		if err != nil {
			return err
		}
		out = locked
		if locked.Status == enums.SubscriptionStatusCancelled {
			return nil
		}
		if !subscriptions.CanTransition(locked.Status, enums.SubscriptionStatusCancelled) {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "subscription cannot be cancelled").
				WithDetails(map[string]any{"status": locked.Status})
		}
		if locked.IsLinked() {
			if _, err := s.gateway.CancelSubscription(ctx, *locked.ExternalSubscriptionID, true); err != nil {
				return err
			}
		}
		now := s.now()
		if err := subscriptions.Cancel(locked, reason, now); err != nil {
			return err
		}
		subscriptions.MarkSynced(locked, now)
		if err := s.subs.SaveTx(tx, locked); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save subscription")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logg.Info(ctx, "subscription cancelled")
	return out, nil
}

func (s *service) ReactivateSubscription(ctx context.Context, actorID, subscriptionID uuid.UUID) (*models.Subscription, error) {
	sub, err := s.loadSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if err := s.requireAdmin(ctx, sub.OrganizationID, actorID); err != nil {
		return nil, err
	}
	ctx = s.subscriptionContext(ctx, sub)

	var out *models.Subscription
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		locked, err := s.lockSubscriptionTx(tx, subscriptionID)
		if err != nil {
			return err
		}
		now := s.now()
		// Validate locally before asking the processor to undo the cancel.
		probe := *locked
		if err := subscriptions.Reactivate(&probe, now); err != nil {
			return err
		}
		if locked.IsLinked() {
			if _, err := s.gateway.ReactivateSubscription(ctx, *locked.ExternalSubscriptionID); err != nil {
				return err
			}
		}
		if err := subscriptions.Reactivate(locked, now); err != nil {
			return err
		}
		subscriptions.MarkSynced(locked, now)
		if err := s.subs.SaveTx(tx, locked); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save subscription")
		}
		out = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logg.Info(ctx, "subscription reactivated")
	return out, nil
}

// ExpireSubscription ends the lineage and expires every license. The
// processor subscription is cancelled afterwards on a best-effort basis.
func (s *service) ExpireSubscription(ctx context.Context, subscriptionID uuid.UUID, reason string) (*models.Subscription, error) {
	sub, _, err := s.expire(ctx, subscriptionID, func(*models.Subscription) (string, bool) {
		return reason, true
	})
	return sub, err
}

func (s *service) expire(ctx context.Context, subscriptionID uuid.UUID, decide func(*models.Subscription) (string, bool)) (*models.Subscription, bool, error) {
	var (
		out     *models.Subscription
		expired bool
	)
	fx := &effects{}
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		locked, err := s.lockSubscriptionTx(tx, subscriptionID)
		if err != nil {
			return err
		}
		out = locked
		if locked.Status.IsTerminal() {
			return nil
		}
		reason, ok := decide(locked)
		if !ok {
			return nil
		}
		if err := s.expireTx(tx, locked, reason, s.now(), fx); err != nil {
			return err
		}
		expired = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !expired {
		return out, false, nil
	}
	ctx = s.subscriptionContext(ctx, out)
	s.logg.Info(ctx, "subscription expired")
	s.flush(ctx, fx)
	return out, true, nil
}

func (s *service) expireTx(tx *gorm.DB, sub *models.Subscription, reason string, at time.Time, fx *effects) error {
	if err := subscriptions.Expire(sub, reason, at); err != nil {
		return err
	}
	if _, err := s.ledger.ExpireAllTx(tx, sub); err != nil {
		return err
	}
	if err := s.subs.SaveTx(tx, sub); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save subscription")
	}
	fx.expired = append(fx.expired, *sub)
	fx.notify(subscriptionNotice(notifications.KindSubscriptionExpired, sub, map[string]string{"reason": reason}, at))
	return nil
}

func (s *service) cancelRemote(ctx context.Context, sub *models.Subscription) {
	if !sub.IsLinked() {
		return
	}
	if _, err := s.gateway.CancelSubscription(ctx, *sub.ExternalSubscriptionID, false); err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "processor cancel after expiry failed")
	}
}

// SweepExpired expires subscriptions whose paid access has run out: cancelled
// lineages past their period end, and past-due or trial lineages past the
// grace period.
func (s *service) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	cutoff := now.Add(-s.billing.GracePeriod())
	candidates, err := s.subs.ExpiryCandidates(ctx, now, cutoff, sweepBatchSize)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list expiry candidates")
	}

	var (
		count int
		errs  error
	)
	for _, candidate := range candidates {
		_, expired, err := s.expire(ctx, candidate.ID, func(locked *models.Subscription) (string, bool) {
			return expiryReason(locked, now, cutoff)
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("subscription %s: %w", candidate.ID, err))
			continue
		}
		if expired {
			count++
		}
	}
	return count, errs
}

// expiryReason re-checks a candidate under its lock; a payment may have
// landed since it was listed.
func expiryReason(sub *models.Subscription, now, graceCutoff time.Time) (string, bool) {
	switch sub.Status {
	case enums.SubscriptionStatusCancelled:
		if sub.CurrentPeriodEnd.Before(now) {
			return "cancelled period ended", true
		}
	case enums.SubscriptionStatusPastDue:
		if sub.CurrentPeriodEnd.Before(graceCutoff) {
			return "payment grace period elapsed", true
		}
	case enums.SubscriptionStatusTrial:
		end := sub.CurrentPeriodEnd
		if sub.TrialEndsAt != nil {
			end = *sub.TrialEndsAt
		}
		if end.Before(graceCutoff) {
			return "trial ended without payment", true
		}
	}
	return "", false
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
