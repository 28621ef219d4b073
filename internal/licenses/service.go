package licenses

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/sitecrew-backend/pkg/db"
	"github.com/angelmondragon/sitecrew-backend/pkg/db/models"
	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/sitecrew-backend/pkg/errors"
	pkgpagination "github.com/angelmondragon/sitecrew-backend/pkg/pagination"
)

// ReasonCapacityReduced marks licenses revoked because the seat count shrank remotely.
const ReasonCapacityReduced = "capacity_reduced"

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type licensesRepository interface {
	CreateTx(tx *gorm.DB, license *models.License) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.License, error)
	FindByIDTx(tx *gorm.DB, id uuid.UUID) (*models.License, error)
	FindActiveTx(tx *gorm.DB, orgID, userID uuid.UUID) (*models.License, error)
	HasActive(ctx context.Context, orgID, userID uuid.UUID) (bool, error)
	RevokeTx(tx *gorm.DB, id uuid.UUID, reason string, at time.Time) (bool, error)
	ExpireBySubscriptionTx(tx *gorm.DB, subscriptionID uuid.UUID, before *time.Time, at time.Time) (int64, error)
	ExtendTx(tx *gorm.DB, subscriptionID uuid.UUID, validUntil, at time.Time) (int64, error)
	NewestActiveTx(tx *gorm.DB, subscriptionID uuid.UUID, n int) ([]models.License, error)
	CountActiveTx(tx *gorm.DB, subscriptionID uuid.UUID) (int, error)
	DueSubscriptionIDs(ctx context.Context, now, graceCutoff time.Time) ([]uuid.UUID, error)
	ExpiringBetween(ctx context.Context, from, to time.Time, afterID uuid.UUID, limit int) ([]models.License, error)
	List(ctx context.Context, opts listQuery) ([]models.License, error)
}

type subscriptionStore interface {
	LockByIDTx(tx *gorm.DB, id uuid.UUID) (*models.Subscription, error)
	LockCurrentByOrganizationTx(tx *gorm.DB, orgID uuid.UUID) (*models.Subscription, error)
	SetLicensesInUseTx(tx *gorm.DB, id uuid.UUID, n int) error
}

// Ledger tracks per-(organization, user) licenses against subscription capacity.
// Every mutation runs under the owning subscription's row lock and keeps the
// cached licenses_in_use counter in the same transaction.
type Ledger interface {
	Assign(ctx context.Context, orgID, userID uuid.UUID) (*models.License, error)
	AssignTx(tx *gorm.DB, sub *models.Subscription, userID uuid.UUID) (*models.License, error)
	Revoke(ctx context.Context, licenseID uuid.UUID, reason string) (*models.License, error)
	HasActive(ctx context.Context, orgID, userID uuid.UUID) (bool, error)
	ExpireDue(ctx context.Context, now time.Time) (int, error)
	ExpireAllTx(tx *gorm.DB, sub *models.Subscription) (int, error)
	ExtendTx(tx *gorm.DB, sub *models.Subscription, validUntil time.Time) error
	ShrinkToTx(tx *gorm.DB, sub *models.Subscription, capacity int, reason string) (int, error)
	Get(ctx context.Context, licenseID uuid.UUID) (*models.License, error)
	List(ctx context.Context, params ListParams) (*ListResult, error)
	ExpiringBetween(ctx context.Context, from, to time.Time, afterID uuid.UUID, limit int) ([]models.License, error)
}

type LedgerParams struct {
	Repo          licensesRepository
	Subscriptions subscriptionStore
	DB            txRunner
	GracePeriod   time.Duration
	Now           func() time.Time
}

type ledger struct {
	repo  licensesRepository
	subs  subscriptionStore
	db    txRunner
	grace time.Duration
	now   func() time.Time
	keys  func() string
}

// NewLedger builds the license ledger.
func NewLedger(params LedgerParams) (Ledger, error) {
	if params.Repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "license repository required")
	}
	if params.Subscriptions == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "subscription store required")
	}
	if params.DB == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	}
	if params.GracePeriod < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "grace period must not be negative")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &ledger{
		repo:  params.Repo,
		subs:  params.Subscriptions,
		db:    params.DB,
		grace: params.GracePeriod,
		now:   now,
		keys:  newLicenseKey,
	}, nil
}

func newLicenseKey() string {
	return "LIC-" + ulid.Make().String()
}

func (l *ledger) Assign(ctx context.Context, orgID, userID uuid.UUID) (*models.License, error) {
	if orgID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "organization id is required")
	}
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}

	var created *models.License
	err := l.db.WithTx(ctx, func(tx *gorm.DB) error {
		sub, err := l.subs.LockCurrentByOrganizationTx(tx, orgID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock subscription")
		}
		if sub == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
		}
		created, err = l.AssignTx(tx, sub, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// AssignTx issues a license against a subscription the caller has locked.
func (l *ledger) AssignTx(tx *gorm.DB, sub *models.Subscription, userID uuid.UUID) (*models.License, error) {
	existing, err := l.repo.FindActiveTx(tx, sub.OrganizationID, userID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check active license")
	}
	if existing != nil {
		return nil, pkgerrors.New(pkgerrors.CodeAlreadyLicensed, "user already holds an active license").
			WithDetails(map[string]any{"license_id": existing.ID})
	}
	if sub.LicensesInUse >= sub.LicenseCapacity {
		return nil, pkgerrors.New(pkgerrors.CodeCapacityExceeded, "no licenses available").
			WithDetails(map[string]any{"capacity": sub.LicenseCapacity, "in_use": sub.LicensesInUse})
	}

	now := l.now().UTC()
	license := &models.License{
		OrganizationID: sub.OrganizationID,
		UserID:         userID,
		SubscriptionID: sub.ID,
		LicenseKey:     l.keys(),
		Status:         enums.LicenseStatusActive,
		ValidFrom:      now,
		ValidUntil:     ValidUntil(sub),
		AssignedAt:     now,
	}
	if err := l.repo.CreateTx(tx, license); err != nil {
		if db.IsUniqueViolation(err) {
			return nil, pkgerrors.New(pkgerrors.CodeAlreadyLicensed, "user already holds an active license")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create license")
	}
	if err := l.syncInUseTx(tx, sub); err != nil {
		return nil, err
	}
	return license, nil
}

// ValidUntil never exceeds the period the subscription has paid for.
func ValidUntil(sub *models.Subscription) time.Time {
	until := sub.CurrentPeriodEnd
	if sub.Status == enums.SubscriptionStatusTrial && sub.TrialEndsAt != nil && sub.TrialEndsAt.Before(until) {
		until = *sub.TrialEndsAt
	}
	return until.UTC()
}

func (l *ledger) Revoke(ctx context.Context, licenseID uuid.UUID, reason string) (*models.License, error) {
	if licenseID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "license id is required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "revoked"
	}

	license, err := l.repo.FindByID(ctx, licenseID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load license")
	}
	if license == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "license not found")
	}
	if license.Status != enums.LicenseStatusActive {
		return license, nil
	}

	err = l.db.WithTx(ctx, func(tx *gorm.DB) error {
		sub, err := l.subs.LockByIDTx(tx, license.SubscriptionID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock subscription")
		}
		changed, err := l.repo.RevokeTx(tx, license.ID, reason, l.now().UTC())
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "revoke license")
		}
		if !changed || sub == nil {
			return nil
		}
		return l.syncInUseTx(tx, sub)
	})
	if err != nil {
		return nil, err
	}

	updated, err := l.repo.FindByID(ctx, licenseID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload license")
	}
	return updated, nil
}

func (l *ledger) HasActive(ctx context.Context, orgID, userID uuid.UUID) (bool, error) {
	ok, err := l.repo.HasActive(ctx, orgID, userID)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check active license")
	}
	return ok, nil
}

func (l *ledger) Get(ctx context.Context, licenseID uuid.UUID) (*models.License, error) {
	license, err := l.repo.FindByID(ctx, licenseID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load license")
	}
	if license == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "license not found")
	}
	return license, nil
}

// ExpireDue expires active licenses whose validity has ended. Licenses of a
// live subscription stay usable until its period end plus the grace period.
func (l *ledger) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	cutoff := now.Add(-l.grace)

	ids, err := l.repo.DueSubscriptionIDs(ctx, now, cutoff)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "find due licenses")
	}

	var (
		total int
		errs  error
	)
	for _, id := range ids {
		err := l.db.WithTx(ctx, func(tx *gorm.DB) error {
			sub, err := l.subs.LockByIDTx(tx, id)
			if err != nil {
				return err
			}
			if sub == nil || holdsAccess(sub, cutoff) {
				return nil
			}
			n, err := l.repo.ExpireBySubscriptionTx(tx, id, &now, now)
			if err != nil {
				return err
			}
			if n == 0 {
				return nil
			}
			total += int(n)
			return l.syncInUseTx(tx, sub)
		})
		errs = multierr.Append(errs, err)
	}
	return total, errs
}

func holdsAccess(sub *models.Subscription, graceCutoff time.Time) bool {
	return lo.Contains(liveStatuses, sub.Status) && !sub.CurrentPeriodEnd.Before(graceCutoff)
}

// ExpireAllTx expires every active license of a locked subscription.
func (l *ledger) ExpireAllTx(tx *gorm.DB, sub *models.Subscription) (int, error) {
	n, err := l.repo.ExpireBySubscriptionTx(tx, sub.ID, nil, l.now().UTC())
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "expire licenses")
	}
	if err := l.syncInUseTx(tx, sub); err != nil {
		return 0, err
	}
	return int(n), nil
}

// ExtendTx moves the validity of a locked subscription's active licenses.
func (l *ledger) ExtendTx(tx *gorm.DB, sub *models.Subscription, validUntil time.Time) error {
	if _, err := l.repo.ExtendTx(tx, sub.ID, validUntil.UTC(), l.now().UTC()); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "extend licenses")
	}
	return nil
}

// ShrinkToTx revokes the most recently assigned licenses until in-use fits capacity.
func (l *ledger) ShrinkToTx(tx *gorm.DB, sub *models.Subscription, capacity int, reason string) (int, error) {
	if err := l.syncInUseTx(tx, sub); err != nil {
		return 0, err
	}
	excess := sub.LicensesInUse - capacity
	if excess <= 0 {
		return 0, nil
	}

	rows, err := l.repo.NewestActiveTx(tx, sub.ID, excess)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load newest licenses")
	}
	now := l.now().UTC()
	revoked := 0
	for _, row := range rows {
		changed, err := l.repo.RevokeTx(tx, row.ID, reason, now)
		if err != nil {
			return revoked, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "revoke license")
		}
		if changed {
			revoked++
		}
	}
	return revoked, l.syncInUseTx(tx, sub)
}

func (l *ledger) syncInUseTx(tx *gorm.DB, sub *models.Subscription) error {
	count, err := l.repo.CountActiveTx(tx, sub.ID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count licenses")
	}
	if err := l.subs.SetLicensesInUseTx(tx, sub.ID, count); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update licenses in use")
	}
	sub.LicensesInUse = count
	return nil
}

func (l *ledger) ExpiringBetween(ctx context.Context, from, to time.Time, afterID uuid.UUID, limit int) ([]models.License, error) {
	rows, err := l.repo.ExpiringBetween(ctx, from.UTC(), to.UTC(), afterID, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list expiring licenses")
	}
	return rows, nil
}

func (l *ledger) List(ctx context.Context, params ListParams) (*ListResult, error) {
	if params.OrganizationID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "organization id is required")
	}
	if params.Status != "" && !params.Status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid license status")
	}

	query := listQuery{
		organizationID: params.OrganizationID,
		status:         params.Status,
		limit:          pkgpagination.LimitWithBuffer(params.Limit),
	}
	if params.Cursor != "" {
		cursor, err := pkgpagination.ParseCursor(params.Cursor)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
		}
		query.cursor = cursor
	}

	rows, err := l.repo.List(ctx, query)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list licenses")
	}

	rows, nextCursor := pkgpagination.Trim(rows, params.Limit, func(row models.License) pkgpagination.Cursor {
		return pkgpagination.Cursor{CreatedAt: row.CreatedAt, ID: row.ID}
	})
	return &ListResult{
		Items:  lo.Map(rows, func(row models.License, _ int) ListItem { return toListItem(row) }),
		Cursor: nextCursor,
	}, nil
}
