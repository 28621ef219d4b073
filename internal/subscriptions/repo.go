package subscriptions

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/sitecrew-backend/internal/repo"
	"github.com/angelmondragon/sitecrew-backend/pkg/db/models"
	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
)

// Repository persists subscriptions. Lock* methods take the row lock that
// serializes every mutation of one subscription and its license pool.
type Repository struct {
	repo.Base
}

// NewRepository binds the repo to the provided GORM connection.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{Base: repo.NewBase(db)}
}

// CreateTx inserts the subscription. A second non-expired subscription for the
// same organization fails on ux_subscriptions_org_current.
func (r *Repository) CreateTx(tx *gorm.DB, sub *models.Subscription) error {
	return tx.Create(sub).Error
}

// SaveTx writes every column of the subscription.
func (r *Repository) SaveTx(tx *gorm.DB, sub *models.Subscription) error {
	return tx.Save(sub).Error
}

// SetLicensesInUseTx overwrites the cached license counter.
func (r *Repository) SetLicensesInUseTx(tx *gorm.DB, id uuid.UUID, n int) error {
	return tx.Model(&models.Subscription{}).
		Where("id = ?", id).
		UpdateColumn("licenses_in_use", n).Error
}

// FindByID loads a subscription, returning nil when it does not exist.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	return first(r.DB(ctx).Where("id = ?", id))
}

// FindCurrentByOrganization returns the organization's non-expired subscription.
func (r *Repository) FindCurrentByOrganization(ctx context.Context, orgID uuid.UUID) (*models.Subscription, error) {
	return first(currentByOrganization(r.DB(ctx), orgID))
}

// FindLatestByOrganization returns the newest subscription regardless of status.
func (r *Repository) FindLatestByOrganization(ctx context.Context, orgID uuid.UUID) (*models.Subscription, error) {
	return first(r.DB(ctx).Where("organization_id = ?", orgID).Order("created_at DESC"))
}

// LockByIDTx loads and locks a subscription by id.
func (r *Repository) LockByIDTx(tx *gorm.DB, id uuid.UUID) (*models.Subscription, error) {
	return first(repo.ForUpdate(tx.Where("id = ?", id)))
}

// LockCurrentByOrganizationTx loads and locks the organization's non-expired subscription.
func (r *Repository) LockCurrentByOrganizationTx(tx *gorm.DB, orgID uuid.UUID) (*models.Subscription, error) {
	return first(repo.ForUpdate(currentByOrganization(tx, orgID)))
}

// LockByExternalIDTx loads and locks the subscription linked to a processor subscription id.
func (r *Repository) LockByExternalIDTx(tx *gorm.DB, externalID string) (*models.Subscription, error) {
	return first(repo.ForUpdate(tx.Where("external_subscription_id = ?", externalID)))
}

// LockByExternalCustomerTx loads and locks the non-expired subscription of a processor customer.
func (r *Repository) LockByExternalCustomerTx(tx *gorm.DB, customerID string) (*models.Subscription, error) {
	return first(repo.ForUpdate(
		tx.Where("external_customer_id = ? AND status <> ?", customerID, enums.SubscriptionStatusExpired).
			Order("created_at DESC"),
	))
}

// DueForRenewal lists auto-renewing subscriptions whose period ends before
// cutoff, keyed by id after afterID.
func (r *Repository) DueForRenewal(ctx context.Context, cutoff time.Time, afterID uuid.UUID, limit int) ([]models.Subscription, error) {
	var rows []models.Subscription
	err := r.DB(ctx).
		Where("auto_renew = ? AND status IN ? AND current_period_end <= ? AND id > ?", true,
			[]enums.SubscriptionStatus{enums.SubscriptionStatusActive, enums.SubscriptionStatusTrial}, cutoff, afterID).
		Order("id").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ExpiryCandidates lists subscriptions the expiry sweep should evaluate:
// cancelled past period end, past due past period end plus grace, and trials
// past trial end plus grace.
func (r *Repository) ExpiryCandidates(ctx context.Context, now, graceCutoff time.Time, limit int) ([]models.Subscription, error) {
	var rows []models.Subscription
	err := r.DB(ctx).
		Where(
			"(status = ? AND current_period_end < ?) OR (status = ? AND current_period_end < ?) OR (status = ? AND COALESCE(trial_ends_at, current_period_end) < ?)",
			enums.SubscriptionStatusCancelled, now,
			enums.SubscriptionStatusPastDue, graceCutoff,
			enums.SubscriptionStatusTrial, graceCutoff,
		).
		Order("current_period_end").Order("id").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ListLinked returns non-expired subscriptions that carry processor identifiers.
func (r *Repository) ListLinked(ctx context.Context, afterID uuid.UUID, limit int) ([]models.Subscription, error) {
	var rows []models.Subscription
	err := r.DB(ctx).
		Where("external_subscription_id IS NOT NULL AND status <> ? AND id > ?", enums.SubscriptionStatusExpired, afterID).
		Order("id").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func currentByOrganization(q *gorm.DB, orgID uuid.UUID) *gorm.DB {
	return q.Where("organization_id = ? AND status <> ?", orgID, enums.SubscriptionStatusExpired)
}

func first(q *gorm.DB) (*models.Subscription, error) {
	var sub models.Subscription
	ok, err := repo.FirstOrNil(q, &sub)
	if err != nil || !ok {
		return nil, err
	}
	return &sub, nil
}
