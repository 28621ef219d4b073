package licenses

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/sitecrew-backend/internal/repo"
	"github.com/angelmondragon/sitecrew-backend/pkg/db/models"
	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
)

// Repository exposes license persistence operations.
type Repository struct {
	repo.Base
}

// NewRepository constructs a license repository tied to the provided GORM DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{Base: repo.NewBase(db)}
}

// CreateTx inserts a new license row inside tx.
func (r *Repository) CreateTx(tx *gorm.DB, license *models.License) error {
	return tx.Create(license).Error
}

// FindByID loads a license, returning nil when it does not exist.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.License, error) {
	return r.FindByIDTx(r.DB(ctx), id)
}

// FindByIDTx loads a license through tx.
func (r *Repository) FindByIDTx(tx *gorm.DB, id uuid.UUID) (*models.License, error) {
	var license models.License
	ok, err := repo.FirstOrNil(tx.Where("id = ?", id), &license)
	if err != nil || !ok {
		return nil, err
	}
	return &license, nil
}

// FindActiveTx returns the active license for the pair, if any.
func (r *Repository) FindActiveTx(tx *gorm.DB, orgID, userID uuid.UUID) (*models.License, error) {
	var license models.License
	ok, err := repo.FirstOrNil(
		tx.Where("organization_id = ? AND user_id = ? AND status = ?", orgID, userID, enums.LicenseStatusActive),
		&license,
	)
	if err != nil || !ok {
		return nil, err
	}
	return &license, nil
}

// HasActive reports whether the user holds an active license in the organization.
func (r *Repository) HasActive(ctx context.Context, orgID, userID uuid.UUID) (bool, error) {
	var count int64
	err := r.DB(ctx).
		Model(&models.License{}).
		Where("organization_id = ? AND user_id = ? AND status = ?", orgID, userID, enums.LicenseStatusActive).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// RevokeTx marks an active license revoked. It reports whether a row changed.
func (r *Repository) RevokeTx(tx *gorm.DB, id uuid.UUID, reason string, at time.Time) (bool, error) {
	res := tx.Model(&models.License{}).
		Where("id = ? AND status = ?", id, enums.LicenseStatusActive).
		Updates(map[string]any{
			"status":        enums.LicenseStatusRevoked,
			"revoked_at":    at,
			"revoke_reason": reason,
			"updated_at":    at,
		})
	return res.RowsAffected > 0, res.Error
}

// ExpireBySubscriptionTx expires the subscription's active licenses. When
// before is non-nil only licenses whose validity ended before it are touched.
func (r *Repository) ExpireBySubscriptionTx(tx *gorm.DB, subscriptionID uuid.UUID, before *time.Time, at time.Time) (int64, error) {
	q := tx.Model(&models.License{}).
		Where("subscription_id = ? AND status = ?", subscriptionID, enums.LicenseStatusActive)
	if before != nil {
		q = q.Where("valid_until < ?", *before)
	}
	res := q.Updates(map[string]any{
		"status":     enums.LicenseStatusExpired,
		"updated_at": at,
	})
	return res.RowsAffected, res.Error
}

// ExtendTx moves valid_until of the subscription's active licenses.
func (r *Repository) ExtendTx(tx *gorm.DB, subscriptionID uuid.UUID, validUntil, at time.Time) (int64, error) {
	res := tx.Model(&models.License{}).
		Where("subscription_id = ? AND status = ?", subscriptionID, enums.LicenseStatusActive).
		Updates(map[string]any{
			"valid_until": validUntil,
			"updated_at":  at,
		})
	return res.RowsAffected, res.Error
}

// NewestActiveTx returns up to n active licenses, most recently assigned first.
func (r *Repository) NewestActiveTx(tx *gorm.DB, subscriptionID uuid.UUID, n int) ([]models.License, error) {
	var rows []models.License
	err := tx.
		Where("subscription_id = ? AND status = ?", subscriptionID, enums.LicenseStatusActive).
		Order("assigned_at DESC").Order("id DESC").
		Limit(n).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// CountActiveTx counts the subscription's active licenses.
func (r *Repository) CountActiveTx(tx *gorm.DB, subscriptionID uuid.UUID) (int, error) {
	var count int64
	err := tx.Model(&models.License{}).
		Where("subscription_id = ? AND status = ?", subscriptionID, enums.LicenseStatusActive).
		Count(&count).Error
	return int(count), err
}

// DueSubscriptionIDs returns subscriptions holding active licenses whose
// validity ended before now and whose access is no longer held open. Access
// stays open for live subscriptions until period end plus grace.
func (r *Repository) DueSubscriptionIDs(ctx context.Context, now, graceCutoff time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.DB(ctx).
		Model(&models.License{}).
		Distinct("licenses.subscription_id").
		Joins("JOIN subscriptions ON subscriptions.id = licenses.subscription_id").
		Where("licenses.status = ? AND licenses.valid_until < ?", enums.LicenseStatusActive, now).
		Where("(subscriptions.status NOT IN ? OR subscriptions.current_period_end < ?)", liveStatuses, graceCutoff).
		Pluck("licenses.subscription_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ExpiringBetween returns active licenses whose validity ends inside
// [from, to), keyed by id after afterID.
func (r *Repository) ExpiringBetween(ctx context.Context, from, to time.Time, afterID uuid.UUID, limit int) ([]models.License, error) {
	var rows []models.License
	err := r.DB(ctx).
		Where("status = ? AND valid_until >= ? AND valid_until < ? AND id > ?", enums.LicenseStatusActive, from, to, afterID).
		Order("id").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// List returns organization-scoped licenses using cursor pagination.
func (r *Repository) List(ctx context.Context, opts listQuery) ([]models.License, error) {
	query := r.DB(ctx).Model(&models.License{}).Where("organization_id = ?", opts.organizationID)

	if opts.status != "" {
		query = query.Where("status = ?", opts.status)
	}
	if opts.cursor != nil {
		query = query.Where("((created_at < ?) OR (created_at = ? AND id < ?))", opts.cursor.CreatedAt, opts.cursor.CreatedAt, opts.cursor.ID)
	}

	query = query.Order("created_at DESC").Order("id DESC").Limit(opts.limit)

	var rows []models.License
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

var liveStatuses = []enums.SubscriptionStatus{
	enums.SubscriptionStatusTrial,
	enums.SubscriptionStatusActive,
	enums.SubscriptionStatusPastDue,
}
