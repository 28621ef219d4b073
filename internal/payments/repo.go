package payments

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/sitecrew-backend/internal/repo"
	"github.com/angelmondragon/sitecrew-backend/pkg/db/models"
	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
	pkgpagination "github.com/angelmondragon/sitecrew-backend/pkg/pagination"
)

// Repository persists payment transactions. Rows are never deleted.
type Repository struct {
	repo.Base
}

// NewRepository binds the repo to the provided GORM connection.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{Base: repo.NewBase(db)}
}

// CreateTx inserts a transaction. Duplicate external ids fail on the unique index.
func (r *Repository) CreateTx(tx *gorm.DB, payment *models.PaymentTransaction) error {
	return tx.Create(payment).Error
}

// SaveTx writes every column of the transaction.
func (r *Repository) SaveTx(tx *gorm.DB, payment *models.PaymentTransaction) error {
	return tx.Save(payment).Error
}

// FindByID loads a transaction, returning nil when it does not exist.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error) {
	return first(r.DB(ctx).Where("id = ?", id))
}

// LockByIDTx loads and locks a transaction.
func (r *Repository) LockByIDTx(tx *gorm.DB, id uuid.UUID) (*models.PaymentTransaction, error) {
	return first(repo.ForUpdate(tx.Where("id = ?", id)))
}

// FindByExternalIDTx loads the transaction keyed by the idempotency key
// without locking it. Callers lock the owning subscription first.
func (r *Repository) FindByExternalIDTx(tx *gorm.DB, externalID string) (*models.PaymentTransaction, error) {
	return first(tx.Where("external_id = ?", externalID))
}

// FindByProcessorReferenceTx loads, without locking, the transaction the
// processor knows by ref (payment intent or charge id).
func (r *Repository) FindByProcessorReferenceTx(tx *gorm.DB, ref string) (*models.PaymentTransaction, error) {
	return first(tx.Where("processor_reference = ?", ref).Order("created_at DESC"))
}

// DueRetries lists failed transactions whose next retry time has passed,
// keyed by id after afterID.
func (r *Repository) DueRetries(ctx context.Context, now time.Time, afterID uuid.UUID, limit int) ([]models.PaymentTransaction, error) {
	var rows []models.PaymentTransaction
	err := r.DB(ctx).
		Where("status = ? AND retry_count < max_retries AND next_retry_at <= ? AND id > ?", enums.PaymentStatusFailed, now, afterID).
		Order("id").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// List returns organization-scoped transactions newest first.
func (r *Repository) List(ctx context.Context, opts listQuery) ([]models.PaymentTransaction, error) {
	query := r.DB(ctx).Model(&models.PaymentTransaction{}).Where("organization_id = ?", opts.organizationID)
	if opts.status != "" {
		query = query.Where("status = ?", opts.status)
	}
	if opts.cursor != nil {
		query = query.Where("((created_at < ?) OR (created_at = ? AND id < ?))", opts.cursor.CreatedAt, opts.cursor.CreatedAt, opts.cursor.ID)
	}

	var rows []models.PaymentTransaction
	err := query.Order("created_at DESC").Order("id DESC").Limit(opts.limit).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// RevenueRow is one per-status aggregate.
type RevenueRow struct {
	Status        enums.PaymentStatus
	Count         int64
	TotalCents    int64
	RefundedCents int64
}

// RevenueByStatus aggregates transactions in [from, to) per status.
func (r *Repository) RevenueByStatus(ctx context.Context, orgID uuid.UUID, from, to time.Time) ([]RevenueRow, error) {
	var rows []RevenueRow
	err := r.DB(ctx).
		Model(&models.PaymentTransaction{}).
		Select("status, COUNT(*) AS count, COALESCE(SUM(total_cents), 0) AS total_cents, COALESCE(SUM(refunded_amount_cents), 0) AS refunded_cents").
		Where("organization_id = ? AND transaction_at >= ? AND transaction_at < ?", orgID, from, to).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

type listQuery struct {
	organizationID uuid.UUID
	status         enums.PaymentStatus
	limit          int
	cursor         *pkgpagination.Cursor
}

func first(q *gorm.DB) (*models.PaymentTransaction, error) {
	var payment models.PaymentTransaction
	ok, err := repo.FirstOrNil(q, &payment)
	if err != nil || !ok {
		return nil, err
	}
	return &payment, nil
}
