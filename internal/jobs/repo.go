package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/sitecrew-backend/internal/repo"
	"github.com/angelmondragon/sitecrew-backend/pkg/db/models"
	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
)

const defaultMaxAttempts = 8

// Repository is the billing_jobs queue.
type Repository struct {
	repo.Base
	maxAttempts int
}

// NewRepository binds the queue to conn. Jobs enqueued without an explicit
// attempt budget get maxAttempts.
func NewRepository(conn *gorm.DB, maxAttempts int) *Repository {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Repository{Base: repo.NewBase(conn), maxAttempts: maxAttempts}
}

// Enqueue inserts job unless another job already holds its dedupe key. The
// returned flag reports whether a row was written.
func (r *Repository) Enqueue(ctx context.Context, job *models.BillingJob) (bool, error) {
	if job.Status == "" {
		job.Status = enums.JobStatusPending
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = r.maxAttempts
	}
	if job.RunAt.IsZero() {
		job.RunAt = time.Now().UTC()
	}
	res := r.DB(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "dedupe_key"}}, DoNothing: true}).
		Create(job)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Claim leases up to limit runnable jobs: pending ones whose run_at has
// passed and running ones whose lease expired. Claimed rows move to running
// with attempts incremented.
func (r *Repository) Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]models.BillingJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	now = now.UTC()
	lockedUntil := now.Add(lease)

	var claimed []models.BillingJob
	err := r.DB(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("(status = ? AND run_at <= ?) OR (status = ? AND locked_until < ?)",
				enums.JobStatusPending, now, enums.JobStatusRunning, now).
			Order("run_at ASC").
			Limit(limit)
		if err := repo.SkipLocked(q).Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}

		ids := lo.Map(claimed, func(job models.BillingJob, _ int) uuid.UUID { return job.ID })
		if err := tx.Model(&models.BillingJob{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"status":       enums.JobStatusRunning,
				"locked_until": lockedUntil,
				"attempts":     gorm.Expr("attempts + 1"),
				"updated_at":   now,
			}).Error; err != nil {
			return err
		}
		for i := range claimed {
			claimed[i].Status = enums.JobStatusRunning
			claimed[i].LockedUntil = &lockedUntil
			claimed[i].Attempts++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Complete marks a job succeeded.
func (r *Repository) Complete(ctx context.Context, id uuid.UUID, now time.Time) error {
	return r.DB(ctx).Model(&models.BillingJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       enums.JobStatusSucceeded,
			"locked_until": nil,
			"last_error":   nil,
			"updated_at":   now.UTC(),
		}).Error
}

// Reschedule returns a failed job to pending, due at runAt.
func (r *Repository) Reschedule(ctx context.Context, id uuid.UUID, runAt time.Time, cause error) error {
	return r.DB(ctx).Model(&models.BillingJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       enums.JobStatusPending,
			"run_at":       runAt.UTC(),
			"locked_until": nil,
			"last_error":   errorText(cause),
			"updated_at":   time.Now().UTC(),
		}).Error
}

// Bury marks a job dead. Dead jobs are kept for inspection and never claimed.
func (r *Repository) Bury(ctx context.Context, id uuid.UUID, cause error) error {
	return r.DB(ctx).Model(&models.BillingJob{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       enums.JobStatusDead,
			"locked_until": nil,
			"last_error":   errorText(cause),
			"updated_at":   time.Now().UTC(),
		}).Error
}

// Get loads a job by id, returning nil when it does not exist.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.BillingJob, error) {
	var job models.BillingJob
	found, err := repo.FirstOrNil(r.DB(ctx).Where("id = ?", id), &job)
	if err != nil || !found {
		return nil, err
	}
	return &job, nil
}

// FindByDedupeKey loads the job holding key, returning nil when none does.
func (r *Repository) FindByDedupeKey(ctx context.Context, key string) (*models.BillingJob, error) {
	var job models.BillingJob
	found, err := repo.FirstOrNil(r.DB(ctx).Where("dedupe_key = ?", key), &job)
	if err != nil || !found {
		return nil, err
	}
	return &job, nil
}

// CountByStatus reports the queue depth per status.
func (r *Repository) CountByStatus(ctx context.Context) (map[enums.JobStatus]int64, error) {
	var rows []struct {
		Status enums.JobStatus
		Total  int64
	}
	if err := r.DB(ctx).Model(&models.BillingJob{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[enums.JobStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Total
	}
	return out, nil
}

func errorText(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if len(msg) > 1000 {
		msg = msg[:1000]
	}
	return &msg
}
