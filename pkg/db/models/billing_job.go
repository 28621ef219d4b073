package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
)

// BillingJob is a durable unit of background work. DedupeKey makes enqueues
// idempotent across scheduler runs.
type BillingJob struct {
	ID          uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	Kind        enums.JobKind   `gorm:"column:kind;type:varchar(32);not null"`
	DedupeKey   string          `gorm:"column:dedupe_key;not null;uniqueIndex"`
	Payload     string          `gorm:"column:payload;type:jsonb;not null"`
	Status      enums.JobStatus `gorm:"column:status;type:varchar(16);not null;index"`
	Attempts    int             `gorm:"column:attempts;not null;default:0"`
	MaxAttempts int             `gorm:"column:max_attempts;not null"`
	RunAt       time.Time       `gorm:"column:run_at;not null;index"`
	LockedUntil *time.Time      `gorm:"column:locked_until"`
	LastError   *string         `gorm:"column:last_error"`
	CreatedAt   time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}
