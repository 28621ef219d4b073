package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
)

// License binds one user to one organization's subscription. Rows are never
// deleted; revocation and expiry are status changes.
type License struct {
	ID             uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	OrganizationID uuid.UUID           `gorm:"column:organization_id;type:uuid;not null;index"`
	UserID         uuid.UUID           `gorm:"column:user_id;type:uuid;not null;index"`
	SubscriptionID uuid.UUID           `gorm:"column:subscription_id;type:uuid;not null;index"`
	LicenseKey     string              `gorm:"column:license_key;not null;uniqueIndex"`
	Status         enums.LicenseStatus `gorm:"column:status;type:varchar(16);not null"`
	ValidFrom      time.Time           `gorm:"column:valid_from;not null"`
	ValidUntil     time.Time           `gorm:"column:valid_until;not null;index"`
	AssignedAt     time.Time           `gorm:"column:assigned_at;not null"`
	RevokedAt      *time.Time          `gorm:"column:revoked_at"`
	RevokeReason   *string             `gorm:"column:revoke_reason"`
	CreatedAt      time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}
