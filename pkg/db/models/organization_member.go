package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
)

// OrganizationMember links a user with an organization and captures their role.
type OrganizationMember struct {
	ID             uuid.UUID        `gorm:"column:id;type:uuid;primaryKey"`
	OrganizationID uuid.UUID        `gorm:"column:organization_id;type:uuid;not null;uniqueIndex:ux_org_members_org_user"`
	UserID         uuid.UUID        `gorm:"column:user_id;type:uuid;not null;uniqueIndex:ux_org_members_org_user"`
	Role           enums.MemberRole `gorm:"column:role;type:varchar(32);not null"`
	CreatedAt      time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}
