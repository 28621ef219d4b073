package licenses

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/sitecrew-backend/pkg/db/models"
	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
	pkgpagination "github.com/angelmondragon/sitecrew-backend/pkg/pagination"
)

type ListParams struct {
	OrganizationID uuid.UUID
	Status         enums.LicenseStatus
	pkgpagination.Params
}

type ListResult struct {
	Items  []ListItem `json:"items"`
	Cursor string     `json:"cursor"`
}

type ListItem struct {
	ID             uuid.UUID           `json:"id"`
	OrganizationID uuid.UUID           `json:"organization_id"`
	UserID         uuid.UUID           `json:"user_id"`
	SubscriptionID uuid.UUID           `json:"subscription_id"`
	LicenseKey     string              `json:"license_key"`
	Status         enums.LicenseStatus `json:"status"`
	ValidFrom      time.Time           `json:"valid_from"`
	ValidUntil     time.Time           `json:"valid_until"`
	AssignedAt     time.Time           `json:"assigned_at"`
	RevokedAt      *time.Time          `json:"revoked_at,omitempty"`
	RevokeReason   *string             `json:"revoke_reason,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
}

type listQuery struct {
	organizationID uuid.UUID
	status         enums.LicenseStatus
	limit          int
	cursor         *pkgpagination.Cursor
}

func toListItem(m models.License) ListItem {
	return ListItem{
		ID:             m.ID,
		OrganizationID: m.OrganizationID,
		UserID:         m.UserID,
		SubscriptionID: m.SubscriptionID,
		LicenseKey:     m.LicenseKey,
		Status:         m.Status,
		ValidFrom:      m.ValidFrom,
		ValidUntil:     m.ValidUntil,
		AssignedAt:     m.AssignedAt,
		RevokedAt:      m.RevokedAt,
		RevokeReason:   m.RevokeReason,
		CreatedAt:      m.CreatedAt,
	}
}

// ToListItem exposes the list projection for single-license responses.
func ToListItem(m models.License) ListItem {
	return toListItem(m)
}
