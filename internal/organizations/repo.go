package organizations

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/sitecrew-backend/internal/repo"
	"github.com/angelmondragon/sitecrew-backend/pkg/db/models"
	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
)

// Repository exposes organization, user and membership lookups used by billing.
type Repository struct {
	repo.Base
}

// NewRepository binds the repo to the provided GORM connection.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{Base: repo.NewBase(db)}
}

// WithTx returns a repository that runs its queries inside tx.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	return &Repository{Base: r.Bind(tx)}
}

// FindByID loads an organization, returning nil when it does not exist.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	var org models.Organization
	ok, err := repo.FirstOrNil(r.DB(ctx).Where("id = ?", id), &org)
	if err != nil || !ok {
		return nil, err
	}
	return &org, nil
}

// SetExternalCustomerID stores the processor customer id on the organization.
func (r *Repository) SetExternalCustomerID(ctx context.Context, id uuid.UUID, customerID string) error {
	return r.DB(ctx).
		Model(&models.Organization{}).
		Where("id = ?", id).
		UpdateColumn("external_customer_id", customerID).Error
}

// FindUser loads a user by id, returning nil when it does not exist.
func (r *Repository) FindUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	ok, err := repo.FirstOrNil(r.DB(ctx).Where("id = ?", id), &user)
	if err != nil || !ok {
		return nil, err
	}
	return &user, nil
}

// UserHasRole reports whether the user holds one of the provided roles in the organization.
func (r *Repository) UserHasRole(ctx context.Context, userID, orgID uuid.UUID, roles ...enums.MemberRole) (bool, error) {
	if len(roles) == 0 {
		return false, nil
	}

	var count int64
	err := r.DB(ctx).
		Model(&models.OrganizationMember{}).
		Where("user_id = ? AND organization_id = ? AND role IN ?", userID, orgID, roles).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// IsMember reports whether the user belongs to the organization in any role.
func (r *Repository) IsMember(ctx context.Context, userID, orgID uuid.UUID) (bool, error) {
	return r.UserHasRole(ctx, userID, orgID, enums.MemberRoleOwner, enums.MemberRoleAdmin, enums.MemberRoleMember)
}

// ListAdminEmails returns the billing contacts (owners and admins) of the organization.
func (r *Repository) ListAdminEmails(ctx context.Context, orgID uuid.UUID) ([]string, error) {
	var emails []string
	err := r.DB(ctx).
		Model(&models.OrganizationMember{}).
		Joins("JOIN users ON users.id = organization_members.user_id").
		Where("organization_members.organization_id = ? AND organization_members.role IN ?", orgID,
			[]enums.MemberRole{enums.MemberRoleOwner, enums.MemberRoleAdmin}).
		Order("users.email").
		Pluck("users.email", &emails).Error
	if err != nil {
		return nil, err
	}
	return emails, nil
}
