package organizations

import (
	"context"

	"github.com/google/uuid"

	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/sitecrew-backend/pkg/errors"
)

type roleChecker interface {
	UserHasRole(ctx context.Context, userID, orgID uuid.UUID, roles ...enums.MemberRole) (bool, error)
}

// Authorizer answers billing permission questions for organization members.
type Authorizer struct {
	roles roleChecker
}

// NewAuthorizer builds an authorizer backed by membership lookups.
func NewAuthorizer(roles roleChecker) (*Authorizer, error) {
	if roles == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "role checker required")
	}
	return &Authorizer{roles: roles}, nil
}

// IsOrgAdmin reports whether the user may manage billing for the organization.
func (a *Authorizer) IsOrgAdmin(ctx context.Context, orgID, userID uuid.UUID) (bool, error) {
	if orgID == uuid.Nil || userID == uuid.Nil {
		return false, nil
	}
	ok, err := a.roles.UserHasRole(ctx, userID, orgID, enums.MemberRoleOwner, enums.MemberRoleAdmin)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check organization role")
	}
	return ok, nil
}

// IsOrgMember reports whether the user may read the organization's billing state.
func (a *Authorizer) IsOrgMember(ctx context.Context, orgID, userID uuid.UUID) (bool, error) {
	if orgID == uuid.Nil || userID == uuid.Nil {
		return false, nil
	}
	ok, err := a.roles.UserHasRole(ctx, userID, orgID, enums.MemberRoleOwner, enums.MemberRoleAdmin, enums.MemberRoleMember)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check organization membership")
	}
	return ok, nil
}
