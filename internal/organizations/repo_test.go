package organizations

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/sitecrew-backend/pkg/db/dbtest"
	"github.com/angelmondragon/sitecrew-backend/pkg/db/models"
	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
)

func TestRepositoryLookups(t *testing.T) {
	conn := dbtest.Open(t)
	orgID, ownerID := dbtest.SeedOrganization(t, conn)
	repo := NewRepository(conn)
	ctx := context.Background()

	org, err := repo.FindByID(ctx, orgID)
	require.NoError(t, err)
	require.NotNil(t, org)
	require.Nil(t, org.ExternalCustomerID)

	missing, err := repo.FindByID(ctx, uuid.New())
	require.NoError(t, err)
	require.Nil(t, missing)

	require.NoError(t, repo.SetExternalCustomerID(ctx, orgID, "cus_123"))
	org, err = repo.FindByID(ctx, orgID)
	require.NoError(t, err)
	require.Equal(t, "cus_123", *org.ExternalCustomerID)

	user, err := repo.FindUser(ctx, ownerID)
	require.NoError(t, err)
	require.NotNil(t, user)

	emails, err := repo.ListAdminEmails(ctx, orgID)
	require.NoError(t, err)
	require.Equal(t, []string{user.Email}, emails)
}

func TestAuthorizerRoles(t *testing.T) {
	conn := dbtest.Open(t)
	orgID, ownerID := dbtest.SeedOrganization(t, conn)
	memberID := dbtest.SeedUser(t, conn)
	require.NoError(t, conn.Create(&models.OrganizationMember{
		OrganizationID: orgID,
		UserID:         memberID,
		Role:           enums.MemberRoleMember,
	}).Error)
	outsiderID := dbtest.SeedUser(t, conn)

	authz, err := NewAuthorizer(NewRepository(conn))
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := authz.IsOrgAdmin(ctx, orgID, ownerID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = authz.IsOrgAdmin(ctx, orgID, memberID)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = authz.IsOrgMember(ctx, orgID, memberID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = authz.IsOrgMember(ctx, orgID, outsiderID)
	require.NoError(t, err)
	require.False(t, ok)
}
