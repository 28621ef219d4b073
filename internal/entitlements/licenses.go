package entitlements

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/sitecrew-backend/internal/licenses"
	"github.com/angelmondragon/sitecrew-backend/internal/notifications"
	"github.com/angelmondragon/sitecrew-backend/pkg/db/models"
	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/sitecrew-backend/pkg/errors"
)

// AssignLicense issues a license to an organization member. Capacity and the
// one-license-per-user rule are checked under the subscription lock.
func (s *service) AssignLicense(ctx context.Context, actorID, orgID, userID uuid.UUID) (*models.License, error) {
	if orgID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "organization id is required")
	}
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id is required")
	}
	if err := s.requireAdmin(ctx, orgID, actorID); err != nil {
		return nil, err
	}
	member, err := s.authz.IsOrgMember(ctx, orgID, userID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user is not a member of the organization").
			WithDetails(map[string]any{"user_id": userID})
	}

	var license *models.License
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		sub, err := s.subs.LockCurrentByOrganizationTx(tx, orgID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lock subscription")
		}
		if sub == nil {
			return pkgerrors.New(pkgerrors.CodeNotFound, "subscription not found")
		}
		if !sub.Status.AllowsLicenseAssignment() {
			return pkgerrors.New(pkgerrors.CodeSubscriptionNotActive, "subscription is not active").
				WithDetails(map[string]any{"status": sub.Status})
		}
		license, err = s.ledger.AssignTx(tx, sub, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"organization_id": orgID.String(),
		"license_id":      license.ID.String(),
		"user_id":         userID.String(),
	}), "license assigned")
	return license, nil
}

func (s *service) RevokeLicense(ctx context.Context, actorID, licenseID uuid.UUID, reason string) (*models.License, error) {
	license, err := s.ledger.Get(ctx, licenseID)
	if err != nil {
		return nil, err
	}
	if err := s.requireAdmin(ctx, license.OrganizationID, actorID); err != nil {
		return nil, err
	}
	revoked, err := s.ledger.Revoke(ctx, licenseID, reason)
	if err != nil {
		return nil, err
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"organization_id": license.OrganizationID.String(),
		"license_id":      licenseID.String(),
	}), "license revoked")
	return revoked, nil
}

func (s *service) ListLicenses(ctx context.Context, actorID uuid.UUID, params licenses.ListParams) (*licenses.ListResult, error) {
	if err := s.requireMember(ctx, params.OrganizationID, actorID); err != nil {
		return nil, err
	}
	return s.ledger.List(ctx, params)
}

// NotifyLicenseExpiring tells the holder and the billing contacts that a
// license runs out at validUntil. Notices for licenses that have since been
// extended, revoked or expired are dropped.
func (s *service) NotifyLicenseExpiring(ctx context.Context, licenseID uuid.UUID, validUntil time.Time) error {
	license, err := s.ledger.Get(ctx, licenseID)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			return nil
		}
		return err
	}
	if license.Status != enums.LicenseStatusActive || !license.ValidUntil.Equal(validUntil.UTC()) {
		return nil
	}

	var recipients []string
	user, err := s.orgs.FindUser(ctx, license.UserID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load license holder")
	}
	if user != nil && user.Email != "" {
		recipients = append(recipients, user.Email)
	}
	admins, err := s.orgs.ListAdminEmails(ctx, license.OrganizationID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load billing contacts")
	}
	for _, email := range admins {
		if user == nil || email != user.Email {
			recipients = append(recipients, email)
		}
	}

	now := s.now().UTC()
	days := int(license.ValidUntil.Sub(now).Hours() / 24)
	subID, licID, userID := license.SubscriptionID, license.ID, license.UserID
	notifications.Send(ctx, s.notifier, s.logg, notifications.Notification{
		ID:             uuid.New(),
		Kind:           notifications.KindLicenseExpiring,
		OrganizationID: license.OrganizationID,
		SubscriptionID: &subID,
		LicenseID:      &licID,
		UserID:         &userID,
		Recipients:     recipients,
		Data: map[string]string{
			"license_key": license.LicenseKey,
			"valid_until": license.ValidUntil.UTC().Format(time.RFC3339),
			"days_left":   strconv.Itoa(max(days, 0)),
		},
		OccurredAt: now,
	})
	return nil
}
