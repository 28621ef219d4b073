package licenses

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/sitecrew-backend/api/middleware"
	"github.com/angelmondragon/sitecrew-backend/api/responses"
	"github.com/angelmondragon/sitecrew-backend/api/validators"
	"github.com/angelmondragon/sitecrew-backend/internal/entitlements"
	"github.com/angelmondragon/sitecrew-backend/internal/licenses"
	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/sitecrew-backend/pkg/errors"
	"github.com/angelmondragon/sitecrew-backend/pkg/logger"
)

const maxReasonLen = 500

type assignRequest struct {
	UserID string `json:"user_id" validate:"required,uuid"`
}

type revokeRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

// List returns a page of the organization's licenses, newest first.
func List(svc entitlements.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID, orgID, ok := prepare(svc, logg, w, r, "orgID")
		if !ok {
			return
		}

		page, err := validators.ParsePage(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		status, err := validators.ParseQueryEnum(r, "status", enums.ParseLicenseStatus)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		params := licenses.ListParams{
			OrganizationID: orgID,
			Params:         page,
			Status:         status,
		}

		result, err := svc.ListLicenses(r.Context(), actorID, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// Assign grants a license on the organization's subscription to a member.
func Assign(svc entitlements.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID, orgID, ok := prepare(svc, logg, w, r, "orgID")
		if !ok {
			return
		}

		var payload assignRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		userID, err := uuid.Parse(payload.UserID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "user_id must be a valid UUID"))
			return
		}

		license, err := svc.AssignLicense(r.Context(), actorID, orgID, userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, licenses.ToListItem(*license))
	}
}

// Revoke releases a license back to the pool.
func Revoke(svc entitlements.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID, licenseID, ok := prepare(svc, logg, w, r, "licenseID")
		if !ok {
			return
		}

		var payload revokeRequest
		if err := validators.DecodeOptionalJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		license, err := svc.RevokeLicense(r.Context(), actorID, licenseID, validators.SanitizeString(payload.Reason, maxReasonLen))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, licenses.ToListItem(*license))
	}
}

func prepare(svc entitlements.Service, logg *logger.Logger, w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, uuid.UUID, bool) {
	if svc == nil {
		responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "entitlement service unavailable"))
		return uuid.Nil, uuid.Nil, false
	}
	actorID, err := middleware.ActorID(r.Context())
	if err != nil {
		responses.WriteError(r.Context(), logg, w, err)
		return uuid.Nil, uuid.Nil, false
	}
	id, err := validators.ParseUUIDParam(r, param)
	if err != nil {
		responses.WriteError(r.Context(), logg, w, err)
		return uuid.Nil, uuid.Nil, false
	}
	return actorID, id, true
}
