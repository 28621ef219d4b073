package billing

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/sitecrew-backend/api/middleware"
	"github.com/angelmondragon/sitecrew-backend/api/responses"
	"github.com/angelmondragon/sitecrew-backend/api/validators"
	"github.com/angelmondragon/sitecrew-backend/internal/entitlements"
	"github.com/angelmondragon/sitecrew-backend/internal/payments"
	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/sitecrew-backend/pkg/errors"
	"github.com/angelmondragon/sitecrew-backend/pkg/logger"
)

const defaultRevenueWindow = 30 * 24 * time.Hour

type refundRequest struct {
	AmountCents int64 `json:"amount_cents,omitempty" validate:"gte=0"`
}

// PaymentHistory lists the organization's payment transactions, newest first.
func PaymentHistory(svc entitlements.Service, logg *logger.Logger) http.HandlerFunc {
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
		status, err := validators.ParseQueryEnum(r, "status", enums.ParsePaymentStatus)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		params := payments.ListParams{
			OrganizationID: orgID,
			Params:         page,
			Status:         status,
		}

		result, err := svc.ListPaymentHistory(r.Context(), actorID, params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

// Revenue summarizes completed and refunded amounts over [from, to).
// Without bounds it covers the last 30 days.
func Revenue(svc entitlements.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID, orgID, ok := prepare(svc, logg, w, r, "orgID")
		if !ok {
			return
		}

		now := time.Now().UTC()
		to, err := validators.ParseQueryTime(r, "to", now)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		from, err := validators.ParseQueryTime(r, "from", to.Add(-defaultRevenueWindow))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if !from.Before(to) {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "from must be before to"))
			return
		}

		stats, err := svc.RevenueStats(r.Context(), actorID, orgID, from, to)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, stats)
	}
}

// Refund returns money for a completed payment. A zero amount refunds the remainder.
func Refund(svc entitlements.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID, paymentID, ok := prepare(svc, logg, w, r, "paymentID")
		if !ok {
			return
		}

		var payload refundRequest
		if err := validators.DecodeOptionalJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		payment, err := svc.Refund(r.Context(), actorID, paymentID, payload.AmountCents)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, payments.ToListItem(*payment))
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
