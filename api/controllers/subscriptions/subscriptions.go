package subscriptions

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/sitecrew-backend/api/middleware"
	"github.com/angelmondragon/sitecrew-backend/api/responses"
	"github.com/angelmondragon/sitecrew-backend/api/validators"
	"github.com/angelmondragon/sitecrew-backend/internal/entitlements"
	"github.com/angelmondragon/sitecrew-backend/internal/payments"
	"github.com/angelmondragon/sitecrew-backend/pkg/db/models"
	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/sitecrew-backend/pkg/errors"
	"github.com/angelmondragon/sitecrew-backend/pkg/logger"
)

const maxReasonLen = 500

type subscriptionCreateRequest struct {
	Capacity     int    `json:"capacity,omitempty" validate:"omitempty,gte=1,lte=10000"`
	TrialDays    int    `json:"trial_days,omitempty" validate:"gte=0,lte=90"`
	BillingCycle string `json:"billing_cycle,omitempty" validate:"omitempty,oneof=monthly annual"`
}

type capacityRequest struct {
	Capacity int `json:"capacity" validate:"required,gte=1,lte=10000"`
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

type subscriptionResponse struct {
	ID                 uuid.UUID                `json:"id"`
	OrganizationID     uuid.UUID                `json:"organization_id"`
	Status             enums.SubscriptionStatus `json:"status"`
	BillingCycle       enums.BillingCycle       `json:"billing_cycle"`
	LicenseCapacity    int                      `json:"license_capacity"`
	LicensesInUse      int                      `json:"licenses_in_use"`
	SeatRateCents      int64                    `json:"seat_rate_cents"`
	Currency           string                   `json:"currency"`
	CurrentPeriodStart time.Time                `json:"current_period_start"`
	CurrentPeriodEnd   time.Time                `json:"current_period_end"`
	NextBillingAt      *time.Time               `json:"next_billing_at,omitempty"`
	AutoRenew          bool                     `json:"auto_renew"`
	IsTrial            bool                     `json:"is_trial"`
	TrialEndsAt        *time.Time               `json:"trial_ends_at,omitempty"`
	CancellationReason *string                  `json:"cancellation_reason,omitempty"`
	CancelledAt        *time.Time               `json:"cancelled_at,omitempty"`
	Linked             bool                     `json:"linked"`
}

type chargeResponse struct {
	Subscription *subscriptionResponse `json:"subscription"`
	Payment      *payments.ListItem    `json:"payment,omitempty"`
	Charged      bool                  `json:"charged"`
}

// Create starts a subscription for the organization in the path.
func Create(svc entitlements.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "entitlement service unavailable"))
			return
		}
		actorID, err := middleware.ActorID(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		orgID, err := validators.ParseUUIDParam(r, "orgID")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var payload subscriptionCreateRequest
		if err := validators.DecodeOptionalJSONBody(r, &payload); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		sub, err := svc.CreateSubscription(r.Context(), entitlements.CreateSubscriptionInput{
			OrganizationID: orgID,
			ActorID:        actorID,
			Capacity:       payload.Capacity,
			TrialDays:      payload.TrialDays,
			BillingCycle:   enums.BillingCycle(payload.BillingCycle),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newSubscriptionResponse(sub))
	}
}

// Fetch returns the organization's current subscription.
func Fetch(svc entitlements.Service, logg *logger.Logger) http.HandlerFunc {
	return orgHandler(svc, logg, func(r *http.Request, actorID, orgID uuid.UUID) (any, error) {
		sub, err := svc.GetSubscription(r.Context(), actorID, orgID)
		if err != nil {
			return nil, err
		}
		return newSubscriptionResponse(sub), nil
	})
}

// Stats returns license usage and renewal figures.
func Stats(svc entitlements.Service, logg *logger.Logger) http.HandlerFunc {
	return orgHandler(svc, logg, func(r *http.Request, actorID, orgID uuid.UUID) (any, error) {
		return svc.GetStats(r.Context(), actorID, orgID)
	})
}

// ChangeCapacity sets the subscription's license capacity.
func ChangeCapacity(svc entitlements.Service, logg *logger.Logger) http.HandlerFunc {
	return subscriptionHandler(svc, logg, func(r *http.Request, actorID, subID uuid.UUID) (any, error) {
		var payload capacityRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			return nil, err
		}
		sub, err := svc.ChangeCapacity(r.Context(), actorID, subID, payload.Capacity)
		if err != nil {
			return nil, err
		}
		return newSubscriptionResponse(sub), nil
	})
}

// PreviewCapacity returns the processor's proration preview for a new capacity.
func PreviewCapacity(svc entitlements.Service, logg *logger.Logger) http.HandlerFunc {
	return subscriptionHandler(svc, logg, func(r *http.Request, actorID, subID uuid.UUID) (any, error) {
		var payload capacityRequest
		if err := validators.DecodeJSONBody(r, &payload); err != nil {
			return nil, err
		}
		return svc.PreviewProration(r.Context(), actorID, subID, payload.Capacity)
	})
}

// Cancel stops renewal at period end.
func Cancel(svc entitlements.Service, logg *logger.Logger) http.HandlerFunc {
	return subscriptionHandler(svc, logg, func(r *http.Request, actorID, subID uuid.UUID) (any, error) {
		var payload cancelRequest
		if err := validators.DecodeOptionalJSONBody(r, &payload); err != nil {
			return nil, err
		}
		sub, err := svc.CancelSubscription(r.Context(), actorID, subID, validators.SanitizeString(payload.Reason, maxReasonLen))
		if err != nil {
			return nil, err
		}
		return newSubscriptionResponse(sub), nil
	})
}

// Reactivate resumes renewal for a cancelled subscription still inside its period.
func Reactivate(svc entitlements.Service, logg *logger.Logger) http.HandlerFunc {
	return subscriptionHandler(svc, logg, func(r *http.Request, actorID, subID uuid.UUID) (any, error) {
		sub, err := svc.ReactivateSubscription(r.Context(), actorID, subID)
		if err != nil {
			return nil, err
		}
		return newSubscriptionResponse(sub), nil
	})
}

// Renew charges the next period now.
func Renew(svc entitlements.Service, logg *logger.Logger) http.HandlerFunc {
	return subscriptionHandler(svc, logg, func(r *http.Request, actorID, subID uuid.UUID) (any, error) {
		result, err := svc.RenewSubscription(r.Context(), actorID, subID)
		if err != nil {
			return nil, err
		}
		return newChargeResponse(result), nil
	})
}

func orgHandler(svc entitlements.Service, logg *logger.Logger, fn func(r *http.Request, actorID, orgID uuid.UUID) (any, error)) http.HandlerFunc {
	return paramHandler(svc, logg, "orgID", fn)
}

func subscriptionHandler(svc entitlements.Service, logg *logger.Logger, fn func(r *http.Request, actorID, subID uuid.UUID) (any, error)) http.HandlerFunc {
	return paramHandler(svc, logg, "subscriptionID", fn)
}

func paramHandler(svc entitlements.Service, logg *logger.Logger, param string, fn func(r *http.Request, actorID, id uuid.UUID) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "entitlement service unavailable"))
			return
		}
		actorID, err := middleware.ActorID(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		id, err := validators.ParseUUIDParam(r, param)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		data, err := fn(r, actorID, id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, data)
	}
}

func newSubscriptionResponse(sub *models.Subscription) *subscriptionResponse {
	if sub == nil {
		return nil
	}
	return &subscriptionResponse{
		ID:                 sub.ID,
		OrganizationID:     sub.OrganizationID,
		Status:             sub.Status,
		BillingCycle:       sub.BillingCycle,
		LicenseCapacity:    sub.LicenseCapacity,
		LicensesInUse:      sub.LicensesInUse,
		SeatRateCents:      sub.SeatRateCents,
		Currency:           sub.Currency,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		NextBillingAt:      sub.NextBillingAt,
		AutoRenew:          sub.AutoRenew,
		IsTrial:            sub.IsTrial,
		TrialEndsAt:        sub.TrialEndsAt,
		CancellationReason: sub.CancellationReason,
		CancelledAt:        sub.CancelledAt,
		Linked:             sub.IsLinked(),
	}
}

func newChargeResponse(result *entitlements.ChargeResult) *chargeResponse {
	if result == nil {
		return nil
	}
	resp := &chargeResponse{
		Subscription: newSubscriptionResponse(result.Subscription),
		Charged:      result.Charged,
	}
	if result.Payment != nil {
		item := payments.ToListItem(*result.Payment)
		resp.Payment = &item
	}
	return resp
}
