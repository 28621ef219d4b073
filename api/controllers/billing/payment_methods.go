package billing

import (
	"net/http"
	"strings"

	"github.com/angelmondragon/sitecrew-backend/api/responses"
	"github.com/angelmondragon/sitecrew-backend/internal/entitlements"
	pkgerrors "github.com/angelmondragon/sitecrew-backend/pkg/errors"
	"github.com/angelmondragon/sitecrew-backend/pkg/logger"

	"github.com/go-chi/chi/v5"
)

const maxPaymentMethodIDLen = 255

// ListPaymentMethods returns the cards on file for the organization's customer.
func ListPaymentMethods(svc entitlements.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID, orgID, ok := prepare(svc, logg, w, r, "orgID")
		if !ok {
			return
		}
		methods, err := svc.ListPaymentMethods(r.Context(), actorID, orgID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, methods)
	}
}

// SetDefaultPaymentMethod makes a card the customer's invoice default.
func SetDefaultPaymentMethod(svc entitlements.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID, orgID, ok := prepare(svc, logg, w, r, "orgID")
		if !ok {
			return
		}
		pmID, err := paymentMethodParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if err := svc.SetDefaultPaymentMethod(r.Context(), actorID, orgID, pmID); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]string{"payment_method_id": pmID})
	}
}

// DeletePaymentMethod detaches a card from the customer.
func DeletePaymentMethod(svc entitlements.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actorID, orgID, ok := prepare(svc, logg, w, r, "orgID")
		if !ok {
			return
		}
		pmID, err := paymentMethodParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if err := svc.DeletePaymentMethod(r.Context(), actorID, orgID, pmID); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func paymentMethodParam(r *http.Request) (string, error) {
	id := strings.TrimSpace(chi.URLParam(r, "paymentMethodID"))
	if id == "" || len(id) > maxPaymentMethodIDLen {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "payment method id is required").
			WithDetails(map[string]any{"field": "paymentMethodID"})
	}
	return id, nil
}
