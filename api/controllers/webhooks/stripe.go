package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/angelmondragon/sitecrew-backend/api/responses"
	stripewebhook "github.com/angelmondragon/sitecrew-backend/internal/webhooks/stripe"
	pkgerrors "github.com/angelmondragon/sitecrew-backend/pkg/errors"
	"github.com/angelmondragon/sitecrew-backend/pkg/logger"
)

const maxPayloadBytes = 1 << 20

// StripeWebhookService verifies and applies a raw Stripe delivery.
type StripeWebhookService interface {
	Handle(ctx context.Context, payload []byte, signature string) (*stripewebhook.Result, error)
}

// StripeWebhook handles Stripe billing events. A non-2xx response makes
// Stripe redeliver, so only retryable failures surface as errors.
func StripeWebhook(svc StripeWebhookService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}
		if len(payload) > maxPayloadBytes {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "payload too large"))
			return
		}

		sigHeader := r.Header.Get("Stripe-Signature")
		if sigHeader == "" {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeSignatureInvalid, "stripe signature missing"))
			return
		}

		result, err := svc.Handle(ctx, payload, sigHeader)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		if logg != nil && result != nil {
			logg.Info(logg.WithFields(ctx, map[string]any{
				"event_id": result.EventID,
				"kind":     string(result.Kind),
				"outcome":  string(result.Outcome),
			}), "stripe event handled")
		}
		responses.WriteSuccess(w, result)
	}
}
