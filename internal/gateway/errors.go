package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/stripe/stripe-go/v82"

	pkgerrors "github.com/angelmondragon/sitecrew-backend/pkg/errors"
)

// translate maps processor and transport failures onto the domain taxonomy.
// Rejections become CodeGateway with the processor's message; timeouts,
// throttling, 5xx and unknown transport failures become CodeGatewayTimeout.
func translate(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return pkgerrors.Wrap(pkgerrors.CodeGatewayTimeout, err, op+" timed out")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return pkgerrors.Wrap(pkgerrors.CodeGatewayTimeout, err, op+" timed out")
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= http.StatusInternalServerError ||
			stripeErr.HTTPStatusCode == http.StatusTooManyRequests ||
			stripeErr.Type == stripe.ErrorTypeAPI {
			return pkgerrors.Wrap(pkgerrors.CodeGatewayTimeout, err, op+" unavailable")
		}
		msg := stripeErr.Msg
		if msg == "" {
			msg = op + " rejected"
		}
		details := map[string]any{"operation": op}
		if stripeErr.Code != "" {
			details["processor_code"] = string(stripeErr.Code)
		}
		if stripeErr.DeclineCode != "" {
			details["decline_code"] = string(stripeErr.DeclineCode)
		}
		return pkgerrors.Wrap(pkgerrors.CodeGateway, err, msg).WithDetails(details)
	}

	if typed := pkgerrors.As(err); typed != nil {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeGatewayTimeout, err, op+" failed")
}
