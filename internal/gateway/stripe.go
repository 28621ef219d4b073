package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	pkgerrors "github.com/angelmondragon/sitecrew-backend/pkg/errors"
	"github.com/angelmondragon/sitecrew-backend/pkg/logger"
	pkgstripe "github.com/angelmondragon/sitecrew-backend/pkg/stripe"
)

const (
	metadataOrganizationID = "organization_id"
	MetadataTransactionRef = "transaction_ref"

	// Renewals are charged by the engine, so the processor subscription only
	// tracks seats and never collects on its own.
	pauseBehaviorVoid = "void"
	prorationCreate   = "create_prorations"
)

// StripeGateway implements Gateway against the Stripe API.
type StripeGateway struct {
	api           stripeAPI
	signingSecret string
	seatPriceID   string
	annualPriceID string
	currency      string
	timeout       time.Duration
	logg          *logger.Logger
}

// NewStripe builds the gateway on top of the configured Stripe client.
func NewStripe(client *pkgstripe.Client, logg *logger.Logger) (*StripeGateway, error) {
	if client == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "stripe client required")
	}
	if client.SeatPriceID() == "" {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "stripe seat price id required")
	}
	gw := newStripeGateway(liveAPI{}, client.SigningSecret(), client.SeatPriceID(), client.Currency(), client.RequestTimeout(), logg)
	gw.annualPriceID = client.AnnualSeatPriceID()
	return gw, nil
}

func newStripeGateway(api stripeAPI, secret, priceID, currency string, timeout time.Duration, logg *logger.Logger) *StripeGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &StripeGateway{
		api:           api,
		signingSecret: secret,
		seatPriceID:   priceID,
		currency:      currency,
		timeout:       timeout,
		logg:          logg,
	}
}

// call bounds fn by the request timeout and translates its error.
func (g *StripeGateway) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		translated := translate(err, op)
		if g.logg != nil {
			g.logg.Error(g.logg.WithField(ctx, "gateway_op", op), "stripe call failed", translated)
		}
		return translated
	}
	return nil
}

func (g *StripeGateway) CreateCustomer(ctx context.Context, input CreateCustomerInput) (*Customer, error) {
	params := &stripe.CustomerParams{}
	if name := strings.TrimSpace(input.Name); name != "" {
		params.Name = stripe.String(name)
	}
	if email := strings.TrimSpace(input.Email); email != "" {
		params.Email = stripe.String(email)
	}
	params.AddMetadata(metadataOrganizationID, input.OrganizationID.String())
	if input.IdempotencyKey != "" {
		params.SetIdempotencyKey(input.IdempotencyKey)
	}

	var created *stripe.Customer
	err := g.call(ctx, "create customer", func(ctx context.Context) error {
		params.Context = ctx
		var err error
		created, err = g.api.NewCustomer(params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Customer{ID: created.ID}, nil
}

func (g *StripeGateway) CreateSubscription(ctx context.Context, input CreateSubscriptionInput) (*Subscription, error) {
	if strings.TrimSpace(input.CustomerID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	if input.Quantity < 1 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}

	priceID := g.seatPriceID
	if input.Annual {
		if g.annualPriceID == "" {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "annual billing is not configured")
		}
		priceID = g.annualPriceID
	}

	params := &stripe.SubscriptionParams{
		Customer: stripe.String(input.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{{
			Price:    stripe.String(priceID),
			Quantity: stripe.Int64(int64(input.Quantity)),
		}},
		PauseCollection: &stripe.SubscriptionPauseCollectionParams{
			Behavior: stripe.String(pauseBehaviorVoid),
		},
	}
	if input.TrialDays > 0 {
		params.TrialPeriodDays = stripe.Int64(int64(input.TrialDays))
	}
	params.AddMetadata(metadataOrganizationID, input.OrganizationID.String())
	if input.IdempotencyKey != "" {
		params.SetIdempotencyKey(input.IdempotencyKey)
	}

	var created *stripe.Subscription
	err := g.call(ctx, "create subscription", func(ctx context.Context) error {
		params.Context = ctx
		var err error
		created, err = g.api.NewSubscription(params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return SubscriptionFromStripe(created), nil
}

func (g *StripeGateway) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	if strings.TrimSpace(subscriptionID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription id is required")
	}
	var remote *stripe.Subscription
	err := g.call(ctx, "get subscription", func(ctx context.Context) error {
		params := &stripe.SubscriptionParams{}
		params.Context = ctx
		var err error
		remote, err = g.api.GetSubscription(subscriptionID, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return SubscriptionFromStripe(remote), nil
}

func (g *StripeGateway) UpdateQuantity(ctx context.Context, input UpdateQuantityInput) (*Subscription, error) {
	if err := validateQuantityInput(input); err != nil {
		return nil, err
	}
	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{{
			ID:       stripe.String(input.ItemID),
			Quantity: stripe.Int64(int64(input.Quantity)),
		}},
		ProrationBehavior: stripe.String(prorationCreate),
	}
	if input.IdempotencyKey != "" {
		params.SetIdempotencyKey(input.IdempotencyKey)
	}

	var updated *stripe.Subscription
	err := g.call(ctx, "update subscription quantity", func(ctx context.Context) error {
		params.Context = ctx
		var err error
		updated, err = g.api.UpdateSubscription(input.SubscriptionID, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return SubscriptionFromStripe(updated), nil
}

// CancelSubscription ends the remote subscription now or flags it to end
// with the current period.
func (g *StripeGateway) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*Subscription, error) {
	if strings.TrimSpace(subscriptionID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription id is required")
	}

	var remote *stripe.Subscription
	err := g.call(ctx, "cancel subscription", func(ctx context.Context) error {
		var err error
		if atPeriodEnd {
			params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
			params.Context = ctx
			remote, err = g.api.UpdateSubscription(subscriptionID, params)
			return err
		}
		params := &stripe.SubscriptionCancelParams{}
		params.Context = ctx
		remote, err = g.api.CancelSubscription(subscriptionID, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return SubscriptionFromStripe(remote), nil
}

func (g *StripeGateway) ReactivateSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	if strings.TrimSpace(subscriptionID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription id is required")
	}
	var remote *stripe.Subscription
	err := g.call(ctx, "reactivate subscription", func(ctx context.Context) error {
		params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(false)}
		params.Context = ctx
		var err error
		remote, err = g.api.UpdateSubscription(subscriptionID, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return SubscriptionFromStripe(remote), nil
}

// PreviewProration asks the processor what a quantity change would cost. It
// never changes remote state.
func (g *StripeGateway) PreviewProration(ctx context.Context, input UpdateQuantityInput) (*ProrationPreview, error) {
	if err := validateQuantityInput(input); err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.CustomerID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}

	var preview *stripe.Invoice
	err := g.call(ctx, "preview proration", func(ctx context.Context) error {
		params := &stripe.InvoiceCreatePreviewParams{
			Customer:     stripe.String(input.CustomerID),
			Subscription: stripe.String(input.SubscriptionID),
			SubscriptionDetails: &stripe.InvoiceCreatePreviewSubscriptionDetailsParams{
				Items: []*stripe.InvoiceCreatePreviewSubscriptionDetailsItemParams{{
					ID:       stripe.String(input.ItemID),
					Quantity: stripe.Int64(int64(input.Quantity)),
				}},
				ProrationBehavior: stripe.String(prorationCreate),
			},
		}
		params.Context = ctx
		var err error
		preview, err = g.api.PreviewInvoice(params)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := &ProrationPreview{
		Currency:       string(preview.Currency),
		Quantity:       input.Quantity,
		TotalCents:     preview.Total,
		AmountDueCents: preview.AmountDue,
		Lines:          []ProrationLine{},
	}
	if preview.PeriodEnd > 0 {
		out.PeriodEnd = time.Unix(preview.PeriodEnd, 0).UTC()
	}
	if preview.Lines != nil {
		for _, line := range preview.Lines.Data {
			if line == nil {
				continue
			}
			out.Lines = append(out.Lines, ProrationLine{Description: line.Description, AmountCents: line.Amount})
		}
	}
	return out, nil
}

// Charge confirms an off-session payment against the customer's default
// payment method. The idempotency key makes retried attempts safe.
func (g *StripeGateway) Charge(ctx context.Context, input ChargeInput) (*Charge, error) {
	if input.AmountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "charge amount must be positive")
	}
	if strings.TrimSpace(input.IdempotencyKey) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "idempotency key is required")
	}

	methodID, err := g.defaultPaymentMethod(ctx, input.CustomerID)
	if err != nil {
		return nil, err
	}
	if methodID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeGateway, "customer has no default payment method")
	}

	currency := strings.ToLower(strings.TrimSpace(input.Currency))
	if currency == "" {
		currency = g.currency
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(input.AmountCents),
		Currency:      stripe.String(currency),
		Customer:      stripe.String(input.CustomerID),
		PaymentMethod: stripe.String(methodID),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	if desc := strings.TrimSpace(input.Description); desc != "" {
		params.Description = stripe.String(desc)
	}
	params.AddMetadata(metadataOrganizationID, input.OrganizationID.String())
	if input.TransactionRef != "" {
		params.AddMetadata(MetadataTransactionRef, input.TransactionRef)
	}
	params.AddExpand("latest_charge")
	params.SetIdempotencyKey(input.IdempotencyKey)

	var intent *stripe.PaymentIntent
	err = g.call(ctx, "charge", func(ctx context.Context) error {
		params.Context = ctx
		var err error
		intent, err = g.api.NewPaymentIntent(params)
		return err
	})
	if err != nil {
		return nil, err
	}
	if intent.Status != stripe.PaymentIntentStatusSucceeded && intent.Status != stripe.PaymentIntentStatusProcessing {
		return nil, pkgerrors.New(pkgerrors.CodeGateway, "payment requires customer action").
			WithDetails(map[string]any{"payment_intent": intent.ID, "status": string(intent.Status)})
	}

	out := &Charge{
		PaymentIntentID: intent.ID,
		Status:          string(intent.Status),
		AmountCents:     intent.Amount,
	}
	if ch := intent.LatestCharge; ch != nil {
		out.ChargeID = ch.ID
		if ch.PaymentMethodDetails != nil && ch.PaymentMethodDetails.Card != nil {
			card := ch.PaymentMethodDetails.Card
			out.Card = &Card{
				Brand:    string(card.Brand),
				Last4:    card.Last4,
				ExpMonth: int(card.ExpMonth),
				ExpYear:  int(card.ExpYear),
			}
		}
	}
	return out, nil
}

func (g *StripeGateway) Refund(ctx context.Context, input RefundInput) (*Refund, error) {
	ref := strings.TrimSpace(input.PaymentReference)
	if ref == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment reference is required")
	}
	if input.AmountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "refund amount must be positive")
	}

	params := &stripe.RefundParams{Amount: stripe.Int64(input.AmountCents)}
	if strings.HasPrefix(ref, "ch_") {
		params.Charge = stripe.String(ref)
	} else {
		params.PaymentIntent = stripe.String(ref)
	}
	if input.IdempotencyKey != "" {
		params.SetIdempotencyKey(input.IdempotencyKey)
	}

	var created *stripe.Refund
	err := g.call(ctx, "refund", func(ctx context.Context) error {
		params.Context = ctx
		var err error
		created, err = g.api.NewRefund(params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Refund{ID: created.ID, Status: string(created.Status), AmountCents: created.Amount}, nil
}

func (g *StripeGateway) ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	defaultID, err := g.defaultPaymentMethod(ctx, customerID)
	if err != nil {
		return nil, err
	}

	var methods []*stripe.PaymentMethod
	err = g.call(ctx, "list payment methods", func(ctx context.Context) error {
		params := &stripe.PaymentMethodListParams{
			Customer: stripe.String(customerID),
			Type:     stripe.String(string(stripe.PaymentMethodTypeCard)),
		}
		params.Context = ctx
		var err error
		methods, err = g.api.ListPaymentMethods(params)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]PaymentMethod, 0, len(methods))
	for _, pm := range methods {
		if pm == nil {
			continue
		}
		item := PaymentMethod{ID: pm.ID, IsDefault: pm.ID == defaultID}
		if pm.Card != nil {
			item.Brand = string(pm.Card.Brand)
			item.Last4 = pm.Card.Last4
			item.ExpMonth = int(pm.Card.ExpMonth)
			item.ExpYear = int(pm.Card.ExpYear)
		}
		out = append(out, item)
	}
	return out, nil
}

func (g *StripeGateway) SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	if err := g.ensureOwned(ctx, customerID, paymentMethodID); err != nil {
		return err
	}
	return g.call(ctx, "set default payment method", func(ctx context.Context) error {
		params := &stripe.CustomerParams{
			InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
				DefaultPaymentMethod: stripe.String(paymentMethodID),
			},
		}
		params.Context = ctx
		_, err := g.api.UpdateCustomer(customerID, params)
		return err
	})
}

func (g *StripeGateway) DetachPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	if err := g.ensureOwned(ctx, customerID, paymentMethodID); err != nil {
		return err
	}
	return g.call(ctx, "detach payment method", func(ctx context.Context) error {
		params := &stripe.PaymentMethodDetachParams{}
		params.Context = ctx
		_, err := g.api.DetachPaymentMethod(paymentMethodID, params)
		return err
	})
}

// VerifyWebhook checks the signature header and decodes the event envelope.
func (g *StripeGateway) VerifyWebhook(payload []byte, signature string) (*Event, error) {
	if strings.TrimSpace(signature) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeSignatureInvalid, "missing signature header")
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.signingSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeSignatureInvalid, err, "invalid webhook signature")
	}

	out := &Event{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
	}
	if event.Data != nil {
		out.Object = event.Data.Raw
	}
	return out, nil
}

func (g *StripeGateway) defaultPaymentMethod(ctx context.Context, customerID string) (string, error) {
	if strings.TrimSpace(customerID) == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "customer id is required")
	}
	var cus *stripe.Customer
	err := g.call(ctx, "get customer", func(ctx context.Context) error {
		params := &stripe.CustomerParams{}
		params.Context = ctx
		var err error
		cus, err = g.api.GetCustomer(customerID, params)
		return err
	})
	if err != nil {
		return "", err
	}
	if cus.InvoiceSettings == nil || cus.InvoiceSettings.DefaultPaymentMethod == nil {
		return "", nil
	}
	return cus.InvoiceSettings.DefaultPaymentMethod.ID, nil
}

func (g *StripeGateway) ensureOwned(ctx context.Context, customerID, paymentMethodID string) error {
	if strings.TrimSpace(customerID) == "" || strings.TrimSpace(paymentMethodID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "customer id and payment method id are required")
	}
	var pm *stripe.PaymentMethod
	err := g.call(ctx, "get payment method", func(ctx context.Context) error {
		params := &stripe.PaymentMethodParams{}
		params.Context = ctx
		var err error
		pm, err = g.api.GetPaymentMethod(paymentMethodID, params)
		return err
	})
	if err != nil {
		return err
	}
	if pm.Customer == nil || pm.Customer.ID != customerID {
		return pkgerrors.New(pkgerrors.CodeNotFound, "payment method not found")
	}
	return nil
}

func validateQuantityInput(input UpdateQuantityInput) error {
	if strings.TrimSpace(input.SubscriptionID) == "" || strings.TrimSpace(input.ItemID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "subscription is not linked to the processor")
	}
	if input.Quantity < 1 {
		return pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}
	return nil
}

// SubscriptionFromStripe converts an SDK subscription, as returned by the API
// or decoded from a webhook payload.
func SubscriptionFromStripe(remote *stripe.Subscription) *Subscription {
	if remote == nil {
		return nil
	}
	out := &Subscription{
		ID:                remote.ID,
		Status:            string(remote.Status),
		CancelAtPeriodEnd: remote.CancelAtPeriodEnd,
	}
	if remote.Customer != nil {
		out.CustomerID = remote.Customer.ID
	}
	if remote.TrialEnd > 0 {
		t := time.Unix(remote.TrialEnd, 0).UTC()
		out.TrialEnd = &t
	}
	if remote.Items != nil && len(remote.Items.Data) > 0 {
		item := remote.Items.Data[0]
		out.ItemID = item.ID
		out.Quantity = int(item.Quantity)
		if item.Price != nil {
			out.PriceID = item.Price.ID
		}
		if item.CurrentPeriodStart > 0 {
			out.PeriodStart = time.Unix(item.CurrentPeriodStart, 0).UTC()
		}
		if item.CurrentPeriodEnd > 0 {
			out.PeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
	}
	return out
}
