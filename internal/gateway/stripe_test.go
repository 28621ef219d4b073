package gateway

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	pkgerrors "github.com/angelmondragon/sitecrew-backend/pkg/errors"
)

type stubAPI struct {
	customer     *stripe.Customer
	subscription *stripe.Subscription
	intent       *stripe.PaymentIntent
	refund       *stripe.Refund
	methods      []*stripe.PaymentMethod
	method       *stripe.PaymentMethod
	invoice      *stripe.Invoice
	err          error
	block        bool

	subParams    *stripe.SubscriptionParams
	cancelCalled bool
	intentParams *stripe.PaymentIntentParams
	refundParams *stripe.RefundParams
	updatedCus   *stripe.CustomerParams
	detached     string
}

func (s *stubAPI) wait(ctx context.Context) error {
	if !s.block {
		return nil
	}
	<-ctx.Done()
	return &wrappedCtxErr{err: ctx.Err()}
}

type wrappedCtxErr struct{ err error }

func (e *wrappedCtxErr) Error() string { return "request failed: " + e.err.Error() }
func (e *wrappedCtxErr) Unwrap() error { return e.err }

func (s *stubAPI) NewCustomer(params *stripe.CustomerParams) (*stripe.Customer, error) {
	if err := s.wait(params.Context); err != nil {
		return nil, err
	}
	return s.customer, s.err
}

func (s *stubAPI) GetCustomer(_ string, params *stripe.CustomerParams) (*stripe.Customer, error) {
	return s.customer, nil
}

func (s *stubAPI) UpdateCustomer(_ string, params *stripe.CustomerParams) (*stripe.Customer, error) {
	s.updatedCus = params
	return s.customer, s.err
}

func (s *stubAPI) NewSubscription(params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	s.subParams = params
	return s.subscription, s.err
}

func (s *stubAPI) GetSubscription(_ string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	return s.subscription, s.err
}

func (s *stubAPI) UpdateSubscription(_ string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	s.subParams = params
	return s.subscription, s.err
}

func (s *stubAPI) CancelSubscription(_ string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error) {
	s.cancelCalled = true
	return s.subscription, s.err
}

func (s *stubAPI) NewPaymentIntent(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	s.intentParams = params
	if err := s.wait(params.Context); err != nil {
		return nil, err
	}
	return s.intent, s.err
}

func (s *stubAPI) NewRefund(params *stripe.RefundParams) (*stripe.Refund, error) {
	s.refundParams = params
	return s.refund, s.err
}

func (s *stubAPI) ListPaymentMethods(params *stripe.PaymentMethodListParams) ([]*stripe.PaymentMethod, error) {
	return s.methods, s.err
}

func (s *stubAPI) GetPaymentMethod(_ string, params *stripe.PaymentMethodParams) (*stripe.PaymentMethod, error) {
	return s.method, nil
}

func (s *stubAPI) DetachPaymentMethod(id string, params *stripe.PaymentMethodDetachParams) (*stripe.PaymentMethod, error) {
	s.detached = id
	return s.method, s.err
}

func (s *stubAPI) PreviewInvoice(params *stripe.InvoiceCreatePreviewParams) (*stripe.Invoice, error) {
	return s.invoice, s.err
}

func customerWithDefault(pmID string) *stripe.Customer {
	cus := &stripe.Customer{ID: "cus_1"}
	if pmID != "" {
		cus.InvoiceSettings = &stripe.CustomerInvoiceSettings{
			DefaultPaymentMethod: &stripe.PaymentMethod{ID: pmID},
		}
	}
	return cus
}

func newTestGateway(api stripeAPI) *StripeGateway {
	return newStripeGateway(api, "whsec_test", "price_seat", "usd", time.Second, nil)
}

func TestCreateSubscriptionPausesCollectionAndMapsRemote(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	api := &stubAPI{subscription: &stripe.Subscription{
		ID:       "sub_1",
		Status:   stripe.SubscriptionStatusTrialing,
		Customer: &stripe.Customer{ID: "cus_1"},
		TrialEnd: start.AddDate(0, 0, 14).Unix(),
		Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{{
			ID:                 "si_1",
			Quantity:           5,
			Price:              &stripe.Price{ID: "price_seat"},
			CurrentPeriodStart: start.Unix(),
			CurrentPeriodEnd:   start.AddDate(0, 1, 0).Unix(),
		}}},
	}}
	gw := newTestGateway(api)

	sub, err := gw.CreateSubscription(context.Background(), CreateSubscriptionInput{
		OrganizationID: uuid.New(),
		CustomerID:     "cus_1",
		Quantity:       5,
		TrialDays:      14,
	})
	require.NoError(t, err)

	require.NotNil(t, api.subParams.PauseCollection)
	assert.Equal(t, "void", *api.subParams.PauseCollection.Behavior)
	assert.Equal(t, int64(14), *api.subParams.TrialPeriodDays)
	assert.Equal(t, "price_seat", *api.subParams.Items[0].Price)

	assert.Equal(t, "sub_1", sub.ID)
	assert.Equal(t, "cus_1", sub.CustomerID)
	assert.Equal(t, "si_1", sub.ItemID)
	assert.Equal(t, 5, sub.Quantity)
	assert.Equal(t, start, sub.PeriodStart)
	require.NotNil(t, sub.TrialEnd)
}

func TestCreateSubscriptionRejectsBadQuantity(t *testing.T) {
	gw := newTestGateway(&stubAPI{})
	_, err := gw.CreateSubscription(context.Background(), CreateSubscriptionInput{CustomerID: "cus_1", Quantity: 0})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestCreateSubscriptionAnnualPrice(t *testing.T) {
	api := &stubAPI{subscription: &stripe.Subscription{ID: "sub_1", Customer: &stripe.Customer{ID: "cus_1"}}}
	gw := newTestGateway(api)

	_, err := gw.CreateSubscription(context.Background(), CreateSubscriptionInput{CustomerID: "cus_1", Quantity: 3, Annual: true})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	assert.Nil(t, api.subParams)

	gw.annualPriceID = "price_seat_annual"
	_, err = gw.CreateSubscription(context.Background(), CreateSubscriptionInput{CustomerID: "cus_1", Quantity: 3, Annual: true})
	require.NoError(t, err)
	assert.Equal(t, "price_seat_annual", *api.subParams.Items[0].Price)
}

func TestCancelAtPeriodEndUpdatesInsteadOfCancelling(t *testing.T) {
	api := &stubAPI{subscription: &stripe.Subscription{ID: "sub_1", CancelAtPeriodEnd: true}}
	gw := newTestGateway(api)

	sub, err := gw.CancelSubscription(context.Background(), "sub_1", true)
	require.NoError(t, err)
	assert.False(t, api.cancelCalled)
	assert.True(t, *api.subParams.CancelAtPeriodEnd)
	assert.True(t, sub.CancelAtPeriodEnd)

	_, err = gw.CancelSubscription(context.Background(), "sub_1", false)
	require.NoError(t, err)
	assert.True(t, api.cancelCalled)
}

func TestChargeUsesDefaultMethodAndIdempotencyKey(t *testing.T) {
	api := &stubAPI{
		customer: customerWithDefault("pm_1"),
		intent: &stripe.PaymentIntent{
			ID:     "pi_1",
			Status: stripe.PaymentIntentStatusSucceeded,
			Amount: 7500,
			LatestCharge: &stripe.Charge{
				ID: "ch_1",
				PaymentMethodDetails: &stripe.ChargePaymentMethodDetails{
					Card: &stripe.ChargePaymentMethodDetailsCard{Last4: "4242", ExpMonth: 12, ExpYear: 2030},
				},
			},
		},
	}
	gw := newTestGateway(api)

	charge, err := gw.Charge(context.Background(), ChargeInput{
		OrganizationID: uuid.New(),
		CustomerID:     "cus_1",
		AmountCents:    7500,
		IdempotencyKey: "renewal-abc-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_1", charge.Reference())
	assert.Equal(t, "ch_1", charge.ChargeID)
	require.NotNil(t, charge.Card)
	assert.Equal(t, "4242", charge.Card.Last4)

	require.NotNil(t, api.intentParams.IdempotencyKey)
	assert.Equal(t, "renewal-abc-1", *api.intentParams.IdempotencyKey)
	assert.Equal(t, "pm_1", *api.intentParams.PaymentMethod)
	assert.Equal(t, "usd", *api.intentParams.Currency)
	assert.True(t, *api.intentParams.OffSession)
}

func TestChargeWithoutDefaultMethodIsGatewayError(t *testing.T) {
	gw := newTestGateway(&stubAPI{customer: customerWithDefault("")})
	_, err := gw.Charge(context.Background(), ChargeInput{CustomerID: "cus_1", AmountCents: 100, IdempotencyKey: "k"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeGateway))
}

func TestChargeDeclineSurfacesProcessorMessage(t *testing.T) {
	api := &stubAPI{
		customer: customerWithDefault("pm_1"),
		err: &stripe.Error{
			Type:           stripe.ErrorTypeCard,
			Code:           stripe.ErrorCodeCardDeclined,
			Msg:            "Your card was declined.",
			HTTPStatusCode: http.StatusPaymentRequired,
		},
	}
	gw := newTestGateway(api)

	_, err := gw.Charge(context.Background(), ChargeInput{CustomerID: "cus_1", AmountCents: 100, IdempotencyKey: "k"})
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeGateway, typed.Code())
	assert.Equal(t, "Your card was declined.", typed.Message())
	assert.False(t, pkgerrors.IsRetryable(err))
}

func TestCallTimeoutBecomesGatewayTimeout(t *testing.T) {
	api := &stubAPI{customer: &stripe.Customer{ID: "cus_1"}, block: true}
	gw := newStripeGateway(api, "whsec_test", "price_seat", "usd", 20*time.Millisecond, nil)

	_, err := gw.CreateCustomer(context.Background(), CreateCustomerInput{OrganizationID: uuid.New()})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeGatewayTimeout))
	assert.True(t, pkgerrors.IsRetryable(err))
}

func TestTranslateClassifiesProcessorErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code pkgerrors.Code
	}{
		{"server error", &stripe.Error{Type: stripe.ErrorTypeAPI, HTTPStatusCode: 500}, pkgerrors.CodeGatewayTimeout},
		{"throttled", &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: 429}, pkgerrors.CodeGatewayTimeout},
		{"invalid request", &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: 400, Msg: "No such customer"}, pkgerrors.CodeGateway},
		{"transport", errors.New("connection reset"), pkgerrors.CodeGatewayTimeout},
		{"deadline", context.DeadlineExceeded, pkgerrors.CodeGatewayTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, pkgerrors.IsCode(translate(tc.err, "op"), tc.code))
		})
	}
}

func TestRefundTargetsChargeOrIntent(t *testing.T) {
	api := &stubAPI{refund: &stripe.Refund{ID: "re_1", Amount: 500, Status: stripe.RefundStatusSucceeded}}
	gw := newTestGateway(api)

	out, err := gw.Refund(context.Background(), RefundInput{PaymentReference: "pi_1", AmountCents: 500})
	require.NoError(t, err)
	assert.Equal(t, "re_1", out.ID)
	assert.Equal(t, "pi_1", *api.refundParams.PaymentIntent)
	assert.Nil(t, api.refundParams.Charge)

	_, err = gw.Refund(context.Background(), RefundInput{PaymentReference: "ch_1", AmountCents: 500})
	require.NoError(t, err)
	assert.Equal(t, "ch_1", *api.refundParams.Charge)
}

func TestPaymentMethodsScopedToCustomer(t *testing.T) {
	api := &stubAPI{
		customer: customerWithDefault("pm_2"),
		methods: []*stripe.PaymentMethod{
			{ID: "pm_1", Card: &stripe.PaymentMethodCard{Last4: "1111"}},
			{ID: "pm_2", Card: &stripe.PaymentMethodCard{Last4: "2222"}},
		},
		method: &stripe.PaymentMethod{ID: "pm_9", Customer: &stripe.Customer{ID: "cus_other"}},
	}
	gw := newTestGateway(api)

	methods, err := gw.ListPaymentMethods(context.Background(), "cus_1")
	require.NoError(t, err)
	require.Len(t, methods, 2)
	assert.False(t, methods[0].IsDefault)
	assert.True(t, methods[1].IsDefault)

	err = gw.DetachPaymentMethod(context.Background(), "cus_1", "pm_9")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
	assert.Empty(t, api.detached)

	api.method = &stripe.PaymentMethod{ID: "pm_1", Customer: &stripe.Customer{ID: "cus_1"}}
	require.NoError(t, gw.SetDefaultPaymentMethod(context.Background(), "cus_1", "pm_1"))
	assert.Equal(t, "pm_1", *api.updatedCus.InvoiceSettings.DefaultPaymentMethod)
}

func TestVerifyWebhook(t *testing.T) {
	gw := newTestGateway(&stubAPI{})
	payload := []byte(`{"id":"evt_1","object":"event","type":"invoice.paid","created":1767225600,"data":{"object":{"id":"in_1","object":"invoice"}}}`)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_test",
		Timestamp: time.Now(),
	})
	event, err := gw.VerifyWebhook(signed.Payload, signed.Header)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, "invoice.paid", event.Type)
	assert.JSONEq(t, `{"id":"in_1","object":"invoice"}`, string(event.Object))

	_, err = gw.VerifyWebhook(payload, "t=1,v1=deadbeef")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSignatureInvalid))

	_, err = gw.VerifyWebhook(payload, "")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeSignatureInvalid))
}
