package gateway

import (
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/invoice"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/paymentmethod"
	"github.com/stripe/stripe-go/v82/refund"
	"github.com/stripe/stripe-go/v82/subscription"
)

// stripeAPI is the slice of the Stripe SDK the gateway uses.
type stripeAPI interface {
	NewCustomer(params *stripe.CustomerParams) (*stripe.Customer, error)
	GetCustomer(id string, params *stripe.CustomerParams) (*stripe.Customer, error)
	UpdateCustomer(id string, params *stripe.CustomerParams) (*stripe.Customer, error)
	NewSubscription(params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	GetSubscription(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	UpdateSubscription(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	CancelSubscription(id string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error)
	NewPaymentIntent(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	NewRefund(params *stripe.RefundParams) (*stripe.Refund, error)
	ListPaymentMethods(params *stripe.PaymentMethodListParams) ([]*stripe.PaymentMethod, error)
	GetPaymentMethod(id string, params *stripe.PaymentMethodParams) (*stripe.PaymentMethod, error)
	DetachPaymentMethod(id string, params *stripe.PaymentMethodDetachParams) (*stripe.PaymentMethod, error)
	PreviewInvoice(params *stripe.InvoiceCreatePreviewParams) (*stripe.Invoice, error)
}

// liveAPI calls the package-level SDK backend configured by pkg/stripe.
type liveAPI struct{}

func (liveAPI) NewCustomer(params *stripe.CustomerParams) (*stripe.Customer, error) {
	return customer.New(params)
}

func (liveAPI) GetCustomer(id string, params *stripe.CustomerParams) (*stripe.Customer, error) {
	return customer.Get(id, params)
}

func (liveAPI) UpdateCustomer(id string, params *stripe.CustomerParams) (*stripe.Customer, error) {
	return customer.Update(id, params)
}

func (liveAPI) NewSubscription(params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	return subscription.New(params)
}

func (liveAPI) GetSubscription(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	return subscription.Get(id, params)
}

func (liveAPI) UpdateSubscription(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
	return subscription.Update(id, params)
}

func (liveAPI) CancelSubscription(id string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error) {
	return subscription.Cancel(id, params)
}

func (liveAPI) NewPaymentIntent(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return paymentintent.New(params)
}

func (liveAPI) NewRefund(params *stripe.RefundParams) (*stripe.Refund, error) {
	return refund.New(params)
}

func (liveAPI) ListPaymentMethods(params *stripe.PaymentMethodListParams) ([]*stripe.PaymentMethod, error) {
	iter := paymentmethod.List(params)
	var out []*stripe.PaymentMethod
	for iter.Next() {
		out = append(out, iter.PaymentMethod())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (liveAPI) GetPaymentMethod(id string, params *stripe.PaymentMethodParams) (*stripe.PaymentMethod, error) {
	return paymentmethod.Get(id, params)
}

func (liveAPI) DetachPaymentMethod(id string, params *stripe.PaymentMethodDetachParams) (*stripe.PaymentMethod, error) {
	return paymentmethod.Detach(id, params)
}

func (liveAPI) PreviewInvoice(params *stripe.InvoiceCreatePreviewParams) (*stripe.Invoice, error) {
	return invoice.CreatePreview(params)
}
