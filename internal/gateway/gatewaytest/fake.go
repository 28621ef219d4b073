// Package gatewaytest provides an in-memory gateway for service tests.
package gatewaytest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/angelmondragon/sitecrew-backend/internal/gateway"
	pkgerrors "github.com/angelmondragon/sitecrew-backend/pkg/errors"
)

// Operation names accepted by Fail.
const (
	OpCreateCustomer     = "create_customer"
	OpCreateSubscription = "create_subscription"
	OpGetSubscription    = "get_subscription"
	OpUpdateQuantity     = "update_quantity"
	OpCancel             = "cancel"
	OpReactivate         = "reactivate"
	OpPreview            = "preview"
	OpCharge             = "charge"
	OpRefund             = "refund"
	OpPaymentMethods     = "payment_methods"
)

// Fake is a goroutine-safe Gateway backed by maps.
type Fake struct {
	mu sync.Mutex

	Now           func() time.Time
	Secret        string
	failures      map[string][]error
	seq           int
	subscriptions map[string]*gateway.Subscription
	methods       map[string][]gateway.PaymentMethod
	defaults      map[string]string

	Charges []gateway.ChargeInput
	Refunds []gateway.RefundInput
	Calls   []string
}

var _ gateway.Gateway = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		Now:           func() time.Time { return time.Now().UTC() },
		Secret:        "whsec_fake",
		failures:      map[string][]error{},
		subscriptions: map[string]*gateway.Subscription{},
		methods:       map[string][]gateway.PaymentMethod{},
		defaults:      map[string]string{},
	}
}

// Fail queues err for the next call of op. Errors are consumed in order.
func (f *Fake) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

// Decline queues a card decline for the next charge.
func (f *Fake) Decline(message string) {
	f.Fail(OpCharge, pkgerrors.New(pkgerrors.CodeGateway, message))
}

// Timeout queues a gateway timeout for the next call of op.
func (f *Fake) Timeout(op string) {
	f.Fail(op, pkgerrors.New(pkgerrors.CodeGatewayTimeout, op+" timed out"))
}

// CallCount returns how many times op was invoked.
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == op {
			n++
		}
	}
	return n
}

// Remote returns a copy of the stored remote subscription.
func (f *Fake) Remote(id string) *gateway.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subscriptions[id]
	if !ok {
		return nil
	}
	cp := *sub
	return &cp
}

// PutRemote replaces the stored remote subscription.
func (f *Fake) PutRemote(sub gateway.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions[sub.ID] = &sub
}

// AddPaymentMethod attaches a card to the customer. The first card becomes default.
func (f *Fake) AddPaymentMethod(customerID string, pm gateway.PaymentMethod) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.methods[customerID] = append(f.methods[customerID], pm)
	if f.defaults[customerID] == "" {
		f.defaults[customerID] = pm.ID
	}
}

func (f *Fake) begin(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, op)
	queue := f.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	f.failures[op] = queue[1:]
	return err
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%d", prefix, f.seq)
}

func (f *Fake) CreateCustomer(_ context.Context, input gateway.CreateCustomerInput) (*gateway.Customer, error) {
	if err := f.begin(OpCreateCustomer); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return &gateway.Customer{ID: f.nextID("cus")}, nil
}

func (f *Fake) CreateSubscription(_ context.Context, input gateway.CreateSubscriptionInput) (*gateway.Subscription, error) {
	if err := f.begin(OpCreateSubscription); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.Now().UTC().Truncate(time.Second)
	sub := &gateway.Subscription{
		ID:          f.nextID("sub"),
		CustomerID:  input.CustomerID,
		ItemID:      f.nextID("si"),
		PriceID:     "price_seat",
		Status:      "active",
		Quantity:    input.Quantity,
		PeriodStart: now,
		PeriodEnd:   now.AddDate(0, 1, 0),
	}
	if input.Annual {
		sub.PriceID = "price_seat_annual"
		sub.PeriodEnd = now.AddDate(1, 0, 0)
	}
	if input.TrialDays > 0 {
		end := now.AddDate(0, 0, input.TrialDays)
		sub.Status = "trialing"
		sub.TrialEnd = &end
		sub.PeriodEnd = end
	}
	f.subscriptions[sub.ID] = sub
	cp := *sub
	return &cp, nil
}

func (f *Fake) GetSubscription(_ context.Context, id string) (*gateway.Subscription, error) {
	if err := f.begin(OpGetSubscription); err != nil {
		return nil, err
	}
	if sub := f.Remote(id); sub != nil {
		return sub, nil
	}
	return nil, pkgerrors.New(pkgerrors.CodeGateway, "No such subscription: "+id)
}

func (f *Fake) UpdateQuantity(_ context.Context, input gateway.UpdateQuantityInput) (*gateway.Subscription, error) {
	if err := f.begin(OpUpdateQuantity); err != nil {
		return nil, err
	}
	return f.mutate(input.SubscriptionID, func(sub *gateway.Subscription) { sub.Quantity = input.Quantity })
}

func (f *Fake) CancelSubscription(_ context.Context, id string, atPeriodEnd bool) (*gateway.Subscription, error) {
	if err := f.begin(OpCancel); err != nil {
		return nil, err
	}
	return f.mutate(id, func(sub *gateway.Subscription) {
		if atPeriodEnd {
			sub.CancelAtPeriodEnd = true
			return
		}
		sub.Status = "canceled"
	})
}

func (f *Fake) ReactivateSubscription(_ context.Context, id string) (*gateway.Subscription, error) {
	if err := f.begin(OpReactivate); err != nil {
		return nil, err
	}
	return f.mutate(id, func(sub *gateway.Subscription) { sub.CancelAtPeriodEnd = false })
}

func (f *Fake) mutate(id string, fn func(*gateway.Subscription)) (*gateway.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subscriptions[id]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeGateway, "No such subscription: "+id)
	}
	fn(sub)
	cp := *sub
	return &cp, nil
}

// PreviewProration charges the seat delta pro rata over whole days left.
func (f *Fake) PreviewProration(_ context.Context, input gateway.UpdateQuantityInput) (*gateway.ProrationPreview, error) {
	if err := f.begin(OpPreview); err != nil {
		return nil, err
	}
	sub := f.Remote(input.SubscriptionID)
	if sub == nil {
		return nil, pkgerrors.New(pkgerrors.CodeGateway, "No such subscription: "+input.SubscriptionID)
	}
	delta := int64(input.Quantity - sub.Quantity)
	amount := delta * 1500
	return &gateway.ProrationPreview{
		Currency:       "usd",
		Quantity:       input.Quantity,
		TotalCents:     amount,
		AmountDueCents: max(amount, 0),
		PeriodEnd:      sub.PeriodEnd,
		Lines: []gateway.ProrationLine{
			{Description: fmt.Sprintf("Seats %d → %d", sub.Quantity, input.Quantity), AmountCents: amount},
		},
	}, nil
}

func (f *Fake) Charge(_ context.Context, input gateway.ChargeInput) (*gateway.Charge, error) {
	f.mu.Lock()
	f.Charges = append(f.Charges, input)
	f.mu.Unlock()
	if err := f.begin(OpCharge); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return &gateway.Charge{
		PaymentIntentID: "pi_" + input.IdempotencyKey,
		ChargeID:        f.nextID("ch"),
		Status:          "succeeded",
		AmountCents:     input.AmountCents,
		Card:            &gateway.Card{Brand: "visa", Last4: "4242", ExpMonth: 12, ExpYear: 2030},
	}, nil
}

func (f *Fake) Refund(_ context.Context, input gateway.RefundInput) (*gateway.Refund, error) {
	f.mu.Lock()
	f.Refunds = append(f.Refunds, input)
	f.mu.Unlock()
	if err := f.begin(OpRefund); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return &gateway.Refund{ID: f.nextID("re"), Status: "succeeded", AmountCents: input.AmountCents}, nil
}

func (f *Fake) ListPaymentMethods(_ context.Context, customerID string) ([]gateway.PaymentMethod, error) {
	if err := f.begin(OpPaymentMethods); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]gateway.PaymentMethod, 0, len(f.methods[customerID]))
	for _, pm := range f.methods[customerID] {
		pm.IsDefault = pm.ID == f.defaults[customerID]
		out = append(out, pm)
	}
	return out, nil
}

func (f *Fake) SetDefaultPaymentMethod(_ context.Context, customerID, paymentMethodID string) error {
	if err := f.begin(OpPaymentMethods); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.owns(customerID, paymentMethodID) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "payment method not found")
	}
	f.defaults[customerID] = paymentMethodID
	return nil
}

func (f *Fake) DetachPaymentMethod(_ context.Context, customerID, paymentMethodID string) error {
	if err := f.begin(OpPaymentMethods); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.owns(customerID, paymentMethodID) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "payment method not found")
	}
	kept := f.methods[customerID][:0]
	for _, pm := range f.methods[customerID] {
		if pm.ID != paymentMethodID {
			kept = append(kept, pm)
		}
	}
	f.methods[customerID] = kept
	if f.defaults[customerID] == paymentMethodID {
		delete(f.defaults, customerID)
	}
	return nil
}

func (f *Fake) owns(customerID, paymentMethodID string) bool {
	for _, pm := range f.methods[customerID] {
		if pm.ID == paymentMethodID {
			return true
		}
	}
	return false
}

// VerifyWebhook accepts a payload whose signature equals Secret. The payload
// must be a JSON event envelope.
func (f *Fake) VerifyWebhook(payload []byte, signature string) (*gateway.Event, error) {
	if signature != f.Secret {
		return nil, pkgerrors.New(pkgerrors.CodeSignatureInvalid, "invalid webhook signature")
	}
	var envelope struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Created int64  `json:"created"`
		Data    struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid event payload")
	}
	return &gateway.Event{
		ID:      envelope.ID,
		Type:    envelope.Type,
		Created: time.Unix(envelope.Created, 0).UTC(),
		Object:  envelope.Data.Object,
	}, nil
}
