package stripewebhook

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"

	"github.com/angelmondragon/sitecrew-backend/internal/gateway"
	pkgerrors "github.com/angelmondragon/sitecrew-backend/pkg/errors"
)

// EventKind is the closed set of processor events the reconciler understands.
type EventKind string

const (
	EventUnknown                 EventKind = "unknown"
	EventChargeSucceeded         EventKind = "charge_succeeded"
	EventChargeFailed            EventKind = "charge_failed"
	EventChargeRefunded          EventKind = "charge_refunded"
	EventSubscriptionUpdated     EventKind = "subscription_updated"
	EventSubscriptionDeleted     EventKind = "subscription_deleted"
	EventInvoicePaymentSucceeded EventKind = "invoice_payment_succeeded"
	EventInvoicePaymentFailed    EventKind = "invoice_payment_failed"
)

var eventKinds = map[stripe.EventType]EventKind{
	stripe.EventTypeChargeSucceeded:             EventChargeSucceeded,
	stripe.EventTypeChargeFailed:                EventChargeFailed,
	stripe.EventTypeChargeRefunded:              EventChargeRefunded,
	stripe.EventTypeCustomerSubscriptionCreated: EventSubscriptionUpdated,
	stripe.EventTypeCustomerSubscriptionUpdated: EventSubscriptionUpdated,
	stripe.EventTypeCustomerSubscriptionDeleted: EventSubscriptionDeleted,
	stripe.EventTypeInvoicePaymentSucceeded:     EventInvoicePaymentSucceeded,
	stripe.EventTypeInvoicePaid:                 EventInvoicePaymentSucceeded,
	stripe.EventTypeInvoicePaymentFailed:        EventInvoicePaymentFailed,
}

// ParseEventKind resolves a raw processor event type once at the boundary.
func ParseEventKind(raw string) EventKind {
	if kind, ok := eventKinds[stripe.EventType(strings.TrimSpace(raw))]; ok {
		return kind
	}
	return EventUnknown
}

func (k EventKind) String() string {
	return string(k)
}

type chargeFacts struct {
	ChargeID        string
	PaymentIntentID string
	CustomerID      string
	InvoiceID       string
	TransactionRef  string
	Currency        string
	AmountCents     int64
	RefundedCents   int64
	FailureMessage  string
	Card            *gateway.Card
}

// reference is the id stored as the transaction's processor reference.
func (c chargeFacts) reference() string {
	if c.PaymentIntentID != "" {
		return c.PaymentIntentID
	}
	return c.ChargeID
}

// references lists the ids a local transaction may carry, most specific first.
func (c chargeFacts) references() []string {
	var refs []string
	if c.PaymentIntentID != "" {
		refs = append(refs, c.PaymentIntentID)
	}
	if c.ChargeID != "" {
		refs = append(refs, c.ChargeID)
	}
	return refs
}

func decodeCharge(raw json.RawMessage) (*chargeFacts, error) {
	var ch stripe.Charge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode charge event")
	}
	if ch.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "charge id missing")
	}
	out := &chargeFacts{
		ChargeID:       ch.ID,
		Currency:       string(ch.Currency),
		AmountCents:    ch.Amount,
		RefundedCents:  ch.AmountRefunded,
		FailureMessage: ch.FailureMessage,
		TransactionRef: ch.Metadata[gateway.MetadataTransactionRef],
	}
	if ch.PaymentIntent != nil {
		out.PaymentIntentID = ch.PaymentIntent.ID
	}
	if ch.Customer != nil {
		out.CustomerID = ch.Customer.ID
	}
	var refs struct {
		Invoice json.RawMessage `json:"invoice"`
	}
	if err := json.Unmarshal(raw, &refs); err == nil {
		out.InvoiceID = expandableID(refs.Invoice)
	}
	if ch.PaymentMethodDetails != nil && ch.PaymentMethodDetails.Card != nil {
		card := ch.PaymentMethodDetails.Card
		out.Card = &gateway.Card{
			Brand:    string(card.Brand),
			Last4:    card.Last4,
			ExpMonth: int(card.ExpMonth),
			ExpYear:  int(card.ExpYear),
		}
	}
	return out, nil
}

type invoiceFacts struct {
	InvoiceID       string
	SubscriptionID  string
	CustomerID      string
	Currency        string
	AmountPaidCents int64
	AmountDueCents  int64
	PeriodStart     time.Time
	PeriodEnd       time.Time
}

func (f invoiceFacts) hasPeriod() bool {
	return !f.PeriodStart.IsZero() && f.PeriodStart.Before(f.PeriodEnd)
}

func decodeInvoice(raw json.RawMessage) (*invoiceFacts, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode invoice event")
	}
	if inv.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invoice id missing")
	}

	out := &invoiceFacts{
		InvoiceID:       inv.ID,
		Currency:        string(inv.Currency),
		AmountPaidCents: inv.AmountPaid,
		AmountDueCents:  inv.AmountDue,
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil && inv.Parent.SubscriptionDetails.Subscription != nil {
		out.SubscriptionID = inv.Parent.SubscriptionDetails.Subscription.ID
	}
	if out.SubscriptionID == "" {
		// Older API versions put the subscription at the top level.
		var legacy struct {
			Subscription json.RawMessage `json:"subscription"`
		}
		if err := json.Unmarshal(raw, &legacy); err == nil {
			out.SubscriptionID = expandableID(legacy.Subscription)
		}
	}

	// Subscription line items carry the service period being billed.
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			if line == nil || line.Period == nil || line.Period.End == 0 {
				continue
			}
			end := time.Unix(line.Period.End, 0).UTC()
			if end.After(out.PeriodEnd) {
				out.PeriodStart = time.Unix(line.Period.Start, 0).UTC()
				out.PeriodEnd = end
			}
		}
	}
	return out, nil
}

func decodeSubscription(raw json.RawMessage) (*gateway.Subscription, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode subscription event")
	}
	if sub.ID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription id missing")
	}
	return gateway.SubscriptionFromStripe(&sub), nil
}

// expandableID reads an id that is either a bare string or an expanded object.
func expandableID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}
