package enums

import "slices"

// PaymentStatus is the lifecycle of a payment transaction.
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusCompleted         PaymentStatus = "completed"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
)

var validPaymentStatuses = []PaymentStatus{
	PaymentStatusPending,
	PaymentStatusCompleted,
	PaymentStatusFailed,
	PaymentStatusRefunded,
	PaymentStatusPartiallyRefunded,
}

func (p PaymentStatus) String() string { return string(p) }

func (p PaymentStatus) IsValid() bool { return slices.Contains(validPaymentStatuses, p) }

func ParsePaymentStatus(value string) (PaymentStatus, error) { return parse(validPaymentStatuses, "payment status", value) }

// CanTransitionTo reports whether moving to next keeps the status history
// monotonic. Settled money never regresses to pending or failed.
func (p PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	if p == next {
		return false
	}
	switch p {
	case PaymentStatusPending:
		return true
	case PaymentStatusFailed:
		return next == PaymentStatusPending || next == PaymentStatusCompleted
	case PaymentStatusCompleted:
		return next == PaymentStatusRefunded || next == PaymentStatusPartiallyRefunded
	case PaymentStatusPartiallyRefunded:
		return next == PaymentStatusRefunded
	default:
		return false
	}
}
