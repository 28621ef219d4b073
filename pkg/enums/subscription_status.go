package enums

import "slices"

// SubscriptionStatus is the local lifecycle state of an organization's subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusTrial          SubscriptionStatus = "trial"
	SubscriptionStatusPendingPayment SubscriptionStatus = "pending_payment"
	SubscriptionStatusActive         SubscriptionStatus = "active"
	SubscriptionStatusPastDue        SubscriptionStatus = "past_due"
	SubscriptionStatusCancelled      SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired        SubscriptionStatus = "expired"
)

var validSubscriptionStatuses = []SubscriptionStatus{
	SubscriptionStatusTrial,
	SubscriptionStatusPendingPayment,
	SubscriptionStatusActive,
	SubscriptionStatusPastDue,
	SubscriptionStatusCancelled,
	SubscriptionStatusExpired,
}

func (s SubscriptionStatus) String() string { return string(s) }

func (s SubscriptionStatus) IsValid() bool { return slices.Contains(validSubscriptionStatuses, s) }

func ParseSubscriptionStatus(value string) (SubscriptionStatus, error) { return parse(validSubscriptionStatuses, "subscription status", value) }

// IsTerminal reports whether the status allows no further transitions.
func (s SubscriptionStatus) IsTerminal() bool {
	return s == SubscriptionStatusExpired
}

// AllowsLicenseAssignment reports whether new licenses may be issued.
func (s SubscriptionStatus) AllowsLicenseAssignment() bool {
	return s == SubscriptionStatusActive || s == SubscriptionStatusTrial
}
