package enums

import (
	"slices"
	"time"
)

// BillingCycle defines how often a subscription renews.
type BillingCycle string

const (
	BillingCycleMonthly BillingCycle = "monthly"
	BillingCycleAnnual  BillingCycle = "annual"
)

var validBillingCycles = []BillingCycle{
	BillingCycleMonthly,
	BillingCycleAnnual,
}

func (b BillingCycle) String() string { return string(b) }

func (b BillingCycle) IsValid() bool { return slices.Contains(validBillingCycles, b) }

func ParseBillingCycle(value string) (BillingCycle, error) { return parse(validBillingCycles, "billing cycle", value) }

// Advance returns the end of the period that starts at from.
func (b BillingCycle) Advance(from time.Time) time.Time {
	if b == BillingCycleAnnual {
		return from.AddDate(1, 0, 0)
	}
	return from.AddDate(0, 1, 0)
}
