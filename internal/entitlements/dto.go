package entitlements

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/sitecrew-backend/internal/payments"
	"github.com/angelmondragon/sitecrew-backend/pkg/db/models"
	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
)

type CreateSubscriptionInput struct {
	OrganizationID uuid.UUID
	ActorID        uuid.UUID
	// Capacity falls back to the configured default when zero.
	Capacity     int
	TrialDays    int
	BillingCycle enums.BillingCycle
}

// Stats summarizes license usage and the upcoming renewal for dashboards.
type Stats struct {
	SubscriptionID   uuid.UUID                `json:"subscription_id"`
	Status           enums.SubscriptionStatus `json:"status"`
	BillingCycle     enums.BillingCycle       `json:"billing_cycle"`
	Capacity         int                      `json:"capacity"`
	Used             int                      `json:"used"`
	Available        int                      `json:"available"`
	CurrentPeriodEnd time.Time                `json:"current_period_end"`
	NextBillingAt    *time.Time               `json:"next_billing_at,omitempty"`
	DaysUntilRenewal int                      `json:"days_until_renewal"`
	ExpiringSoon     bool                     `json:"expiring_soon"`
	AutoRenew        bool                     `json:"auto_renew"`
	IsTrial          bool                     `json:"is_trial"`
	TrialEndsAt      *time.Time               `json:"trial_ends_at,omitempty"`
	PeriodAmount     decimal.Decimal          `json:"period_amount"`
	Currency         string                   `json:"currency"`
}

// ChargeResult is the state after a renewal or retry attempt. Charged is
// false when nothing was attempted because the work was already done.
type ChargeResult struct {
	Subscription *models.Subscription       `json:"subscription"`
	Payment      *models.PaymentTransaction `json:"payment,omitempty"`
	Charged      bool                       `json:"charged"`
}

func (s *service) buildStats(sub *models.Subscription, now time.Time) *Stats {
	target := sub.CurrentPeriodEnd
	if sub.NextBillingAt != nil {
		target = *sub.NextBillingAt
	}
	days := int(math.Ceil(target.Sub(now).Hours() / 24))
	if days < 0 {
		days = 0
	}
	return &Stats{
		SubscriptionID:   sub.ID,
		Status:           sub.Status,
		BillingCycle:     sub.BillingCycle,
		Capacity:         sub.LicenseCapacity,
		Used:             sub.LicensesInUse,
		Available:        sub.AvailableLicenses(),
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
		NextBillingAt:    sub.NextBillingAt,
		DaysUntilRenewal: days,
		ExpiringSoon:     !sub.Status.IsTerminal() && days <= s.billing.ExpiringSoonDays,
		AutoRenew:        sub.AutoRenew,
		IsTrial:          sub.IsTrial,
		TrialEndsAt:      sub.TrialEndsAt,
		PeriodAmount:     payments.Money(s.periodAmount(sub)),
		Currency:         sub.Currency,
	}
}

// periodAmount prices one billing period: seats times rate, with annual
// cycles billed at AnnualMonths monthly rates.
func (s *service) periodAmount(sub *models.Subscription) int64 {
	total := decimal.NewFromInt(sub.SeatRateCents).Mul(decimal.NewFromInt(int64(sub.LicenseCapacity)))
	if sub.BillingCycle == enums.BillingCycleAnnual {
		months := s.billing.AnnualMonths
		if months <= 0 {
			months = 12
		}
		total = total.Mul(decimal.NewFromInt(months))
	}
	return total.IntPart()
}
