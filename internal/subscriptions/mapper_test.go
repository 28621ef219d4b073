package subscriptions

import (
	"testing"
	"time"

	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
)

func TestMapRemoteStatus(t *testing.T) {
	cases := []struct {
		name          string
		value         string
		cancelAtEnd   bool
		want          enums.SubscriptionStatus
		wantRecognize bool
	}{
		{name: "trialing", value: "trialing", want: enums.SubscriptionStatusTrial, wantRecognize: true},
		{name: "active", value: "ACTIVE", want: enums.SubscriptionStatusActive, wantRecognize: true},
		{name: "active cancelling", value: "active", cancelAtEnd: true, want: enums.SubscriptionStatusCancelled, wantRecognize: true},
		{name: "past due with hyphen", value: "past-due", want: enums.SubscriptionStatusPastDue, wantRecognize: true},
		{name: "unpaid", value: "unpaid", want: enums.SubscriptionStatusPastDue, wantRecognize: true},
		{name: "canceled", value: "canceled", want: enums.SubscriptionStatusCancelled, wantRecognize: true},
		{name: "incomplete", value: "incomplete", want: enums.SubscriptionStatusPendingPayment, wantRecognize: true},
		{name: "incomplete expired", value: "incomplete_expired", want: enums.SubscriptionStatusExpired, wantRecognize: true},
		{name: "paused is unknown", value: "paused", wantRecognize: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := MapRemoteStatus(tc.value, tc.cancelAtEnd)
			if ok != tc.wantRecognize {
				t.Fatalf("expected recognized=%v, got %v", tc.wantRecognize, ok)
			}
			if got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestApplyRemoteIgnoresStaleFacts(t *testing.T) {
	sub := activeSubscription()
	newer := periodStart.Add(48 * time.Hour)
	MarkSynced(sub, newer)

	change := ApplyRemote(sub, RemoteState{Status: "past_due", ObservedAt: newer.Add(-time.Hour)})
	if !change.Stale {
		t.Fatalf("expected stale change")
	}
	if sub.Status != enums.SubscriptionStatusActive {
		t.Fatalf("stale event regressed status to %s", sub.Status)
	}
}

func TestApplyRemoteUpdatesPeriodAndCapacity(t *testing.T) {
	sub := activeSubscription()
	start := sub.CurrentPeriodEnd
	end := start.AddDate(0, 1, 0)

	change := ApplyRemote(sub, RemoteState{
		ID:          "sub_1",
		CustomerID:  "cus_1",
		Status:      "active",
		Quantity:    8,
		PeriodStart: start,
		PeriodEnd:   end,
		ObservedAt:  start,
	})

	if change.Stale || change.StatusChanged() {
		t.Fatalf("unexpected change %+v", change)
	}
	if !change.PeriodChanged || !change.CapacityChanged || change.PreviousCapacity != 5 {
		t.Fatalf("expected period and capacity change, got %+v", change)
	}
	if sub.LicenseCapacity != 8 || !sub.CurrentPeriodEnd.Equal(end) {
		t.Fatalf("unexpected subscription %+v", sub)
	}
	if !sub.IsLinked() {
		t.Fatalf("expected remote identifiers linked")
	}
	if sub.LastSyncedAt == nil || !sub.LastSyncedAt.Equal(start) {
		t.Fatalf("expected watermark advanced")
	}
}

func TestApplyRemoteCancelAtPeriodEnd(t *testing.T) {
	sub := activeSubscription()
	change := ApplyRemote(sub, RemoteState{Status: "active", CancelAtPeriodEnd: true, ObservedAt: periodStart})

	if change.To != enums.SubscriptionStatusCancelled || sub.AutoRenew {
		t.Fatalf("expected cancelled without auto renew, got %+v", change)
	}
}

func TestApplyRemoteSkipsDisallowedTransition(t *testing.T) {
	sub := activeSubscription()
	change := ApplyRemote(sub, RemoteState{Status: "trialing", ObservedAt: periodStart})

	if !change.StatusSkipped || sub.Status != enums.SubscriptionStatusActive {
		t.Fatalf("expected skipped transition, got %+v status=%s", change, sub.Status)
	}
}

func TestApplyRemoteActiveDoesNotClearPastDue(t *testing.T) {
	sub := activeSubscription()
	sub.Status = enums.SubscriptionStatusPastDue

	change := ApplyRemote(sub, RemoteState{Status: "active", ObservedAt: periodStart})
	if !change.StatusSkipped || sub.Status != enums.SubscriptionStatusPastDue {
		t.Fatalf("expected past due kept, got %+v status=%s", change, sub.Status)
	}
	if sub.LastSyncedAt == nil {
		t.Fatalf("expected watermark advanced")
	}
}

func TestApplyRemoteActiveConfirmsPendingPayment(t *testing.T) {
	sub := activeSubscription()
	sub.Status = enums.SubscriptionStatusPendingPayment
	start := periodStart.Add(time.Hour)
	end := start.AddDate(0, 1, 0)

	change := ApplyRemote(sub, RemoteState{Status: "active", PeriodStart: start, PeriodEnd: end, ObservedAt: start})
	if change.StatusSkipped || sub.Status != enums.SubscriptionStatusActive {
		t.Fatalf("expected activation, got %+v status=%s", change, sub.Status)
	}
	if !sub.CurrentPeriodEnd.Equal(end) {
		t.Fatalf("expected period from processor, got %s", sub.CurrentPeriodEnd)
	}
}

func TestApplyRemoteActiveDoesNotEndTrial(t *testing.T) {
	sub := activeSubscription()
	sub.Status = enums.SubscriptionStatusTrial
	sub.IsTrial = true

	change := ApplyRemote(sub, RemoteState{Status: "active", ObservedAt: periodStart})
	if !change.StatusSkipped || sub.Status != enums.SubscriptionStatusTrial {
		t.Fatalf("expected trial kept, got %+v status=%s", change, sub.Status)
	}
}
