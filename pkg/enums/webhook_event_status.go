package enums

import "slices"

// WebhookEventStatus records how an inbound processor event was handled.
type WebhookEventStatus string

const (
	WebhookEventStatusReceived  WebhookEventStatus = "received"
	WebhookEventStatusProcessed WebhookEventStatus = "processed"
	WebhookEventStatusIgnored   WebhookEventStatus = "ignored"
	WebhookEventStatusFailed    WebhookEventStatus = "failed"
)

var validWebhookEventStatuses = []WebhookEventStatus{
	WebhookEventStatusReceived,
	WebhookEventStatusProcessed,
	WebhookEventStatusIgnored,
	WebhookEventStatusFailed,
}

func (w WebhookEventStatus) String() string { return string(w) }

func (w WebhookEventStatus) IsValid() bool { return slices.Contains(validWebhookEventStatuses, w) }

func ParseWebhookEventStatus(value string) (WebhookEventStatus, error) { return parse(validWebhookEventStatuses, "webhook event status", value) }
