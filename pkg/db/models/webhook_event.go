package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
)

// WebhookEvent is the durable record of an inbound processor event.
type WebhookEvent struct {
	ID              uuid.UUID                `gorm:"column:id;type:uuid;primaryKey"`
	Provider        string                   `gorm:"column:provider;type:varchar(32);not null;uniqueIndex:ux_webhook_events_provider_event"`
	ProviderEventID string                   `gorm:"column:provider_event_id;not null;uniqueIndex:ux_webhook_events_provider_event"`
	EventType       string                   `gorm:"column:event_type;not null"`
	Status          enums.WebhookEventStatus `gorm:"column:status;type:varchar(16);not null"`
	Outcome         *string                  `gorm:"column:outcome"`
	ErrorMessage    *string                  `gorm:"column:error_message"`
	EventCreatedAt  time.Time                `gorm:"column:event_created_at;not null"`
	ReceivedAt      time.Time                `gorm:"column:received_at;not null"`
	ProcessedAt     *time.Time               `gorm:"column:processed_at"`
}
