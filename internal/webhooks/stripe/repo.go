package stripewebhook

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/sitecrew-backend/internal/repo"
	"github.com/angelmondragon/sitecrew-backend/pkg/db/models"
	"github.com/angelmondragon/sitecrew-backend/pkg/enums"
)

const providerStripe = "stripe"

// EventLog persists every verified inbound event.
type EventLog struct {
	repo.Base
}

func NewEventLog(db *gorm.DB) *EventLog {
	return &EventLog{Base: repo.NewBase(db)}
}

// Begin records the event as received. When the event was seen before, the
// stored row is returned with created=false.
func (l *EventLog) Begin(ctx context.Context, event *models.WebhookEvent) (*models.WebhookEvent, bool, error) {
	if event.Provider == "" {
		event.Provider = providerStripe
	}
	event.Status = enums.WebhookEventStatusReceived

	res := l.DB(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(event)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return event, true, nil
	}

	var stored models.WebhookEvent
	ok, err := repo.FirstOrNil(
		l.DB(ctx).Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID),
		&stored,
	)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return event, true, nil
	}
	return &stored, false, nil
}

// Finish stores the final status and outcome of an event.
func (l *EventLog) Finish(ctx context.Context, id uuid.UUID, status enums.WebhookEventStatus, outcome string, errMsg string, at time.Time) error {
	updates := map[string]any{
		"status":        status,
		"outcome":       outcome,
		"processed_at":  at.UTC(),
		"error_message": nil,
	}
	if msg := strings.TrimSpace(errMsg); msg != "" {
		updates["error_message"] = msg
	}
	return l.DB(ctx).Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

// Get loads an event by provider event id.
func (l *EventLog) Get(ctx context.Context, providerEventID string) (*models.WebhookEvent, error) {
	var stored models.WebhookEvent
	ok, err := repo.FirstOrNil(
		l.DB(ctx).Where("provider = ? AND provider_event_id = ?", providerStripe, providerEventID),
		&stored,
	)
	if err != nil || !ok {
		return nil, err
	}
	return &stored, nil
}
