package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/angelmondragon/sitecrew-backend/pkg/logger"
)

const (
	attrKind           = "kind"
	attrOrganizationID = "organization_id"
	attrNotificationID = "notification_id"
)

type publishFunc func(ctx context.Context, msg *pubsub.Message) (string, error)

// PubSubDispatcher publishes notifications as JSON messages.
type PubSubDispatcher struct {
	publish publishFunc
	logg    *logger.Logger
}

// NewPubSubDispatcher publishes through the given topic publisher.
func NewPubSubDispatcher(publisher *pubsub.Publisher, logg *logger.Logger) (*PubSubDispatcher, error) {
	if publisher == nil {
		return nil, fmt.Errorf("notification publisher required")
	}
	return newPubSubDispatcher(func(ctx context.Context, msg *pubsub.Message) (string, error) {
		return publisher.Publish(ctx, msg).Get(ctx)
	}, logg), nil
}

func newPubSubDispatcher(fn publishFunc, logg *logger.Logger) *PubSubDispatcher {
	return &PubSubDispatcher{publish: fn, logg: logg}
}

func (d *PubSubDispatcher) Dispatch(ctx context.Context, n Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.OccurredAt.IsZero() {
		n.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	msgID, err := d.publish(ctx, &pubsub.Message{
		Data: body,
		Attributes: map[string]string{
			attrKind:           string(n.Kind),
			attrOrganizationID: n.OrganizationID.String(),
			attrNotificationID: n.ID.String(),
		},
	})
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	if d.logg != nil {
		logCtx := d.logg.WithFields(ctx, map[string]any{
			"notification_kind": string(n.Kind),
			"organization_id":   n.OrganizationID.String(),
			"message_id":        msgID,
		})
		d.logg.Debug(logCtx, "notification published")
	}
	return nil
}
