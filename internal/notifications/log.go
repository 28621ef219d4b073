package notifications

import (
	"context"

	"github.com/angelmondragon/sitecrew-backend/pkg/logger"
)

// LogDispatcher writes notifications to the log. Used when no topic is configured.
type LogDispatcher struct {
	logg *logger.Logger
}

func NewLogDispatcher(logg *logger.Logger) *LogDispatcher {
	return &LogDispatcher{logg: logg}
}

func (d *LogDispatcher) Dispatch(ctx context.Context, n Notification) error {
	if d.logg == nil {
		return nil
	}
	fields := map[string]any{
		"notification_kind": string(n.Kind),
		"organization_id":   n.OrganizationID.String(),
	}
	if n.SubscriptionID != nil {
		fields["subscription_id"] = n.SubscriptionID.String()
	}
	if n.LicenseID != nil {
		fields["license_id"] = n.LicenseID.String()
	}
	d.logg.Info(d.logg.WithFields(ctx, fields), "notification dispatched")
	return nil
}

// Send dispatches n and logs a failure instead of returning it.
func Send(ctx context.Context, d Dispatcher, logg *logger.Logger, n Notification) {
	if d == nil {
		return
	}
	if err := d.Dispatch(ctx, n); err != nil && logg != nil {
		logg.Error(logg.WithField(ctx, "notification_kind", string(n.Kind)), "notification dispatch failed", err)
	}
}
