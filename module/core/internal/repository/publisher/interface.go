package publisher

import (
	"context"

	"github.com/nandanugg/marker-tracker/module/core/domain"
)

// NotificationSink shows and retracts marker notifications. Cancel must be
// safe to call twice with the same handle.
type NotificationSink interface {
	Show(ctx context.Context, n *domain.Notification) (domain.NotificationHandle, error)
	Cancel(ctx context.Context, handle domain.NotificationHandle) error
}
