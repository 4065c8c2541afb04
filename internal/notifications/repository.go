// Package notifications turns due notification records into queued outbox
// items and delivers them through a channel sender.
package notifications

import (
	"context"
	"time"

	"github.com/bissquit/tutordesk/internal/domain"
)

// Repository defines the interface for notifications data access.
type Repository interface {
	Create(ctx context.Context, n *domain.Notification) error

	// ListDue returns IDs of pending notifications on channel with
	// scheduled_at <= now, oldest first.
	ListDue(ctx context.Context, channel domain.NotificationChannel, now time.Time, limit int) ([]string, error)

	// GetDelivery loads a notification together with its recipient data.
	GetDelivery(ctx context.Context, id string) (*Delivery, error)

	// MarkSent and MarkFailed only transition pending notifications.
	// They report whether the row was updated.
	MarkSent(ctx context.Context, id string, sentAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string) (bool, error)
}

// Delivery is a notification joined with what is needed to deliver it.
type Delivery struct {
	Notification   domain.Notification
	Email          string
	TelegramChatID *string
	StudentName    *string
}

// Address returns the recipient address for channel, or "" if the user has
// none.
func (d *Delivery) Address(channel domain.NotificationChannel) string {
	switch channel {
	case domain.NotificationChannelTelegram:
		if d.TelegramChatID != nil {
			return *d.TelegramChatID
		}
	case domain.NotificationChannelEmail:
		return d.Email
	}
	return ""
}
