package notifications

import (
	"context"

	"github.com/bissquit/tutordesk/internal/domain"
)

// Message is a rendered notification addressed to one recipient.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers messages over one channel.
type Sender interface {
	Channel() domain.NotificationChannel
	// Enabled reports whether the channel is configured. Deliveries on a
	// disabled channel are retried.
	Enabled() bool
	Send(ctx context.Context, msg Message) error
}
