package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/tutordesk/internal/domain"
	"github.com/bissquit/tutordesk/internal/outbox"
	"github.com/bissquit/tutordesk/internal/pkg/ctxlog"
)

// DeliveryHandler consumes a notification topic: it sends the notification
// over its channel and records the result on the notification.
type DeliveryHandler struct {
	topic    string
	repo     Repository
	sender   Sender
	renderer *Renderer
	now      func() time.Time
}

// NewDeliveryHandler creates a handler for the sender's channel.
func NewDeliveryHandler(repo Repository, sender Sender, renderer *Renderer) *DeliveryHandler {
	return &DeliveryHandler{
		topic:    TopicFor(sender.Channel()),
		repo:     repo,
		sender:   sender,
		renderer: renderer,
		now:      time.Now,
	}
}

// Topic returns the outbox topic this handler consumes.
func (h *DeliveryHandler) Topic() string {
	return h.topic
}

// Register binds the handler to its topic.
func (h *DeliveryHandler) Register(registry *outbox.Registry) {
	registry.Register(h.topic, h.Handle)
}

// Handle delivers one notification. Notifications that are gone, already
// handled, or on another channel are skipped without error. A recipient
// without an address for the channel fails the notification, not the item.
func (h *DeliveryHandler) Handle(ctx context.Context, payload json.RawMessage) error {
	channel := h.sender.Channel()
	logger := ctxlog.FromContext(ctx)

	var p DeliveryPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.NotificationID == "" {
		logger.Warn("notification payload without id, skipping", "payload", string(payload))
		recordDelivered(channel, "skipped")
		return nil
	}

	logger = logger.With("notification_id", p.NotificationID)

	d, err := h.repo.GetDelivery(ctx, p.NotificationID)
	if err != nil {
		if errors.Is(err, ErrNotificationNotFound) {
			logger.Info("notification no longer exists, skipping")
			recordDelivered(channel, "skipped")
			return nil
		}
		return fmt.Errorf("load notification: %w", err)
	}

	n := d.Notification
	if n.Channel != channel || n.Status != domain.NotificationStatusPending {
		logger.Debug("notification not deliverable on this channel, skipping",
			"channel", n.Channel,
			"status", n.Status,
		)
		recordDelivered(channel, "skipped")
		return nil
	}

	to := d.Address(channel)
	if to == "" {
		if _, err := h.repo.MarkFailed(ctx, n.ID); err != nil {
			return fmt.Errorf("mark notification failed: %w", err)
		}
		logger.Warn("recipient has no address for channel, notification failed", "user_id", n.UserID)
		recordDelivered(channel, "no_address")
		return nil
	}

	if !h.sender.Enabled() {
		recordDelivered(channel, "disabled")
		return fmt.Errorf("%s: %w", channel, ErrChannelDisabled)
	}

	subject, body, err := h.renderer.Render(channel, d)
	if err != nil {
		return fmt.Errorf("render notification: %w", err)
	}

	start := time.Now()
	err = h.sender.Send(ctx, Message{To: to, Subject: subject, Body: body})
	recordSendDuration(channel, time.Since(start))
	if err != nil {
		recordDelivered(channel, "error")
		return fmt.Errorf("send %s notification: %w", channel, err)
	}

	if _, err := h.repo.MarkSent(ctx, n.ID, h.now()); err != nil {
		return fmt.Errorf("mark notification sent: %w", err)
	}

	recordDelivered(channel, "sent")
	logger.Info("notification delivered", "channel", channel, "type", n.Type)
	return nil
}
