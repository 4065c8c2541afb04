package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/bissquit/tutordesk/internal/domain"
	"github.com/bissquit/tutordesk/internal/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T, repo Repository, sender Sender) *DeliveryHandler {
	t.Helper()

	renderer, err := NewRenderer()
	require.NoError(t, err)

	h := NewDeliveryHandler(repo, sender, renderer)
	h.now = func() time.Time { return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC) }
	return h
}

func telegramDelivery(id string, chatID *string) *Delivery {
	return &Delivery{
		Notification: domain.Notification{
			ID:          id,
			UserID:      "u1",
			Type:        domain.NotificationTypePaymentReminder,
			Channel:     domain.NotificationChannelTelegram,
			Status:      domain.NotificationStatusPending,
			ScheduledAt: time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC),
		},
		Email:          "tutor@example.com",
		TelegramChatID: chatID,
		StudentName:    strPtr("anna & co"),
	}
}

func payloadFor(id string) json.RawMessage {
	raw, _ := json.Marshal(DeliveryPayload{NotificationID: id})
	return raw
}

func TestDeliveryHandler_Sends(t *testing.T) {
	repo := newMemRepository()
	repo.add(telegramDelivery("n1", strPtr("12345")))
	sender := &fakeSender{channel: domain.NotificationChannelTelegram, enabled: true}
	h := newTestHandler(t, repo, sender)

	require.NoError(t, h.Handle(context.Background(), payloadFor("n1")))

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "12345", sender.sent[0].To)
	assert.Equal(t, "Payment reminder from student: <b>Anna &amp; Co</b>.", sender.sent[0].Body)

	n := repo.get("n1")
	assert.Equal(t, domain.NotificationStatusSent, n.Status)
	require.NotNil(t, n.SentAt)
	assert.Equal(t, h.now(), *n.SentAt)
}

func TestDeliveryHandler_NoOps(t *testing.T) {
	tests := []struct {
		name    string
		payload json.RawMessage
		setup   func(repo *memRepository)
	}{
		{
			name:    "missing id",
			payload: json.RawMessage(`{}`),
		},
		{
			name:    "malformed payload",
			payload: json.RawMessage(`[1,2]`),
		},
		{
			name:    "notification gone",
			payload: payloadFor("gone"),
		},
		{
			name:    "already sent",
			payload: payloadFor("n1"),
			setup: func(repo *memRepository) {
				d := telegramDelivery("n1", strPtr("1"))
				d.Notification.Status = domain.NotificationStatusSent
				repo.add(d)
			},
		},
		{
			name:    "other channel",
			payload: payloadFor("n1"),
			setup: func(repo *memRepository) {
				d := telegramDelivery("n1", strPtr("1"))
				d.Notification.Channel = domain.NotificationChannelEmail
				repo.add(d)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMemRepository()
			if tt.setup != nil {
				tt.setup(repo)
			}
			sender := &fakeSender{channel: domain.NotificationChannelTelegram, enabled: true}
			h := newTestHandler(t, repo, sender)

			assert.NoError(t, h.Handle(context.Background(), tt.payload))
			assert.Empty(t, sender.sent)
		})
	}
}

func TestDeliveryHandler_NoAddressFailsNotification(t *testing.T) {
	repo := newMemRepository()
	repo.add(telegramDelivery("n1", nil))
	sender := &fakeSender{channel: domain.NotificationChannelTelegram, enabled: true}
	h := newTestHandler(t, repo, sender)

	require.NoError(t, h.Handle(context.Background(), payloadFor("n1")))

	assert.Empty(t, sender.sent)
	assert.Equal(t, domain.NotificationStatusFailed, repo.get("n1").Status)
}

func TestDeliveryHandler_DisabledChannelRetries(t *testing.T) {
	repo := newMemRepository()
	repo.add(telegramDelivery("n1", strPtr("1")))
	sender := &fakeSender{channel: domain.NotificationChannelTelegram, enabled: false}
	h := newTestHandler(t, repo, sender)

	err := h.Handle(context.Background(), payloadFor("n1"))
	assert.ErrorIs(t, err, ErrChannelDisabled)
	assert.Equal(t, domain.NotificationStatusPending, repo.get("n1").Status)
}

type retryHintErr struct{}

func (retryHintErr) Error() string                 { return "too many requests" }
func (retryHintErr) RetryAfterHint() time.Duration { return 9 * time.Second }

func TestDeliveryHandler_SendFailure(t *testing.T) {
	repo := newMemRepository()
	repo.add(telegramDelivery("n1", strPtr("1")))
	sender := &fakeSender{channel: domain.NotificationChannelTelegram, enabled: true, err: retryHintErr{}}
	h := newTestHandler(t, repo, sender)

	err := h.Handle(context.Background(), payloadFor("n1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many requests")
	assert.Equal(t, 9*time.Second, outbox.RetryAfter(err), "retry hint must survive wrapping")
	assert.Equal(t, domain.NotificationStatusPending, repo.get("n1").Status)
}

func TestDeliveryHandler_LoadFailure(t *testing.T) {
	repo := newMemRepository()
	repo.getErr = errors.New("connection refused")
	h := newTestHandler(t, repo, &fakeSender{channel: domain.NotificationChannelTelegram, enabled: true})

	assert.Error(t, h.Handle(context.Background(), payloadFor("n1")))
}

func TestDeliveryHandler_Email(t *testing.T) {
	repo := newMemRepository()
	d := telegramDelivery("n1", nil)
	d.Notification.Channel = domain.NotificationChannelEmail
	d.Notification.Type = domain.NotificationTypeLessonReminder
	repo.add(d)

	sender := &fakeSender{channel: domain.NotificationChannelEmail, enabled: true}
	h := newTestHandler(t, repo, sender)
	assert.Equal(t, TopicEmail, h.Topic())

	require.NoError(t, h.Handle(context.Background(), payloadFor("n1")))

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "tutor@example.com", sender.sent[0].To)
	assert.Equal(t, "[TutorDesk] Lesson reminder: Anna & Co", sender.sent[0].Subject)
	assert.Contains(t, sender.sent[0].Body, "upcoming lesson with Anna & Co")
	assert.Equal(t, domain.NotificationStatusSent, repo.get("n1").Status)
}

func TestDeliveryHandler_Register(t *testing.T) {
	registry := outbox.NewRegistry()
	h := newTestHandler(t, newMemRepository(), &fakeSender{channel: domain.NotificationChannelTelegram})
	h.Register(registry)

	_, ok := registry.Get(TopicTelegram)
	assert.True(t, ok)
}
