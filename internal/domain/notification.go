package domain

import "time"

// NotificationType describes what a notification is about.
type NotificationType string

// Notification types.
const (
	NotificationTypePaymentReminder  NotificationType = "payment_reminder"
	NotificationTypeLessonReminder   NotificationType = "lesson_reminder"
	NotificationTypeHomeworkAssigned NotificationType = "homework_assigned"
	NotificationTypeGeneric          NotificationType = "generic"
)

// NotificationChannel is the medium a notification is delivered through.
type NotificationChannel string

// Notification channels.
const (
	NotificationChannelTelegram NotificationChannel = "telegram"
	NotificationChannelEmail    NotificationChannel = "email"
)

// IsValid checks if the channel is known.
func (c NotificationChannel) IsValid() bool {
	switch c {
	case NotificationChannelTelegram, NotificationChannelEmail:
		return true
	}
	return false
}

// NotificationStatus is the delivery state of a notification.
type NotificationStatus string

// Notification statuses.
const (
	NotificationStatusPending NotificationStatus = "pending"
	NotificationStatusSent    NotificationStatus = "sent"
	NotificationStatusFailed  NotificationStatus = "failed"
)

// Notification is a message to a tutor scheduled for delivery at ScheduledAt.
type Notification struct {
	ID          string              `json:"id"`
	UserID      string              `json:"user_id"`
	StudentID   *string             `json:"student_id,omitempty"`
	Type        NotificationType    `json:"type"`
	Channel     NotificationChannel `json:"channel"`
	Status      NotificationStatus  `json:"status"`
	ScheduledAt time.Time           `json:"scheduled_at"`
	SentAt      *time.Time          `json:"sent_at,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}
