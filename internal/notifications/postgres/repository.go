// Package postgres provides PostgreSQL implementation of notifications repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/tutordesk/internal/domain"
	"github.com/bissquit/tutordesk/internal/notifications"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements notifications.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Create inserts a notification. Status defaults to pending.
func (r *Repository) Create(ctx context.Context, n *domain.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Status == "" {
		n.Status = domain.NotificationStatusPending
	}

	query := `
		INSERT INTO notifications (id, user_id, student_id, type, channel, status, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		n.ID,
		n.UserID,
		n.StudentID,
		n.Type,
		n.Channel,
		n.Status,
		n.ScheduledAt,
	).Scan(&n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListDue returns IDs of due pending notifications on channel, oldest first.
func (r *Repository) ListDue(ctx context.Context, channel domain.NotificationChannel, now time.Time, limit int) ([]string, error) {
	query := `
		SELECT id
		FROM notifications
		WHERE status = $1 AND channel = $2 AND scheduled_at <= $3
		ORDER BY scheduled_at ASC
		LIMIT $4
	`
	rows, err := r.db.Query(ctx, query, domain.NotificationStatusPending, channel, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due notifications: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan notification id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return ids, nil
}

// GetDelivery loads a notification with its recipient and student.
func (r *Repository) GetDelivery(ctx context.Context, id string) (*notifications.Delivery, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, notifications.ErrNotificationNotFound
	}

	query := `
		SELECT n.id, n.user_id, n.student_id, n.type, n.channel, n.status, n.scheduled_at, n.sent_at,
			n.created_at, n.updated_at,
			u.email, u.telegram_chat_id, s.name
		FROM notifications n
		JOIN users u ON u.id = n.user_id
		LEFT JOIN students s ON s.id = n.student_id
		WHERE n.id = $1
	`
	var d notifications.Delivery
	n := &d.Notification
	err := r.db.QueryRow(ctx, query, id).Scan(
		&n.ID,
		&n.UserID,
		&n.StudentID,
		&n.Type,
		&n.Channel,
		&n.Status,
		&n.ScheduledAt,
		&n.SentAt,
		&n.CreatedAt,
		&n.UpdatedAt,
		&d.Email,
		&d.TelegramChatID,
		&d.StudentName,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notifications.ErrNotificationNotFound
		}
		return nil, fmt.Errorf("get notification delivery: %w", err)
	}
	return &d, nil
}

// MarkSent marks a pending notification as sent.
func (r *Repository) MarkSent(ctx context.Context, id string, sentAt time.Time) (bool, error) {
	query := `
		UPDATE notifications
		SET status = $2, sent_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`
	result, err := r.db.Exec(ctx, query, id, domain.NotificationStatusSent, sentAt, domain.NotificationStatusPending)
	if err != nil {
		return false, fmt.Errorf("mark notification sent: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// MarkFailed marks a pending notification as failed.
func (r *Repository) MarkFailed(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE notifications
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`
	result, err := r.db.Exec(ctx, query, id, domain.NotificationStatusFailed, domain.NotificationStatusPending)
	if err != nil {
		return false, fmt.Errorf("mark notification failed: %w", err)
	}
	return result.RowsAffected() > 0, nil
}
