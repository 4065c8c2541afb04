// Package postgres provides PostgreSQL implementation of the telegram link store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/tutordesk/internal/domain"
	pgutil "github.com/bissquit/tutordesk/internal/pkg/postgres"
	"github.com/bissquit/tutordesk/internal/telegram"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements telegram.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// CreateLinkToken stores a new link token.
func (r *Repository) CreateLinkToken(ctx context.Context, t *telegram.LinkToken) error {
	query := `
		INSERT INTO telegram_link_tokens (token, user_id, expires_at)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`
	if _, err := uuid.Parse(t.UserID); err != nil {
		return telegram.ErrUserNotFound
	}
	if err := r.db.QueryRow(ctx, query, t.Token, t.UserID, t.ExpiresAt).Scan(&t.CreatedAt); err != nil {
		if pgutil.IsForeignKeyViolation(err) {
			return telegram.ErrUserNotFound
		}
		return fmt.Errorf("insert link token: %w", err)
	}
	return nil
}

// GetLinkToken returns a link token.
func (r *Repository) GetLinkToken(ctx context.Context, token string) (*telegram.LinkToken, error) {
	query := `
		SELECT token, user_id, expires_at, used_at, created_at
		FROM telegram_link_tokens
		WHERE token = $1
	`
	var t telegram.LinkToken
	err := r.db.QueryRow(ctx, query, token).Scan(&t.Token, &t.UserID, &t.ExpiresAt, &t.UsedAt, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, telegram.ErrLinkTokenNotFound
		}
		return nil, fmt.Errorf("get link token: %w", err)
	}
	return &t, nil
}

// ConsumeLinkToken marks the token used and binds the chat to its user.
// A token consumed concurrently by another update is reported as not found.
func (r *Repository) ConsumeLinkToken(ctx context.Context, token, chatID string, telegramUserID *string, usedAt time.Time) error {
	return pgutil.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var userID string
		err := tx.QueryRow(ctx, `
			UPDATE telegram_link_tokens
			SET used_at = $2
			WHERE token = $1 AND used_at IS NULL
			RETURNING user_id
		`, token, usedAt).Scan(&userID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return telegram.ErrLinkTokenNotFound
			}
			return fmt.Errorf("mark link token used: %w", err)
		}

		result, err := tx.Exec(ctx, `
			UPDATE users
			SET telegram_chat_id = $2, telegram_user_id = $3, updated_at = NOW()
			WHERE id = $1
		`, userID, chatID, telegramUserID)
		if err != nil {
			return fmt.Errorf("bind telegram chat: %w", err)
		}
		if result.RowsAffected() == 0 {
			return telegram.ErrUserNotFound
		}
		return nil
	})
}

const userColumns = `id, email, role, telegram_chat_id, telegram_user_id, created_at, updated_at`

// GetUser returns a user by ID.
func (r *Repository) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, telegram.ErrUserNotFound
	}

	u, err := scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, telegram.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// UnbindUser clears the chat bound to userID.
func (r *Repository) UnbindUser(ctx context.Context, userID string) error {
	if _, err := uuid.Parse(userID); err != nil {
		return telegram.ErrUserNotFound
	}

	query := `
		UPDATE users
		SET telegram_chat_id = NULL, telegram_user_id = NULL, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("unbind user telegram: %w", err)
	}
	if result.RowsAffected() == 0 {
		return telegram.ErrUserNotFound
	}
	return nil
}

// FindUserByChatID returns the user bound to chatID.
func (r *Repository) FindUserByChatID(ctx context.Context, chatID string) (*domain.User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE telegram_chat_id = $1
		ORDER BY updated_at DESC
		LIMIT 1
	`
	u, err := scanUser(r.db.QueryRow(ctx, query, chatID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, telegram.ErrUserNotFound
		}
		return nil, fmt.Errorf("find user by chat: %w", err)
	}
	return u, nil
}

// UnbindChat clears the chat from all users bound to it.
func (r *Repository) UnbindChat(ctx context.Context, chatID string) error {
	query := `
		UPDATE users
		SET telegram_chat_id = NULL, telegram_user_id = NULL, updated_at = NOW()
		WHERE telegram_chat_id = $1
	`
	if _, err := r.db.Exec(ctx, query, chatID); err != nil {
		return fmt.Errorf("unbind telegram chat: %w", err)
	}
	return nil
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.Role,
		&u.TelegramChatID,
		&u.TelegramUserID,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
