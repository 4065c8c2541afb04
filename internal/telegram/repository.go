package telegram

import (
	"context"
	"time"

	"github.com/bissquit/tutordesk/internal/domain"
)

// LinkToken is a one-shot token that binds a chat to a user account via
// /start <token>.
type LinkToken struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// Repository defines the data access the bot needs.
type Repository interface {
	GetLinkToken(ctx context.Context, token string) (*LinkToken, error)
	// ConsumeLinkToken marks the token used and binds the chat to its user in
	// one transaction.
	ConsumeLinkToken(ctx context.Context, token, chatID string, telegramUserID *string, usedAt time.Time) error
	FindUserByChatID(ctx context.Context, chatID string) (*domain.User, error)
	// UnbindChat removes the chat from every user bound to it.
	UnbindChat(ctx context.Context, chatID string) error
}
