package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bissquit/tutordesk/internal/notifications"
	"github.com/bissquit/tutordesk/internal/pkg/ctxlog"
)

// Bot replies.
const (
	replyConnectInstructions = "To connect TutorDesk, open TutorDesk → Telegram bot → \"Activate\", press the button and come back here."
	replyLinkInvalid         = "This connection link is invalid or outdated. Create a new one in TutorDesk."
	replyLinkUsed            = "This link has already been used. To reconnect, create a new one in TutorDesk."
	replyLinkExpired         = "This connection link has expired. Create a new one in TutorDesk."
	replyLinked              = "You are connected to TutorDesk. You will now receive notifications about lessons, payments and homework."
	replyHelp                = "Commands: /start (connect), /status (status), /stop (disconnect)."
	replyNotLinked           = "No account is connected."
	replyStatusFormat        = "Connected to account: %s"
	replyUnlinked            = "Done. The account is disconnected. To connect again: TutorDesk → Telegram bot → \"Activate\"."
)

// MessageSender sends a chat message.
type MessageSender interface {
	Send(ctx context.Context, msg notifications.Message) error
}

// Bot processes updates: account linking and a few chat commands.
type Bot struct {
	repo   Repository
	sender MessageSender
	now    func() time.Time
}

// NewBot creates a new bot.
func NewBot(repo Repository, sender MessageSender) *Bot {
	return &Bot{
		repo:   repo,
		sender: sender,
		now:    time.Now,
	}
}

// HandleUpdate processes one update. Only private chats are served; updates
// without a message are ignored. Storage errors are returned so the update is
// retried. Reply delivery failures are logged only.
func (b *Bot) HandleUpdate(ctx context.Context, update *Update) error {
	if update == nil || update.Message == nil {
		return nil
	}

	msg := update.Message
	if msg.Chat.Type != ChatTypePrivate {
		return nil
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	var telegramUserID *string
	if msg.From != nil && msg.From.ID != 0 {
		id := strconv.FormatInt(msg.From.ID, 10)
		telegramUserID = &id
	}

	ctx = ctxlog.With(ctx, "chat_id", chatID, "update_id", update.UpdateID)

	switch command, arg := parseCommand(msg.Text); command {
	case "/start":
		return b.handleStart(ctx, chatID, telegramUserID, arg)
	case "/help":
		b.reply(ctx, chatID, replyHelp)
	case "/status":
		return b.handleStatus(ctx, chatID)
	case "/stop":
		return b.handleStop(ctx, chatID)
	}
	return nil
}

func (b *Bot) handleStart(ctx context.Context, chatID string, telegramUserID *string, token string) error {
	if token == "" {
		b.reply(ctx, chatID, replyConnectInstructions)
		return nil
	}

	link, err := b.repo.GetLinkToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrLinkTokenNotFound) {
			b.reply(ctx, chatID, replyLinkInvalid)
			return nil
		}
		return fmt.Errorf("get link token: %w", err)
	}

	now := b.now()
	switch {
	case link.UsedAt != nil:
		b.reply(ctx, chatID, replyLinkUsed)
		return nil
	case link.ExpiresAt.Before(now):
		b.reply(ctx, chatID, replyLinkExpired)
		return nil
	}

	if err := b.repo.ConsumeLinkToken(ctx, token, chatID, telegramUserID, now); err != nil {
		switch {
		case errors.Is(err, ErrLinkTokenNotFound):
			b.reply(ctx, chatID, replyLinkUsed)
			return nil
		case errors.Is(err, ErrUserNotFound):
			ctxlog.FromContext(ctx).Warn("link token owner no longer exists", "user_id", link.UserID)
			b.reply(ctx, chatID, replyLinkInvalid)
			return nil
		}
		return fmt.Errorf("consume link token: %w", err)
	}

	ctxlog.FromContext(ctx).Info("telegram chat linked", "user_id", link.UserID)
	b.reply(ctx, chatID, replyLinked)
	return nil
}

func (b *Bot) handleStatus(ctx context.Context, chatID string) error {
	user, err := b.repo.FindUserByChatID(ctx, chatID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			b.reply(ctx, chatID, replyNotLinked)
			return nil
		}
		return fmt.Errorf("find user by chat: %w", err)
	}

	b.reply(ctx, chatID, fmt.Sprintf(replyStatusFormat, user.Email))
	return nil
}

func (b *Bot) handleStop(ctx context.Context, chatID string) error {
	if err := b.repo.UnbindChat(ctx, chatID); err != nil {
		return fmt.Errorf("unbind chat: %w", err)
	}

	ctxlog.FromContext(ctx).Info("telegram chat unlinked")
	b.reply(ctx, chatID, replyUnlinked)
	return nil
}

func (b *Bot) reply(ctx context.Context, chatID, text string) {
	if err := b.sender.Send(ctx, notifications.Message{To: chatID, Body: text}); err != nil {
		ctxlog.FromContext(ctx).Warn("failed to send bot reply", "error", err)
	}
}

// parseCommand splits "/cmd@bot arg" into "/cmd" and "arg".
func parseCommand(text string) (command, arg string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}

	command, arg, _ = strings.Cut(text, " ")
	command, _, _ = strings.Cut(command, "@")
	return strings.ToLower(command), strings.TrimSpace(arg)
}
