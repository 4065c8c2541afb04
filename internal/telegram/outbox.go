package telegram

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bissquit/tutordesk/internal/outbox"
	"github.com/bissquit/tutordesk/internal/pkg/ctxlog"
)

// UpdateHandler consumes TopicUpdate items and hands them to the bot.
type UpdateHandler struct {
	bot *Bot
}

// NewUpdateHandler creates a new update handler.
func NewUpdateHandler(bot *Bot) *UpdateHandler {
	return &UpdateHandler{bot: bot}
}

// Register binds the handler to TopicUpdate.
func (h *UpdateHandler) Register(registry *outbox.Registry) {
	registry.Register(TopicUpdate, h.Handle)
}

// Handle decodes the queued update and processes it. Items without an
// update are skipped.
func (h *UpdateHandler) Handle(ctx context.Context, payload json.RawMessage) error {
	var p UpdatePayload
	if err := json.Unmarshal(payload, &p); err != nil || len(p.Update) == 0 || string(p.Update) == "null" {
		ctxlog.FromContext(ctx).Warn("telegram update payload without update, skipping")
		return nil
	}

	var update Update
	if err := json.Unmarshal(p.Update, &update); err != nil {
		ctxlog.FromContext(ctx).Warn("malformed telegram update, skipping", "error", err)
		return nil
	}

	if err := h.bot.HandleUpdate(ctx, &update); err != nil {
		return fmt.Errorf("handle telegram update %d: %w", update.UpdateID, err)
	}
	return nil
}
