package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/bissquit/tutordesk/internal/outbox"
	"github.com/bissquit/tutordesk/internal/pkg/ctxlog"
	"github.com/bissquit/tutordesk/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
)

const (
	// TopicUpdate is the outbox topic of incoming bot updates.
	TopicUpdate = "telegram.update"

	// SecretTokenHeader carries the secret set with setWebhook.
	SecretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"
)

const (
	updateMaxAttempts   = 30
	maxWebhookBodyBytes = 1 << 20
)

// Enqueuer is the producer side of the outbox.
type Enqueuer interface {
	Enqueue(ctx context.Context, topic string, payload any, opts outbox.EnqueueOptions) (*outbox.Item, error)
}

// UpdatePayload is the outbox payload of TopicUpdate.
type UpdatePayload struct {
	Update json.RawMessage `json:"update"`
}

// WebhookHandler accepts updates pushed by Telegram and queues them.
type WebhookHandler struct {
	secret string
	outbox Enqueuer
}

// NewWebhookHandler creates a new webhook handler. An empty secret rejects
// every request.
func NewWebhookHandler(secret string, enqueuer Enqueuer) *WebhookHandler {
	return &WebhookHandler{
		secret: secret,
		outbox: enqueuer,
	}
}

// RegisterRoutes registers public telegram routes.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/telegram/webhook", h.ServeWebhook)
}

// ServeWebhook handles POST /telegram/webhook.
func (h *WebhookHandler) ServeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.secret == "" {
		httputil.Error(w, http.StatusForbidden, "telegram webhook secret token is required")
		return
	}
	got := r.Header.Get(SecretTokenHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
		httputil.Error(w, http.StatusForbidden, "invalid telegram webhook secret token")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var head struct {
		UpdateID *int64 `json:"update_id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	opts := outbox.EnqueueOptions{MaxAttempts: updateMaxAttempts}
	if head.UpdateID != nil {
		opts.DedupeKey = "telegram:update:" + strconv.FormatInt(*head.UpdateID, 10)
	}

	item, err := h.outbox.Enqueue(r.Context(), TopicUpdate, UpdatePayload{Update: raw}, opts)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, nil)
		return
	}

	ctxlog.FromContext(r.Context()).Debug("telegram update queued",
		"item_id", item.ID,
		"dedupe_key", opts.DedupeKey,
	)
	httputil.JSON(w, http.StatusOK, map[string]bool{"ok": true})
}
