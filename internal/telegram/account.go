package telegram

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bissquit/tutordesk/internal/domain"
	"github.com/bissquit/tutordesk/internal/pkg/ctxlog"
	"github.com/bissquit/tutordesk/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
)

const (
	defaultLinkTokenTTL = 30 * time.Minute
	errorCodeDisabled   = "TELEGRAM_DISABLED"
)

// AccountRepository defines the data access of the account endpoints.
type AccountRepository interface {
	// CreateLinkToken stores t. Returns ErrUserNotFound if its user does not
	// exist.
	CreateLinkToken(ctx context.Context, t *LinkToken) error
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	// UnbindUser clears the chat bound to userID.
	UnbindUser(ctx context.Context, userID string) error
}

// AccountConfig contains account linking settings.
type AccountConfig struct {
	Enabled     bool
	BotUsername string
	TokenTTL    time.Duration
}

// AccountHandler serves the signed-in user's Telegram connection: issuing
// /start link tokens, connection status and disconnecting.
type AccountHandler struct {
	config AccountConfig
	repo   AccountRepository
	now    func() time.Time
}

// NewAccountHandler creates a new account handler.
func NewAccountHandler(config AccountConfig, repo AccountRepository) *AccountHandler {
	if config.TokenTTL <= 0 {
		config.TokenTTL = defaultLinkTokenTTL
	}
	config.BotUsername = strings.TrimPrefix(strings.TrimSpace(config.BotUsername), "@")

	return &AccountHandler{
		config: config,
		repo:   repo,
		now:    time.Now,
	}
}

// RegisterRoutes registers account routes. They expect the caller in the
// request context (see httputil.AuthMiddleware).
func (h *AccountHandler) RegisterRoutes(r chi.Router) {
	r.Post("/telegram/link-token", h.CreateLinkToken)
	r.Get("/telegram/status", h.GetStatus)
	r.Post("/telegram/disconnect", h.Disconnect)
}

type linkTokenResponse struct {
	OK        bool      `json:"ok"`
	URL       *string   `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type statusResponse struct {
	Enabled        bool    `json:"enabled"`
	Connected      bool    `json:"connected"`
	TelegramChatID *string `json:"telegramChatId"`
}

var accountErrors = []httputil.ErrorMapping{
	{Error: ErrUserNotFound, Status: http.StatusNotFound, Message: "user not found"},
}

// CreateLinkToken handles POST /telegram/link-token. The returned url is
// null when no bot username is configured.
func (h *AccountHandler) CreateLinkToken(w http.ResponseWriter, r *http.Request) {
	p, ok := httputil.PrincipalFrom(r.Context())
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if !h.config.Enabled {
		httputil.JSON(w, http.StatusOK, map[string]any{"ok": false, "error": errorCodeDisabled})
		return
	}

	link := &LinkToken{
		Token:     rand.Text(),
		UserID:    p.UserID,
		ExpiresAt: h.now().Add(h.config.TokenTTL).UTC(),
	}
	if err := h.repo.CreateLinkToken(r.Context(), link); err != nil {
		httputil.HandleError(r.Context(), w, err, accountErrors)
		return
	}

	ctxlog.FromContext(r.Context()).Info("telegram link token issued", "user_id", p.UserID)
	httputil.JSON(w, http.StatusOK, linkTokenResponse{
		OK:        true,
		URL:       h.startURL(link.Token),
		ExpiresAt: link.ExpiresAt,
	})
}

// GetStatus handles GET /telegram/status.
func (h *AccountHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := httputil.PrincipalFrom(r.Context())
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.repo.GetUser(r.Context(), p.UserID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, accountErrors)
		return
	}

	httputil.JSON(w, http.StatusOK, statusResponse{
		Enabled:        h.config.Enabled,
		Connected:      user.TelegramChatID != nil,
		TelegramChatID: user.TelegramChatID,
	})
}

// Disconnect handles POST /telegram/disconnect.
func (h *AccountHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	p, ok := httputil.PrincipalFrom(r.Context())
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := h.repo.UnbindUser(r.Context(), p.UserID); err != nil {
		httputil.HandleError(r.Context(), w, err, accountErrors)
		return
	}

	ctxlog.FromContext(r.Context()).Info("telegram chat disconnected", "user_id", p.UserID)
	httputil.JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *AccountHandler) startURL(token string) *string {
	if h.config.BotUsername == "" {
		return nil
	}
	u := fmt.Sprintf("https://t.me/%s?start=%s", h.config.BotUsername, token)
	return &u
}
