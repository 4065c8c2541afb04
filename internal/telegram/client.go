// Package telegram integrates the Telegram Bot API: message delivery, bot
// commands, and the webhook that feeds incoming updates into the outbox.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bissquit/tutordesk/internal/domain"
	"github.com/bissquit/tutordesk/internal/notifications"
	"golang.org/x/time/rate"
)

const (
	defaultAPIURL    = "https://api.telegram.org/bot%s/sendMessage"
	sendMessagePath  = "/bot%s/sendMessage"
	defaultRateLimit = 25.0
	defaultTimeout   = 10 * time.Second
	parseModeHTML    = "HTML"
)

// Config holds telegram configuration.
type Config struct {
	Enabled       bool
	BotToken      string
	BotUsername   string
	WebhookSecret string
	RateLimit     float64
	// APIURL points the sender at a self-hosted Bot API server.
	// Empty means https://api.telegram.org.
	APIURL string
}

// Sender delivers messages through the Bot API sendMessage method.
type Sender struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	apiURL     string
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

// NewSender creates a new telegram sender.
// Returns error if enabled but required config is missing.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled && config.BotToken == "" {
		return nil, errors.New("telegram sender: bot token is required when enabled")
	}

	rateLimit := config.RateLimit
	if rateLimit <= 0 {
		rateLimit = defaultRateLimit
	}

	slog.Info("telegram sender configured",
		"enabled", config.Enabled,
		"rate_limit", rateLimit,
	)

	apiURL := defaultAPIURL
	if config.APIURL != "" {
		apiURL = strings.TrimRight(config.APIURL, "/") + sendMessagePath
	}

	return &Sender{
		config:     config,
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(rateLimit), 1),
		apiURL:     apiURL,
	}, nil
}

// Channel returns the delivery channel.
func (s *Sender) Channel() domain.NotificationChannel {
	return domain.NotificationChannelTelegram
}

// Enabled reports whether the sender has a bot token to send with.
func (s *Sender) Enabled() bool {
	return s.config.Enabled && s.config.BotToken != ""
}

// Send posts msg.Body to chat msg.To. Subject is ignored.
func (s *Sender) Send(ctx context.Context, msg notifications.Message) error {
	if !s.Enabled() {
		return notifications.ErrChannelDisabled
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(sendMessageRequest{
		ChatID:                msg.To,
		Text:                  msg.Body,
		ParseMode:             parseModeHTML,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf(s.apiURL, s.config.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		// The URL carries the bot token; keep it out of logs and lastError.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return &RetryableError{Code: 0, Message: fmt.Sprintf("send request: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &RetryableError{Code: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err)}
	}

	var tgResp telegramResponse
	if err := json.Unmarshal(raw, &tgResp); err != nil {
		tgResp = telegramResponse{ErrorCode: resp.StatusCode, Description: http.StatusText(resp.StatusCode)}
	}

	if resp.StatusCode == http.StatusOK && tgResp.OK {
		slog.Debug("telegram message sent", "chat_id", msg.To)
		return nil
	}

	return classifyError(resp.StatusCode, tgResp)
}

func classifyError(status int, resp telegramResponse) error {
	code := resp.ErrorCode
	if code == 0 {
		code = status
	}

	switch {
	case code == http.StatusTooManyRequests:
		retryAfter := time.Second
		if resp.Parameters != nil && resp.Parameters.RetryAfter > 0 {
			retryAfter = time.Duration(resp.Parameters.RetryAfter) * time.Second
		}
		return &RateLimitError{RetryAfter: retryAfter, Message: resp.Description}
	case code == http.StatusUnauthorized:
		return &PermanentError{Code: code, Message: "invalid bot token"}
	case code == http.StatusBadRequest, code == http.StatusForbidden, code == http.StatusNotFound:
		return &PermanentError{Code: code, Message: resp.Description}
	default:
		return &RetryableError{Code: code, Message: resp.Description}
	}
}
