package telegram

import (
	"errors"
	"fmt"
	"time"
)

// Link errors.
var (
	ErrLinkTokenNotFound = errors.New("telegram link token not found")
	ErrUserNotFound      = errors.New("user not found")
)

// RateLimitError is returned when the Bot API answers 429.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("telegram rate limited, retry after %s: %s", e.RetryAfter, e.Message)
}

// IsRetryable reports whether the request may succeed later.
func (e *RateLimitError) IsRetryable() bool { return true }

// RetryAfterHint tells the outbox worker not to retry before RetryAfter.
func (e *RateLimitError) RetryAfterHint() time.Duration { return e.RetryAfter }

// PermanentError is returned for requests the Bot API will never accept:
// bad request, invalid token, blocked bot, unknown chat.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("telegram error %d: %s", e.Code, e.Message)
}

// IsRetryable reports whether the request may succeed later.
func (e *PermanentError) IsRetryable() bool { return false }

// RetryableError is returned for server-side and transport failures.
type RetryableError struct {
	Code    int
	Message string
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("telegram error %d: %s", e.Code, e.Message)
}

// IsRetryable reports whether the request may succeed later.
func (e *RetryableError) IsRetryable() bool { return true }

type retryable interface {
	IsRetryable() bool
}

// IsRetryable reports whether err is a telegram error worth retrying.
func IsRetryable(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return false
}

// GetRetryAfter returns the retry-after of a rate limit error, or 0.
func GetRetryAfter(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}
