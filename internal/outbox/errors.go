package outbox

import (
	"errors"
	"time"
)

// Repository errors.
var (
	ErrItemNotFound       = errors.New("outbox item not found")
	ErrDuplicateDedupeKey = errors.New("outbox item with this dedupe key already exists")
	ErrItemNotFailed      = errors.New("outbox item is not in failed state")
	ErrLockLost           = errors.New("outbox item is no longer claimed by this worker")
)

// Enqueue errors.
var (
	ErrEmptyTopic = errors.New("topic is required")
)

// retryAfterHinter is implemented by handler errors that know when the
// downstream will accept another attempt (e.g. HTTP 429 with Retry-After).
type retryAfterHinter interface {
	RetryAfterHint() time.Duration
}

// RetryAfter extracts a retry hint from err's chain. Returns 0 if none.
func RetryAfter(err error) time.Duration {
	var h retryAfterHinter
	if errors.As(err, &h) {
		return h.RetryAfterHint()
	}
	return 0
}
