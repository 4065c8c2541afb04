package outbox

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a queue item.
type Status string

// Item statuses.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether no further processing will happen for the status.
func (s Status) IsTerminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

// Default retry ceilings.
const (
	DefaultMaxAttempts = 8
)

// Item is a durable unit of work addressed to the handler registered for Topic.
type Item struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	DedupeKey   *string         `json:"dedupe_key,omitempty"`
	Status      Status          `json:"status"`
	AvailableAt time.Time       `json:"available_at"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LockedAt    *time.Time      `json:"locked_at,omitempty"`
	LockedBy    string          `json:"locked_by,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// EnqueueOptions tune a single Enqueue call. Zero values mean defaults:
// no deduplication, available immediately, DefaultMaxAttempts.
type EnqueueOptions struct {
	DedupeKey   string
	AvailableAt time.Time
	MaxAttempts int
}

// Stats holds item counts per status.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
}
