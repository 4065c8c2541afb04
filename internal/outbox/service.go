package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Service is the producer-facing side of the queue.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a new outbox service.
func NewService(repo Repository) *Service {
	return &Service{
		repo: repo,
		now:  time.Now,
	}
}

// Enqueue stores a pending item for topic. Delivery happens asynchronously.
//
// When opts.DedupeKey is set and an item with that key already exists, the
// existing item is returned instead of an error, so concurrent producers of
// the same logical event end up with a single item.
func (s *Service) Enqueue(ctx context.Context, topic string, payload any, opts EnqueueOptions) (*Item, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	now := s.now()
	item := &Item{
		ID:          uuid.NewString(),
		Topic:       topic,
		Payload:     raw,
		Status:      StatusPending,
		AvailableAt: opts.AvailableAt,
		MaxAttempts: opts.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if item.AvailableAt.IsZero() {
		item.AvailableAt = now
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = DefaultMaxAttempts
	}
	if opts.DedupeKey != "" {
		key := opts.DedupeKey
		item.DedupeKey = &key
	}

	err = s.repo.Insert(ctx, item)
	if err == nil {
		recordEnqueued(topic, "created")
		return item, nil
	}

	if opts.DedupeKey == "" || !errors.Is(err, ErrDuplicateDedupeKey) {
		return nil, fmt.Errorf("insert item: %w", err)
	}

	existing, getErr := s.repo.GetByDedupeKey(ctx, opts.DedupeKey)
	if getErr != nil {
		// The conflicting row vanished between insert and lookup (retention
		// cleanup); surface the original conflict.
		return nil, fmt.Errorf("insert item: %w (lookup existing: %v)", err, getErr)
	}

	slog.Debug("outbox enqueue deduplicated",
		"topic", topic,
		"dedupe_key", opts.DedupeKey,
		"item_id", existing.ID,
	)
	recordEnqueued(topic, "deduplicated")
	return existing, nil
}

// Get returns an item by ID.
func (s *Service) Get(ctx context.Context, id string) (*Item, error) {
	return s.repo.GetByID(ctx, id)
}

// ListFailed returns the most recently failed items.
func (s *Service) ListFailed(ctx context.Context, limit int) ([]*Item, error) {
	return s.repo.ListFailed(ctx, limit)
}

// Retry makes a failed item eligible again with a fresh attempt budget.
func (s *Service) Retry(ctx context.Context, id string) error {
	return s.repo.RetryFailed(ctx, id, s.now())
}

// Stats returns item counts per status.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	return s.repo.GetStats(ctx)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("{}"), nil
		}
		if !json.Valid(p) {
			return nil, errors.New("invalid JSON payload")
		}
		return p, nil
	default:
		return json.Marshal(payload)
	}
}
