// Package outbox provides the durable work queue: enqueueing with
// deduplication, topic handler registry, and the dispatch worker.
package outbox

import (
	"context"
	"time"
)

// Repository is the storage contract for queue items. Implementations own the
// item lifecycle; callers only mutate items through these operations.
type Repository interface {
	// Insert stores a new pending item. Returns ErrDuplicateDedupeKey if an
	// item with the same dedupe key already exists.
	Insert(ctx context.Context, item *Item) error
	GetByID(ctx context.Context, id string) (*Item, error)
	GetByDedupeKey(ctx context.Context, key string) (*Item, error)

	// ClaimBatch atomically moves up to limit pending items with
	// available_at <= now to processing, oldest available first, and returns
	// them. Two concurrent callers never receive the same item.
	ClaimBatch(ctx context.Context, workerID string, limit int, now time.Time) ([]*Item, error)

	// MarkProcessed, MarkFailed and MarkForRetry only apply to an item still
	// in processing and locked by workerID. Otherwise they return
	// ErrLockLost and leave the item untouched.
	MarkProcessed(ctx context.Context, id, workerID string, processedAt time.Time) error
	MarkFailed(ctx context.Context, id, workerID string, attempts int, lastError string) error
	MarkForRetry(ctx context.Context, id, workerID string, attempts int, lastError string, availableAt time.Time) error

	// RecoverStuckProcessing returns items locked before lockedBefore to
	// pending, counting the lost run as an attempt.
	RecoverStuckProcessing(ctx context.Context, lockedBefore time.Time) (int64, error)
	// DeleteProcessedBefore removes processed items, freeing their dedupe keys.
	DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)

	ListFailed(ctx context.Context, limit int) ([]*Item, error)
	// RetryFailed moves a failed item back to pending with attempts reset.
	// Returns ErrItemNotFailed if the item is in another state.
	RetryFailed(ctx context.Context, id string, availableAt time.Time) error
	GetStats(ctx context.Context) (*Stats, error)
}
