// Package postgres provides PostgreSQL implementation of the outbox repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bissquit/tutordesk/internal/outbox"
	"github.com/bissquit/tutordesk/internal/pkg/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const dedupeKeyConstraint = "outbox_items_dedupe_key_key"

const itemColumns = `id, topic, payload, dedupe_key, status, available_at, attempts, max_attempts,
	locked_at, COALESCE(locked_by, ''), COALESCE(last_error, ''), processed_at, created_at, updated_at`

// Repository implements outbox.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Insert stores a new pending item.
func (r *Repository) Insert(ctx context.Context, item *outbox.Item) error {
	query := `
		INSERT INTO outbox_items (id, topic, payload, dedupe_key, status, available_at, attempts, max_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		item.ID,
		item.Topic,
		[]byte(item.Payload),
		item.DedupeKey,
		outbox.StatusPending,
		item.AvailableAt,
		item.MaxAttempts,
	).Scan(&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err, dedupeKeyConstraint) {
			return outbox.ErrDuplicateDedupeKey
		}
		return fmt.Errorf("insert outbox item: %w", err)
	}

	item.Status = outbox.StatusPending
	item.Attempts = 0
	return nil
}

// GetByID retrieves an item by ID.
func (r *Repository) GetByID(ctx context.Context, id string) (*outbox.Item, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, outbox.ErrItemNotFound
	}

	query := `SELECT ` + itemColumns + ` FROM outbox_items WHERE id = $1`
	item, err := scanItem(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, outbox.ErrItemNotFound
		}
		return nil, fmt.Errorf("get outbox item: %w", err)
	}
	return item, nil
}

// GetByDedupeKey retrieves an item by its dedupe key.
func (r *Repository) GetByDedupeKey(ctx context.Context, key string) (*outbox.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM outbox_items WHERE dedupe_key = $1`
	item, err := scanItem(r.db.QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, outbox.ErrItemNotFound
		}
		return nil, fmt.Errorf("get outbox item by dedupe key: %w", err)
	}
	return item, nil
}

// ClaimBatch locks due pending rows, skipping rows locked by concurrent
// claimers, and flips them to processing in the same statement.
func (r *Repository) ClaimBatch(ctx context.Context, workerID string, limit int, now time.Time) ([]*outbox.Item, error) {
	query := `
		WITH due AS (
			SELECT id
			FROM outbox_items
			WHERE status = $1 AND available_at <= $2
			ORDER BY available_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_items o
		SET status = $4, locked_at = $2, locked_by = $5, updated_at = $2
		FROM due
		WHERE o.id = due.id
		RETURNING o.id, o.topic, o.payload, o.dedupe_key, o.status, o.available_at, o.attempts, o.max_attempts,
			o.locked_at, COALESCE(o.locked_by, ''), COALESCE(o.last_error, ''), o.processed_at, o.created_at, o.updated_at
	`
	rows, err := r.db.Query(ctx, query,
		outbox.StatusPending,
		now,
		limit,
		outbox.StatusProcessing,
		workerID,
	)
	if err != nil {
		return nil, fmt.Errorf("claim outbox items: %w", err)
	}
	defer rows.Close()

	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}

	// RETURNING does not preserve the CTE order.
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].AvailableAt.Before(items[j].AvailableAt)
	})
	return items, nil
}

// MarkProcessed marks an item as successfully handled.
func (r *Repository) MarkProcessed(ctx context.Context, id, workerID string, processedAt time.Time) error {
	query := `
		UPDATE outbox_items
		SET status = $3, processed_at = $4, locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE id = $1 AND locked_by = $2 AND status = $5
	`
	return r.execClaimed(ctx, "mark processed", query, id, workerID, outbox.StatusProcessed, processedAt, outbox.StatusProcessing)
}

// MarkFailed moves an item to terminal failure.
func (r *Repository) MarkFailed(ctx context.Context, id, workerID string, attempts int, lastError string) error {
	query := `
		UPDATE outbox_items
		SET status = $3, attempts = $4, last_error = $5, locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE id = $1 AND locked_by = $2 AND status = $6
	`
	return r.execClaimed(ctx, "mark failed", query, id, workerID, outbox.StatusFailed, attempts, lastError, outbox.StatusProcessing)
}

// MarkForRetry returns an item to pending, available again at availableAt.
func (r *Repository) MarkForRetry(ctx context.Context, id, workerID string, attempts int, lastError string, availableAt time.Time) error {
	query := `
		UPDATE outbox_items
		SET status = $3, attempts = $4, last_error = $5, available_at = $6,
			locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE id = $1 AND locked_by = $2 AND status = $7
	`
	return r.execClaimed(ctx, "mark for retry", query,
		id, workerID, outbox.StatusPending, attempts, lastError, availableAt, outbox.StatusProcessing)
}

// RecoverStuckProcessing re-queues items whose worker never reported back.
func (r *Repository) RecoverStuckProcessing(ctx context.Context, lockedBefore time.Time) (int64, error) {
	query := `
		UPDATE outbox_items
		SET status = CASE WHEN attempts + 1 >= max_attempts THEN $2 ELSE $3 END,
			attempts = attempts + 1,
			last_error = 'processing abandoned by worker ' || COALESCE(locked_by, 'unknown'),
			available_at = NOW(),
			locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE status = $1 AND locked_at < $4
	`
	result, err := r.db.Exec(ctx, query,
		outbox.StatusProcessing,
		outbox.StatusFailed,
		outbox.StatusPending,
		lockedBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("recover stuck outbox items: %w", err)
	}
	return result.RowsAffected(), nil
}

// DeleteProcessedBefore removes processed items older than before.
func (r *Repository) DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM outbox_items WHERE status = $1 AND processed_at < $2`
	result, err := r.db.Exec(ctx, query, outbox.StatusProcessed, before)
	if err != nil {
		return 0, fmt.Errorf("delete processed outbox items: %w", err)
	}
	return result.RowsAffected(), nil
}

// ListFailed returns failed items, most recently updated first.
func (r *Repository) ListFailed(ctx context.Context, limit int) ([]*outbox.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM outbox_items WHERE status = $1 ORDER BY updated_at DESC LIMIT $2`
	rows, err := r.db.Query(ctx, query, outbox.StatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed outbox items: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// RetryFailed resets a failed item to pending with a fresh attempt budget.
func (r *Repository) RetryFailed(ctx context.Context, id string, availableAt time.Time) error {
	if _, err := uuid.Parse(id); err != nil {
		return outbox.ErrItemNotFound
	}

	query := `
		UPDATE outbox_items
		SET status = $2, attempts = 0, available_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`
	result, err := r.db.Exec(ctx, query, id, outbox.StatusPending, availableAt, outbox.StatusFailed)
	if err != nil {
		return fmt.Errorf("retry failed outbox item: %w", err)
	}
	if result.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return outbox.ErrItemNotFailed
	}
	return nil
}

// GetStats returns item counts per status.
func (r *Repository) GetStats(ctx context.Context) (*outbox.Stats, error) {
	query := `SELECT status, COUNT(*) FROM outbox_items GROUP BY status`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("get outbox stats: %w", err)
	}
	defer rows.Close()

	stats := &outbox.Stats{}
	for rows.Next() {
		var status outbox.Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan outbox stats: %w", err)
		}
		switch status {
		case outbox.StatusPending:
			stats.Pending = count
		case outbox.StatusProcessing:
			stats.Processing = count
		case outbox.StatusProcessed:
			stats.Processed = count
		case outbox.StatusFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox stats: %w", err)
	}

	return stats, nil
}

// execClaimed runs a status write guarded by the caller's claim.
func (r *Repository) execClaimed(ctx context.Context, op, query string, args ...any) error {
	result, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if result.RowsAffected() == 0 {
		return outbox.ErrLockLost
	}
	return nil
}

func scanItem(row pgx.Row) (*outbox.Item, error) {
	var item outbox.Item
	var payload []byte
	err := row.Scan(
		&item.ID,
		&item.Topic,
		&payload,
		&item.DedupeKey,
		&item.Status,
		&item.AvailableAt,
		&item.Attempts,
		&item.MaxAttempts,
		&item.LockedAt,
		&item.LockedBy,
		&item.LastError,
		&item.ProcessedAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	item.Payload = payload
	return &item, nil
}

func scanItems(rows pgx.Rows) ([]*outbox.Item, error) {
	items := make([]*outbox.Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox items: %w", err)
	}
	return items, nil
}
