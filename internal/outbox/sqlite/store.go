// Package sqlite provides an embedded SQLite implementation of the outbox
// repository for single-process deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bissquit/tutordesk/internal/outbox"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Schema creates the outbox table. Timestamps are unix nanoseconds so that
// comparisons and ordering are numeric.
const Schema = `
CREATE TABLE IF NOT EXISTS outbox_items (
    id           TEXT    PRIMARY KEY,
    topic        TEXT    NOT NULL,
    payload      TEXT    NOT NULL,
    dedupe_key   TEXT    NULL UNIQUE,
    status       TEXT    NOT NULL,
    available_at INTEGER NOT NULL,
    attempts     INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL,
    locked_at    INTEGER NULL,
    locked_by    TEXT    NULL,
    last_error   TEXT    NULL,
    processed_at INTEGER NULL,
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_items_pending ON outbox_items (status, available_at);
`

const itemColumns = `id, topic, payload, dedupe_key, status, available_at, attempts, max_attempts,
	locked_at, locked_by, last_error, processed_at, created_at, updated_at`

// Store implements outbox.Repository on SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at dsn and applies the schema.
// SQLite serializes writers, so the pool is limited to one connection.
func Open(ctx context.Context, dsn string) (*Store, *sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, Schema); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("apply schema: %w", err)
	}

	return NewStore(db), db, nil
}

// NewStore wraps an existing database that already has the schema.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Insert stores a new pending item.
func (s *Store) Insert(ctx context.Context, item *outbox.Item) error {
	now := s.now()
	query := `
		INSERT INTO outbox_items (id, topic, payload, dedupe_key, status, available_at, attempts, max_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		item.ID,
		item.Topic,
		string(item.Payload),
		item.DedupeKey,
		string(outbox.StatusPending),
		toNanos(item.AvailableAt),
		item.MaxAttempts,
		toNanos(now),
		toNanos(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return outbox.ErrDuplicateDedupeKey
		}
		return fmt.Errorf("insert outbox item: %w", err)
	}

	item.Status = outbox.StatusPending
	item.Attempts = 0
	item.CreatedAt = now
	item.UpdatedAt = now
	return nil
}

// GetByID retrieves an item by ID.
func (s *Store) GetByID(ctx context.Context, id string) (*outbox.Item, error) {
	return s.getOne(ctx, `SELECT `+itemColumns+` FROM outbox_items WHERE id = ?`, id)
}

// GetByDedupeKey retrieves an item by its dedupe key.
func (s *Store) GetByDedupeKey(ctx context.Context, key string) (*outbox.Item, error) {
	return s.getOne(ctx, `SELECT `+itemColumns+` FROM outbox_items WHERE dedupe_key = ?`, key)
}

// ClaimBatch flips up to limit due pending items to processing. The
// subselect and the update run as one statement, which SQLite executes under
// its single writer lock, so two claimers never receive the same row.
func (s *Store) ClaimBatch(ctx context.Context, workerID string, limit int, now time.Time) ([]*outbox.Item, error) {
	query := `
		UPDATE outbox_items
		SET status = ?, locked_at = ?, locked_by = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM outbox_items
			WHERE status = ? AND available_at <= ?
			ORDER BY available_at ASC
			LIMIT ?
		) AND status = ?
		RETURNING ` + itemColumns

	ts := toNanos(now)
	rows, err := s.db.QueryContext(ctx, query,
		string(outbox.StatusProcessing), ts, workerID, ts,
		string(outbox.StatusPending), ts,
		limit,
		string(outbox.StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("claim outbox items: %w", err)
	}

	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].AvailableAt.Before(items[j].AvailableAt)
	})
	return items, nil
}

// MarkProcessed marks an item as successfully handled.
func (s *Store) MarkProcessed(ctx context.Context, id, workerID string, processedAt time.Time) error {
	query := `
		UPDATE outbox_items
		SET status = ?, processed_at = ?, locked_at = NULL, locked_by = NULL, updated_at = ?
		WHERE id = ? AND locked_by = ? AND status = ?
	`
	return s.execClaimed(ctx, "mark processed", query,
		string(outbox.StatusProcessed), toNanos(processedAt), toNanos(s.now()),
		id, workerID, string(outbox.StatusProcessing))
}

// MarkFailed moves an item to terminal failure.
func (s *Store) MarkFailed(ctx context.Context, id, workerID string, attempts int, lastError string) error {
	query := `
		UPDATE outbox_items
		SET status = ?, attempts = ?, last_error = ?, locked_at = NULL, locked_by = NULL, updated_at = ?
		WHERE id = ? AND locked_by = ? AND status = ?
	`
	return s.execClaimed(ctx, "mark failed", query,
		string(outbox.StatusFailed), attempts, lastError, toNanos(s.now()),
		id, workerID, string(outbox.StatusProcessing))
}

// MarkForRetry returns an item to pending, available again at availableAt.
func (s *Store) MarkForRetry(ctx context.Context, id, workerID string, attempts int, lastError string, availableAt time.Time) error {
	query := `
		UPDATE outbox_items
		SET status = ?, attempts = ?, last_error = ?, available_at = ?,
			locked_at = NULL, locked_by = NULL, updated_at = ?
		WHERE id = ? AND locked_by = ? AND status = ?
	`
	return s.execClaimed(ctx, "mark for retry", query,
		string(outbox.StatusPending), attempts, lastError, toNanos(availableAt), toNanos(s.now()),
		id, workerID, string(outbox.StatusProcessing))
}

// RecoverStuckProcessing re-queues items whose worker never reported back.
func (s *Store) RecoverStuckProcessing(ctx context.Context, lockedBefore time.Time) (int64, error) {
	now := toNanos(s.now())
	query := `
		UPDATE outbox_items
		SET status = CASE WHEN attempts + 1 >= max_attempts THEN ? ELSE ? END,
			attempts = attempts + 1,
			last_error = 'processing abandoned by worker ' || COALESCE(locked_by, 'unknown'),
			available_at = ?,
			locked_at = NULL, locked_by = NULL, updated_at = ?
		WHERE status = ? AND locked_at < ?
	`
	result, err := s.db.ExecContext(ctx, query,
		string(outbox.StatusFailed), string(outbox.StatusPending),
		now, now,
		string(outbox.StatusProcessing), toNanos(lockedBefore),
	)
	if err != nil {
		return 0, fmt.Errorf("recover stuck outbox items: %w", err)
	}
	return result.RowsAffected()
}

// DeleteProcessedBefore removes processed items older than before.
func (s *Store) DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox_items WHERE status = ? AND processed_at < ?`,
		string(outbox.StatusProcessed), toNanos(before),
	)
	if err != nil {
		return 0, fmt.Errorf("delete processed outbox items: %w", err)
	}
	return result.RowsAffected()
}

// ListFailed returns failed items, most recently updated first.
func (s *Store) ListFailed(ctx context.Context, limit int) ([]*outbox.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM outbox_items WHERE status = ? ORDER BY updated_at DESC LIMIT ?`,
		string(outbox.StatusFailed), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list failed outbox items: %w", err)
	}
	return scanItems(rows)
}

// RetryFailed resets a failed item to pending with a fresh attempt budget.
func (s *Store) RetryFailed(ctx context.Context, id string, availableAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE outbox_items
		SET status = ?, attempts = 0, available_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(outbox.StatusPending), toNanos(availableAt), toNanos(s.now()), id, string(outbox.StatusFailed))
	if err != nil {
		return fmt.Errorf("retry failed outbox item: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("retry failed outbox item: %w", err)
	}
	if n == 0 {
		if _, err := s.GetByID(ctx, id); err != nil {
			return err
		}
		return outbox.ErrItemNotFailed
	}
	return nil
}

// GetStats returns item counts per status.
func (s *Store) GetStats(ctx context.Context) (*outbox.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("get outbox stats: %w", err)
	}
	defer rows.Close()

	stats := &outbox.Stats{}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan outbox stats: %w", err)
		}
		switch outbox.Status(status) {
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
func (s *Store) execClaimed(ctx context.Context, op, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return outbox.ErrLockLost
	}
	return nil
}

func (s *Store) getOne(ctx context.Context, query string, arg any) (*outbox.Item, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("get outbox item: %w", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, outbox.ErrItemNotFound
	}
	return items[0], nil
}

// scanItems reads and closes rows.
func scanItems(rows *sql.Rows) ([]*outbox.Item, error) {
	defer rows.Close()

	items := make([]*outbox.Item, 0)
	for rows.Next() {
		var (
			item                              outbox.Item
			payload, status                   string
			dedupeKey, lockedBy, lastError    sql.NullString
			availableAt, createdAt, updatedAt int64
			lockedAt, processedAt             sql.NullInt64
		)
		err := rows.Scan(
			&item.ID,
			&item.Topic,
			&payload,
			&dedupeKey,
			&status,
			&availableAt,
			&item.Attempts,
			&item.MaxAttempts,
			&lockedAt,
			&lockedBy,
			&lastError,
			&processedAt,
			&createdAt,
			&updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan outbox item: %w", err)
		}

		item.Payload = []byte(payload)
		item.Status = outbox.Status(status)
		item.AvailableAt = fromNanos(availableAt)
		item.CreatedAt = fromNanos(createdAt)
		item.UpdatedAt = fromNanos(updatedAt)
		item.LockedBy = lockedBy.String
		item.LastError = lastError.String
		if dedupeKey.Valid {
			key := dedupeKey.String
			item.DedupeKey = &key
		}
		if lockedAt.Valid {
			t := fromNanos(lockedAt.Int64)
			item.LockedAt = &t
		}
		if processedAt.Valid {
			t := fromNanos(processedAt.Int64)
			item.ProcessedAt = &t
		}
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox items: %w", err)
	}
	return items, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
