package outbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memRepository is an in-memory Repository used by package tests.
type memRepository struct {
	mu    sync.Mutex
	items map[string]*Item

	claimErr error
}

func newMemRepository() *memRepository {
	return &memRepository{items: make(map[string]*Item)}
}

func (m *memRepository) Insert(_ context.Context, item *Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item.DedupeKey != nil {
		for _, existing := range m.items {
			if existing.DedupeKey != nil && *existing.DedupeKey == *item.DedupeKey {
				return ErrDuplicateDedupeKey
			}
		}
	}
	item.Status = StatusPending
	item.Attempts = 0
	cp := *item
	m.items[item.ID] = &cp
	return nil
}

func (m *memRepository) GetByID(_ context.Context, id string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	cp := *item
	return &cp, nil
}

func (m *memRepository) GetByDedupeKey(_ context.Context, key string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, item := range m.items {
		if item.DedupeKey != nil && *item.DedupeKey == key {
			cp := *item
			return &cp, nil
		}
	}
	return nil, ErrItemNotFound
}

func (m *memRepository) ClaimBatch(_ context.Context, workerID string, limit int, now time.Time) ([]*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.claimErr != nil {
		return nil, m.claimErr
	}

	due := make([]*Item, 0)
	for _, item := range m.items {
		if item.Status == StatusPending && !item.AvailableAt.After(now) {
			due = append(due, item)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].AvailableAt.Before(due[j].AvailableAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*Item, 0, len(due))
	for _, item := range due {
		lockedAt := now
		item.Status = StatusProcessing
		item.LockedAt = &lockedAt
		item.LockedBy = workerID
		cp := *item
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (m *memRepository) updateClaimed(id, workerID string, fn func(item *Item)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok || item.Status != StatusProcessing || item.LockedBy != workerID {
		return ErrLockLost
	}
	fn(item)
	return nil
}

func (m *memRepository) MarkProcessed(_ context.Context, id, workerID string, processedAt time.Time) error {
	return m.updateClaimed(id, workerID, func(item *Item) {
		item.Status = StatusProcessed
		item.ProcessedAt = &processedAt
		item.LockedAt = nil
		item.LockedBy = ""
	})
}

func (m *memRepository) MarkFailed(_ context.Context, id, workerID string, attempts int, lastError string) error {
	return m.updateClaimed(id, workerID, func(item *Item) {
		item.Status = StatusFailed
		item.Attempts = attempts
		item.LastError = lastError
		item.LockedAt = nil
		item.LockedBy = ""
	})
}

func (m *memRepository) MarkForRetry(_ context.Context, id, workerID string, attempts int, lastError string, availableAt time.Time) error {
	return m.updateClaimed(id, workerID, func(item *Item) {
		item.Status = StatusPending
		item.Attempts = attempts
		item.LastError = lastError
		item.AvailableAt = availableAt
		item.LockedAt = nil
		item.LockedBy = ""
	})
}

func (m *memRepository) RecoverStuckProcessing(_ context.Context, lockedBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, item := range m.items {
		if item.Status != StatusProcessing || item.LockedAt == nil || !item.LockedAt.Before(lockedBefore) {
			continue
		}
		item.Attempts++
		if item.Attempts >= item.MaxAttempts {
			item.Status = StatusFailed
		} else {
			item.Status = StatusPending
		}
		item.LastError = "processing abandoned by worker " + item.LockedBy
		item.LockedAt = nil
		item.LockedBy = ""
		n++
	}
	return n, nil
}

func (m *memRepository) DeleteProcessedBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, item := range m.items {
		if item.Status == StatusProcessed && item.ProcessedAt != nil && item.ProcessedAt.Before(before) {
			delete(m.items, id)
			n++
		}
	}
	return n, nil
}

func (m *memRepository) ListFailed(_ context.Context, limit int) ([]*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	failed := make([]*Item, 0)
	for _, item := range m.items {
		if item.Status == StatusFailed && len(failed) < limit {
			cp := *item
			failed = append(failed, &cp)
		}
	}
	return failed, nil
}

func (m *memRepository) RetryFailed(_ context.Context, id string, availableAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return ErrItemNotFound
	}
	if item.Status != StatusFailed {
		return ErrItemNotFailed
	}
	item.Status = StatusPending
	item.Attempts = 0
	item.AvailableAt = availableAt
	return nil
}

func (m *memRepository) GetStats(_ context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &Stats{}
	for _, item := range m.items {
		switch item.Status {
		case StatusPending:
			stats.Pending++
		case StatusProcessing:
			stats.Processing++
		case StatusProcessed:
			stats.Processed++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// put stores item as-is, bypassing Insert defaults.
func (m *memRepository) put(item *Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *item
	m.items[item.ID] = &cp
}

func (m *memRepository) get(id string) Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.items[id]
}
