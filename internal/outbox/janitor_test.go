package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJanitor_RecoverStuck(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	repo := newMemRepository()

	stuckAt := now.Add(-20 * time.Minute)
	freshAt := now.Add(-1 * time.Minute)

	stuck := newPendingItem("stuck", "t", stuckAt)
	stuck.Status = StatusProcessing
	stuck.LockedAt = &stuckAt
	stuck.LockedBy = "dead-worker"
	repo.put(stuck)

	lastChance := newPendingItem("last", "t", stuckAt)
	lastChance.Status = StatusProcessing
	lastChance.LockedAt = &stuckAt
	lastChance.Attempts = DefaultMaxAttempts - 1
	repo.put(lastChance)

	fresh := newPendingItem("fresh", "t", freshAt)
	fresh.Status = StatusProcessing
	fresh.LockedAt = &freshAt
	repo.put(fresh)

	j := NewJanitor(DefaultJanitorConfig(), repo)
	j.now = func() time.Time { return now }

	n, err := j.RecoverStuck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got := repo.get("stuck")
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Nil(t, got.LockedAt)
	assert.Contains(t, got.LastError, "dead-worker")

	assert.Equal(t, StatusFailed, repo.get("last").Status)
	assert.Equal(t, StatusProcessing, repo.get("fresh").Status)
}

func TestJanitor_Cleanup(t *testing.T) {
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	repo := newMemRepository()

	old := now.Add(-8 * 24 * time.Hour)
	recent := now.Add(-1 * time.Hour)

	for id, processedAt := range map[string]time.Time{"old": old, "recent": recent} {
		item := newPendingItem(id, "t", processedAt)
		item.Status = StatusProcessed
		item.ProcessedAt = &processedAt
		repo.put(item)
	}
	repo.put(newPendingItem("pending", "t", old))

	j := NewJanitor(DefaultJanitorConfig(), repo)
	j.now = func() time.Time { return now }

	n, err := j.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = repo.GetByID(context.Background(), "old")
	assert.ErrorIs(t, err, ErrItemNotFound)
	_, err = repo.GetByID(context.Background(), "recent")
	assert.NoError(t, err)
	_, err = repo.GetByID(context.Background(), "pending")
	assert.NoError(t, err)
}

func TestJanitor_StartStop(t *testing.T) {
	j := NewJanitor(DefaultJanitorConfig(), newMemRepository())
	require.NoError(t, j.Start(context.Background()))
	j.Stop()
}
