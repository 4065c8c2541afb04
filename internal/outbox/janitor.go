package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/tutordesk/internal/pkg/schedule"
	"github.com/robfig/cron/v3"
)

// JanitorConfig contains maintenance configuration.
type JanitorConfig struct {
	// RecoverInterval is how often stuck processing items are looked for.
	RecoverInterval time.Duration
	// StuckAfter is how long an item may stay in processing before it is
	// considered abandoned by a crashed worker.
	StuckAfter time.Duration
	// CleanupInterval is how often old processed items are deleted.
	CleanupInterval time.Duration
	// Retention is how long processed items (and their dedupe keys) are kept.
	Retention time.Duration
}

// DefaultJanitorConfig returns default maintenance configuration.
func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		RecoverInterval: 1 * time.Minute,
		StuckAfter:      10 * time.Minute,
		CleanupInterval: 1 * time.Hour,
		Retention:       7 * 24 * time.Hour,
	}
}

// Janitor runs periodic queue maintenance.
type Janitor struct {
	config JanitorConfig
	repo   Repository
	cron   *cron.Cron
	now    func() time.Time
}

// NewJanitor creates a new maintenance runner.
func NewJanitor(config JanitorConfig, repo Repository) *Janitor {
	return &Janitor{
		config: config,
		repo:   repo,
		now:    time.Now,
	}
}

// Start schedules the maintenance jobs.
func (j *Janitor) Start(ctx context.Context) error {
	j.cron = schedule.New(slog.Default().With("component", "outbox_janitor"))

	if _, err := j.cron.AddFunc(schedule.Every(j.config.RecoverInterval), func() {
		if _, err := j.RecoverStuck(ctx); err != nil {
			slog.Error("failed to recover stuck outbox items", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule recovery: %w", err)
	}

	if _, err := j.cron.AddFunc(schedule.Every(j.config.CleanupInterval), func() {
		if _, err := j.Cleanup(ctx); err != nil {
			slog.Error("failed to clean up outbox items", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule cleanup: %w", err)
	}

	j.cron.Start()
	slog.Info("outbox janitor started",
		"stuck_after", j.config.StuckAfter,
		"retention", j.config.Retention,
	)
	return nil
}

// Stop stops scheduling and waits for running jobs.
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
}

// RecoverStuck returns items abandoned in processing to the queue.
func (j *Janitor) RecoverStuck(ctx context.Context) (int64, error) {
	n, err := j.repo.RecoverStuckProcessing(ctx, j.now().Add(-j.config.StuckAfter))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		itemsRecovered.Add(float64(n))
		slog.Warn("recovered stuck outbox items", "count", n)
	}
	return n, nil
}

// Cleanup deletes processed items older than the retention period.
func (j *Janitor) Cleanup(ctx context.Context) (int64, error) {
	n, err := j.repo.DeleteProcessedBefore(ctx, j.now().Add(-j.config.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("deleted processed outbox items", "count", n)
	}
	return n, nil
}
