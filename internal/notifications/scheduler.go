package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bissquit/tutordesk/internal/domain"
	"github.com/bissquit/tutordesk/internal/outbox"
	"github.com/bissquit/tutordesk/internal/pkg/schedule"
	"github.com/robfig/cron/v3"
)

// Outbox topics served by the delivery handlers.
const (
	TopicTelegram = "notification.send"
	TopicEmail    = "notification.email"
)

// TopicFor returns the outbox topic for a delivery channel.
func TopicFor(channel domain.NotificationChannel) string {
	if channel == domain.NotificationChannelEmail {
		return TopicEmail
	}
	return TopicTelegram
}

// DedupeKey returns the outbox dedupe key for notificationID on topic,
// e.g. "notification:send:<id>".
func DedupeKey(topic, notificationID string) string {
	return "notification:" + strings.TrimPrefix(topic, "notification.") + ":" + notificationID
}

// DeliveryPayload is the outbox payload of notification topics.
type DeliveryPayload struct {
	NotificationID string `json:"notificationId"`
}

// Enqueuer is the producer side of the outbox.
type Enqueuer interface {
	Enqueue(ctx context.Context, topic string, payload any, opts outbox.EnqueueOptions) (*outbox.Item, error)
}

// SchedulerConfig contains scheduling loop configuration.
type SchedulerConfig struct {
	Channel   domain.NotificationChannel
	Interval  time.Duration
	BatchSize int
}

// DefaultSchedulerConfig returns default configuration for channel.
func DefaultSchedulerConfig(channel domain.NotificationChannel) SchedulerConfig {
	return SchedulerConfig{
		Channel:   channel,
		Interval:  3 * time.Second,
		BatchSize: 50,
	}
}

// Scheduler periodically enqueues due notifications of one channel.
type Scheduler struct {
	config SchedulerConfig
	topic  string
	repo   Repository
	outbox Enqueuer
	now    func() time.Time

	cron    *cron.Cron
	running atomic.Bool
}

// NewScheduler creates a new scheduling loop.
func NewScheduler(config SchedulerConfig, repo Repository, enqueuer Enqueuer) *Scheduler {
	defaults := DefaultSchedulerConfig(config.Channel)
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	return &Scheduler{
		config: config,
		topic:  TopicFor(config.Channel),
		repo:   repo,
		outbox: enqueuer,
		now:    time.Now,
	}
}

// Channel returns the delivery channel the loop schedules for.
func (s *Scheduler) Channel() domain.NotificationChannel {
	return s.config.Channel
}

// Start schedules the tick.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = schedule.New(slog.Default().With("component", "notification_scheduler", "channel", s.config.Channel))

	if _, err := s.cron.AddFunc(schedule.Every(s.config.Interval), func() {
		if _, err := s.Tick(ctx); err != nil {
			slog.Error("notification scheduler tick failed", "channel", s.config.Channel, "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule notification scan: %w", err)
	}

	s.cron.Start()
	slog.Info("notification scheduler started",
		"channel", s.config.Channel,
		"topic", s.topic,
		"interval", s.config.Interval,
		"batch_size", s.config.BatchSize,
	)
	return nil
}

// Stop stops scheduling and waits for a running tick.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Tick enqueues up to BatchSize due notifications. It returns immediately if
// a previous tick is still running. Returns the number of notifications
// handed to the outbox; duplicates of already queued ones are included, as
// the outbox resolves them to the existing item.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer s.running.Store(false)

	ids, err := s.repo.ListDue(ctx, s.config.Channel, s.now(), s.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due notifications: %w", err)
	}

	var (
		enqueued int
		errs     []error
	)
	for _, id := range ids {
		_, err := s.outbox.Enqueue(ctx, s.topic, DeliveryPayload{NotificationID: id}, outbox.EnqueueOptions{
			DedupeKey: DedupeKey(s.topic, id),
		})
		if err != nil {
			slog.Error("failed to enqueue notification",
				"notification_id", id,
				"topic", s.topic,
				"error", err,
			)
			errs = append(errs, fmt.Errorf("enqueue notification %s: %w", id, err))
			continue
		}
		enqueued++
	}

	if enqueued > 0 {
		recordScheduled(s.config.Channel, enqueued)
		slog.Debug("due notifications enqueued", "channel", s.config.Channel, "count", enqueued)
	}

	return enqueued, errors.Join(errs...)
}
