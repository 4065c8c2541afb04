package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bissquit/tutordesk/internal/pkg/ctxlog"
	"golang.org/x/sync/errgroup"
)

// WorkerConfig contains worker configuration.
type WorkerConfig struct {
	// ID identifies this worker instance in locked_by. Defaults to hostname-pid.
	ID             string
	BatchSize      int
	PollInterval   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxJitter      time.Duration
	// HandlerTimeout bounds a single handler invocation; exceeding it counts
	// as a failure. Zero disables the bound.
	HandlerTimeout time.Duration
	// Concurrency is the number of claimed items handled in parallel within
	// one tick. Values <= 1 process the batch sequentially.
	Concurrency int
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:      10,
		PollInterval:   500 * time.Millisecond,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     60 * time.Second,
		MaxJitter:      250 * time.Millisecond,
		HandlerTimeout: 30 * time.Second,
		Concurrency:    1,
	}
}

// DeadLetterFunc is called after an item exhausted its attempts.
type DeadLetterFunc func(ctx context.Context, item *Item, err error)

// Worker claims due items and runs their topic handlers.
type Worker struct {
	config   WorkerConfig
	repo     Repository
	registry *Registry
	now      func() time.Time

	onDeadLetter DeadLetterFunc

	running  atomic.Bool
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker creates a new dispatch worker.
func NewWorker(config WorkerConfig, repo Repository, registry *Registry) *Worker {
	if config.ID == "" {
		config.ID = defaultWorkerID()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultWorkerConfig().BatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultWorkerConfig().PollInterval
	}
	return &Worker{
		config:   config,
		repo:     repo,
		registry: registry,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// OnDeadLetter sets a callback for items that reached terminal failure after
// exhausting their retries.
func (w *Worker) OnDeadLetter(fn DeadLetterFunc) {
	w.onDeadLetter = fn
}

// ID returns the worker instance identifier.
func (w *Worker) ID() string {
	return w.config.ID
}

// Start launches the polling loop.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	slog.Info("starting outbox worker",
		"worker_id", w.config.ID,
		"batch_size", w.config.BatchSize,
		"poll_interval", w.config.PollInterval,
		"concurrency", w.config.Concurrency,
		"topics", w.registry.Topics(),
	)

	w.wg.Add(1)
	go w.run(ctx)
}

// Stop stops polling and waits for the current tick to finish. If ctx is
// done first, the tick's context is cancelled and Stop returns ctx.Err()
// once the tick has returned. Items the tick could not settle stay in
// processing until the janitor recovers them. Stop may be called more than
// once.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stopCh) })

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		slog.Warn("outbox worker stop deadline reached, cancelling tick", "worker_id", w.config.ID)
		if w.cancel != nil {
			w.cancel()
		}
		<-done
	}

	if w.cancel != nil {
		w.cancel()
	}
	slog.Info("outbox worker stopped", "worker_id", w.config.ID)
	return err
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick claims one batch and processes it. If a previous tick is still
// running, the call returns immediately without claiming anything.
// Returns the number of items claimed.
func (w *Worker) Tick(ctx context.Context) int {
	if !w.running.CompareAndSwap(false, true) {
		ticksSkipped.Inc()
		return 0
	}
	defer w.running.Store(false)

	items, err := w.repo.ClaimBatch(ctx, w.config.ID, w.config.BatchSize, w.now())
	if err != nil {
		slog.Error("failed to claim outbox items", "worker_id", w.config.ID, "error", err)
		return 0
	}

	if len(items) == 0 {
		return 0
	}

	slog.Debug("processing outbox items", "worker_id", w.config.ID, "count", len(items))
	recordClaimed(len(items))

	if w.config.Concurrency <= 1 {
		for _, item := range items {
			w.processItem(ctx, item)
		}
		return len(items)
	}

	var g errgroup.Group
	g.SetLimit(w.config.Concurrency)
	for _, item := range items {
		g.Go(func() error {
			w.processItem(ctx, item)
			return nil
		})
	}
	_ = g.Wait()

	return len(items)
}

func (w *Worker) processItem(ctx context.Context, item *Item) {
	logger := slog.Default().With(
		"item_id", item.ID,
		"topic", item.Topic,
		"attempt", item.Attempts+1,
	)
	ctx = ctxlog.WithLogger(ctx, logger)

	handler, ok := w.registry.Get(item.Topic)
	if !ok {
		msg := fmt.Sprintf("no handler registered for topic %q", item.Topic)
		logger.Error("outbox item has no handler")
		err := w.repo.MarkFailed(ctx, item.ID, w.config.ID, item.Attempts, msg)
		w.settled(logger, item, "no_handler", err)
		return
	}

	start := time.Now()
	err := w.invoke(ctx, handler, item)
	recordHandlerDuration(item.Topic, time.Since(start))

	if err != nil {
		w.handleFailure(ctx, logger, item, err)
		return
	}

	if w.settled(logger, item, "processed", w.repo.MarkProcessed(ctx, item.ID, w.config.ID, w.now())) {
		logger.Debug("outbox item processed", "duration", time.Since(start))
	}
}

// settled records the outcome of a status write and reports whether it was
// applied. A lost lock means the item was recovered and possibly claimed
// again elsewhere, so this worker's result is dropped.
func (w *Worker) settled(logger *slog.Logger, item *Item, outcome string, err error) bool {
	switch {
	case err == nil:
		recordProcessed(item.Topic, outcome)
		return true
	case errors.Is(err, ErrLockLost):
		logger.Warn("outbox item lock lost, dropping result", "worker_id", w.config.ID, "outcome", outcome)
		recordProcessed(item.Topic, "lock_lost")
	default:
		logger.Error("failed to record outbox item outcome", "outcome", outcome, "error", err)
	}
	return false
}

// invoke runs the handler with panic recovery and the configured timeout.
// A handler that ignores its context is abandoned once the timeout passes.
func (w *Worker) invoke(ctx context.Context, handler HandlerFunc, item *Item) error {
	if w.config.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.config.HandlerTimeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- handler(ctx, item.Payload)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("handler timed out after %s", w.config.HandlerTimeout)
		}
		return ctx.Err()
	}
}

func (w *Worker) handleFailure(ctx context.Context, logger *slog.Logger, item *Item, handlerErr error) {
	attempts := item.Attempts + 1
	lastError := handlerErr.Error()

	logger.Warn("outbox handler failed",
		"max_attempts", item.MaxAttempts,
		"error", handlerErr,
	)

	if attempts >= item.MaxAttempts {
		if !w.settled(logger, item, "failed", w.repo.MarkFailed(ctx, item.ID, w.config.ID, attempts, lastError)) {
			return
		}
		logger.Error("outbox item exhausted retries", "attempts", attempts)

		if w.onDeadLetter != nil {
			failed := *item
			failed.Status = StatusFailed
			failed.Attempts = attempts
			failed.LastError = lastError
			w.onDeadLetter(ctx, &failed, handlerErr)
		}
		return
	}

	delay := Backoff(attempts, w.config.InitialBackoff, w.config.MaxBackoff, w.config.MaxJitter)
	if hint := RetryAfter(handlerErr); hint > delay {
		delay = hint
	}
	nextAttempt := w.now().Add(delay)

	if w.settled(logger, item, "retry", w.repo.MarkForRetry(ctx, item.ID, w.config.ID, attempts, lastError, nextAttempt)) {
		logger.Info("outbox item scheduled for retry", "next_attempt", nextAttempt)
	}
}

// Backoff returns the delay before retry number attempts (1-based):
// min(maxDelay, base * 2^(attempts-1)) plus a random jitter in [0, maxJitter).
func Backoff(attempts int, base, maxDelay, maxJitter time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	delay := base
	for i := 1; i < attempts && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	if maxJitter > 0 {
		delay += time.Duration(rand.Int64N(int64(maxJitter)))
	}
	return delay
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
