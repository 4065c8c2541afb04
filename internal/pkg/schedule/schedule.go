// Package schedule builds cron runners for periodic background jobs.
package schedule

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// New creates a cron runner whose jobs recover from panics and are skipped
// while a previous run of the same job is still in progress.
func New(logger *slog.Logger) *cron.Cron {
	l := Logger(logger)
	return cron.New(
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
}

// Every returns the cron spec for a fixed interval. Intervals under one
// second are rounded up by the cron library.
func Every(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}

// Logger adapts slog to cron.Logger. Cron's info-level chatter is logged at
// debug level.
func Logger(logger *slog.Logger) cron.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return slogAdapter{logger: logger}
}

type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug("cron: "+msg, keysAndValues...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
