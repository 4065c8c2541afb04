// Package errtrack reports errors that need operator attention to Sentry.
package errtrack

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
)

// Config contains Sentry settings. An empty DSN disables reporting.
type Config struct {
	DSN         string
	Environment string
	Release     string
	SampleRate  float64
}

// Tracker reports errors to Sentry. The zero value and a Tracker created
// without a DSN discard everything.
type Tracker struct {
	hub *sentry.Hub
}

// New creates a tracker.
func New(cfg Config) (*Tracker, error) {
	if cfg.DSN == "" {
		slog.Info("error tracking disabled")
		return &Tracker{}, nil
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1
	}

	t, err := newTracker(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		SampleRate:       sampleRate,
		AttachStacktrace: true,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("error tracking enabled", "environment", cfg.Environment)
	return t, nil
}

func newTracker(opts sentry.ClientOptions) (*Tracker, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("create sentry client: %w", err)
	}
	return &Tracker{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// Enabled reports whether errors are sent anywhere.
func (t *Tracker) Enabled() bool {
	return t != nil && t.hub != nil
}

// CaptureError reports err with searchable tags and free-form details.
func (t *Tracker) CaptureError(err error, tags map[string]string, details map[string]any) {
	if !t.Enabled() || err == nil {
		return
	}

	t.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		if len(details) > 0 {
			scope.SetContext("details", sentry.Context(details))
		}
		t.hub.CaptureException(err)
	})
}

// Flush waits up to timeout for buffered events to be sent.
func (t *Tracker) Flush(timeout time.Duration) {
	if !t.Enabled() {
		return
	}
	if !t.hub.Flush(timeout) {
		slog.Warn("sentry flush timed out", "timeout", timeout)
	}
}
