package schedule

import (
	"bytes"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvery(t *testing.T) {
	assert.Equal(t, "@every 3s", Every(3*time.Second))
	assert.Equal(t, "@every 1h0m0s", Every(time.Hour))
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	l := Logger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))

	l.Info("start")
	assert.Empty(t, buf.String(), "info is demoted to debug")

	l.Error(errors.New("boom"), "job failed", "job", "scan")
	assert.Contains(t, buf.String(), "cron: job failed")
	assert.Contains(t, buf.String(), "job=scan")
	assert.Contains(t, buf.String(), "error=boom")
}

func TestNew_RecoversPanics(t *testing.T) {
	c := New(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	var runs atomic.Int32
	_, err := c.AddFunc(Every(time.Second), func() {
		runs.Add(1)
		panic("job panic")
	})
	require.NoError(t, err)

	c.Start()
	defer c.Stop()

	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, 5*time.Second, 50*time.Millisecond,
		"the runner keeps scheduling after a panic")
}
