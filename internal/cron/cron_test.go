package cron

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestValidateSchedule(t *testing.T) {
	for _, ok := range []string{"0 4 * * *", "*/10 * * * * *", "@daily", "@every 250ms"} {
		assert.NoError(t, ValidateSchedule(ok), ok)
	}
	for _, bad := range []string{"", "every day", "61 * * * *", "@every soon"} {
		assert.Error(t, ValidateSchedule(bad), bad)
	}
}

func TestJobValidate(t *testing.T) {
	run := func(context.Context) error { return nil }
	assert.Error(t, Job{Schedule: "@daily", Run: run}.Validate())
	assert.Error(t, Job{Name: "x", Schedule: "@daily"}.Validate())
	assert.NoError(t, Job{Name: "x", Schedule: "@daily", Run: run}.Validate())
}

func TestSchedulerFiresJobs(t *testing.T) {
	s := NewScheduler(quietLogger(), time.UTC)
	var runs atomic.Int32
	require.NoError(t, s.Add(Job{Name: "restart", Schedule: "@every 1s", Run: func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("restart already pending")
	}}))
	assert.Error(t, s.Add(Job{Name: "restart", Schedule: "@daily", Run: func(context.Context) error { return nil }}))

	s.Start()
	s.Start()
	assert.False(t, s.Next("restart").IsZero())
	assert.True(t, s.Next("missing").IsZero())

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, runs.Load(), int32(1))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	s := NewScheduler(quietLogger(), nil)
	var active, maxActive atomic.Int32
	release := make(chan struct{})
	require.NoError(t, s.Add(Job{Name: "slow", Schedule: "@every 1s", Run: func(ctx context.Context) error {
		n := active.Add(1)
		defer active.Add(-1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}}))
	s.Start()
	time.Sleep(2500 * time.Millisecond)
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestStopBeforeStart(t *testing.T) {
	s := NewScheduler(nil, nil)
	require.NoError(t, s.Stop(context.Background()))
}
