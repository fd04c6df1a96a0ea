package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestEvery_RunsJob(t *testing.T) {
	s := New(nil)
	var runs atomic.Int32
	require.NoError(t, s.Every("tick", time.Second, func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	s.Start()

	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
}

func TestEvery_SkipsOverlappingRuns(t *testing.T) {
	s := New(nil)
	var running, maxRunning, runs atomic.Int32
	require.NoError(t, s.Every("slow", time.Second, func(context.Context) error {
		n := running.Add(1)
		defer running.Add(-1)
		if n > maxRunning.Load() {
			maxRunning.Store(n)
		}
		runs.Add(1)
		time.Sleep(2500 * time.Millisecond)
		return nil
	}))
	s.Start()

	time.Sleep(4 * time.Second)
	require.NoError(t, s.Stop(context.Background()))

	assert.Equal(t, int32(1), maxRunning.Load())
	assert.GreaterOrEqual(t, runs.Load(), int32(1))
}

func TestStop_WaitsForRunningJob(t *testing.T) {
	s := New(nil)
	started := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, s.Every("batch", time.Second, func(context.Context) error {
		select {
		case <-started:
		default:
			close(started)
		}
		time.Sleep(300 * time.Millisecond)
		finished.Store(true)
		return nil
	}))
	s.Start()

	<-started
	require.NoError(t, s.Stop(context.Background()))
	assert.True(t, finished.Load())
}

func TestStop_DeadlineCancelsJobContext(t *testing.T) {
	s := New(nil)
	started := make(chan struct{})
	require.NoError(t, s.Every("blocked", time.Second, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	s.Start()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
}

func TestJobErrorsAreLogged(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	s := New(zap.New(core))
	require.NoError(t, s.Every("failing", time.Second, func(context.Context) error {
		return errors.New("db down")
	}))
	s.Start()
	defer func() { _ = s.Stop(context.Background()) }()

	assert.Eventually(t, func() bool {
		return logs.FilterMessage("Scheduled job failed").Len() > 0
	}, 3*time.Second, 50*time.Millisecond)
	entry := logs.FilterMessage("Scheduled job failed").All()[0]
	assert.Equal(t, "failing", entry.ContextMap()["job"])
}

func TestScheduleValidation(t *testing.T) {
	s := New(nil)
	assert.Error(t, s.Every("zero", 0, func(context.Context) error { return nil }))
	assert.Error(t, s.Cron("bad", "not a cron", func(context.Context) error { return nil }))
	assert.NoError(t, s.Cron("nightly", "0 3 * * *", func(context.Context) error { return nil }))
}
