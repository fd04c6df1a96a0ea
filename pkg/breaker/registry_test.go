package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoff-tech/go-stock-outbox/pkg/config"
)

func testSettings(string) config.BreakerSettings {
	return config.BreakerSettings{
		FailureRate:      0.5,
		SlowCallRate:     0.5,
		SlowCallDuration: 20 * time.Millisecond,
		MinRequests:      4,
		OpenTimeout:      time.Hour,
		HalfOpenRequests: 1,
		Window:           time.Minute,
	}
}

var errBoom = errors.New("boom")

func TestCall_SuccessReturnsResult(t *testing.T) {
	r := NewRegistry(testSettings, nil)

	got, err := Call(context.Background(), r, "search", func(context.Context) (int, error) {
		return 42, nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, StateClosed, r.State("search"))
}

func TestCall_FailureInvokesFallback(t *testing.T) {
	r := NewRegistry(testSettings, nil)

	var seen error
	got, err := Call(context.Background(), r, "search", func(context.Context) (string, error) {
		return "", errBoom
	}, func(_ context.Context, err error) (string, error) {
		seen = err
		return "fallback", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "fallback", got)
	assert.ErrorIs(t, seen, errBoom)
}

func TestCall_OpensAfterFailureRateAndShortCircuits(t *testing.T) {
	r := NewRegistry(testSettings, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = Run(ctx, r, "broker", func(context.Context) error { return errBoom }, nil)
	}
	require.Equal(t, StateOpen, r.State("broker"))

	called := false
	err := Run(ctx, r, "broker", func(context.Context) error {
		called = true
		return nil
	}, nil)

	assert.False(t, called, "open breaker must not invoke the operation")
	assert.ErrorIs(t, err, ErrOpen)

	var fallbackErr error
	err = Run(ctx, r, "broker", func(context.Context) error { return nil }, func(_ context.Context, err error) error {
		fallbackErr = err
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, fallbackErr, ErrOpen)
}

func TestCall_StaysClosedBelowMinRequests(t *testing.T) {
	r := NewRegistry(testSettings, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = Run(ctx, r, "database", func(context.Context) error { return errBoom }, nil)
	}
	assert.Equal(t, StateClosed, r.State("database"))
}

func TestCall_SlowCallsSucceedButTrip(t *testing.T) {
	r := NewRegistry(testSettings, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		got, err := Call(ctx, r, "search", func(context.Context) (int, error) {
			time.Sleep(30 * time.Millisecond)
			return i, nil
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, i, got)
	}

	assert.Equal(t, StateOpen, r.State("search"))
}

func TestRegistry_ResetClosesBreaker(t *testing.T) {
	r := NewRegistry(testSettings, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = Run(ctx, r, "broker", func(context.Context) error { return errBoom }, nil)
	}
	require.Equal(t, StateOpen, r.State("broker"))

	r.Reset("broker")

	assert.Equal(t, StateClosed, r.State("broker"))
	assert.Equal(t, uint32(0), r.Get("broker").Counts().Requests)
}

func TestRegistry_UnknownBreakerState(t *testing.T) {
	r := NewRegistry(nil, nil)
	assert.Equal(t, StateUnknown, r.State("missing"))
	assert.Same(t, r.Get("x"), r.Get("x"))
}

func TestRun_SuccessfulErrorsDoNotTrip(t *testing.T) {
	errRejected := errors.New("rejected")
	r := NewRegistry(testSettings, nil, WithSuccessful(func(err error) bool {
		return errors.Is(err, errRejected)
	}))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		err := Run(ctx, r, "database", func(context.Context) error { return errRejected }, nil)
		assert.ErrorIs(t, err, errRejected)
	}

	assert.Equal(t, StateClosed, r.State("database"))
	counts := r.Get("database").Counts()
	assert.Equal(t, uint32(10), counts.TotalSuccesses)
	assert.Zero(t, counts.TotalFailures)

	for i := 0; i < 4; i++ {
		_ = Run(ctx, r, "database", func(context.Context) error { return errBoom }, nil)
	}
	assert.Equal(t, StateClosed, r.State("database"), "4 failures out of 14 stays under the failure rate")
}
