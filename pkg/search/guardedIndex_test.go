package search

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-stock-outbox/pkg/breaker"
	"github.com/zoff-tech/go-stock-outbox/pkg/config"
)

type flakyIndex struct {
	err     error
	upserts int
}

func (f *flakyIndex) Upsert(context.Context, Document) error {
	f.upserts++
	return f.err
}
func (f *flakyIndex) Delete(context.Context, string) error { return f.err }
func (f *flakyIndex) Refresh(context.Context) error        { return f.err }
func (f *flakyIndex) Close(context.Context) error          { return nil }

func TestGuard_OpensAfterFailures(t *testing.T) {
	breakers := breaker.NewRegistry(func(string) config.BreakerSettings {
		s := config.DefaultBreaker()
		s.MinRequests = 2
		return s
	}, nil)
	inner := &flakyIndex{err: errors.New("connection refused")}
	idx := Guard(inner, breakers, config.BreakerSearch)
	ctx := context.Background()

	assert.Error(t, idx.Upsert(ctx, Document{ID: "p-1"}))
	assert.Error(t, idx.Upsert(ctx, Document{ID: "p-1"}))
	assert.Equal(t, breaker.StateOpen, breakers.State(config.BreakerSearch))

	err := idx.Upsert(ctx, Document{ID: "p-1"})
	assert.ErrorIs(t, err, breaker.ErrOpen)
	assert.Equal(t, 2, inner.upserts)
}

func TestGuard_PassesThrough(t *testing.T) {
	breakers := breaker.NewRegistry(func(string) config.BreakerSettings { return config.DefaultBreaker() }, nil)
	inner := &flakyIndex{}
	idx := Guard(inner, breakers, config.BreakerSearch)

	require.NoError(t, idx.Upsert(context.Background(), Document{ID: "p-1"}))
	require.NoError(t, idx.Delete(context.Background(), "p-1"))
	require.NoError(t, idx.Refresh(context.Background()))
	require.NoError(t, idx.Close(context.Background()))
	assert.Equal(t, 1, inner.upserts)
	assert.Equal(t, breaker.StateClosed, breakers.State(config.BreakerSearch))
}
