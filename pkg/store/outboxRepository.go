package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("outbox event not found")

// OutBoxRepository defines the database operations the publisher and the
// operator tooling run against the outbox.
type OutBoxRepository interface {
	// FetchUnpublished returns up to limit unpublished rows still below
	// maxRetries, oldest first.
	FetchUnpublished(ctx context.Context, limit, maxRetries int) ([]OutboxEvent, error)
	// MarkPublished flags the row as delivered.
	MarkPublished(ctx context.Context, id string, at time.Time) error
	// RecordFailure increments retry_count and stores the (already truncated) error.
	RecordFailure(ctx context.Context, id string, lastError string) error
	// DeletePublishedBefore removes delivered rows published before cutoff.
	DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountUnpublished(ctx context.Context) (int64, error)
	// CountFailed counts unpublished rows at or above maxRetries.
	CountFailed(ctx context.Context, maxRetries int) (int64, error)
	// FindStuck lists unpublished rows at or above minRetries.
	FindStuck(ctx context.Context, minRetries int) ([]OutboxEvent, error)
	FindByAggregate(ctx context.Context, aggregateType, aggregateID string) ([]OutboxEvent, error)
	FindFailedByEventType(ctx context.Context, eventType string, minRetries int) ([]OutboxEvent, error)
	// ResetRetry puts an unpublished row back to retry_count 0.
	ResetRetry(ctx context.Context, id string) error
	Close() error
}
