package processor

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-stock-outbox/pkg/breaker"
	"github.com/zoff-tech/go-stock-outbox/pkg/broker"
	"github.com/zoff-tech/go-stock-outbox/pkg/config"
	"github.com/zoff-tech/go-stock-outbox/pkg/store"
	"github.com/zoff-tech/go-stock-outbox/pkg/telemetry"
)

// BatchResult summarises one publish cycle.
type BatchResult struct {
	Fetched   int
	Published int
	Failed    int
	Skipped   int
	// Exhausted counts failures that used up the last retry in this cycle.
	Exhausted int
}

// OutboxProcessor drains the outbox into the broker.
type OutboxProcessor struct {
	repo     store.OutBoxRepository
	broker   broker.MessageBroker
	breakers *breaker.Registry
	cfg      config.OutboxSettings
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewOutboxProcessor creates a new instance of OutboxProcessor.
func NewOutboxProcessor(repo store.OutBoxRepository, mb broker.MessageBroker, breakers *breaker.Registry, cfg config.OutboxSettings, logger *zap.Logger) *OutboxProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutboxProcessor{
		repo:     repo,
		broker:   mb,
		breakers: breakers,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer(telemetry.InstrumentationName),
		now:      time.Now,
	}
}

// PublishPending runs one publish cycle. Per-row failures are recorded on the
// row and never returned; only a failed fetch is.
func (p *OutboxProcessor) PublishPending(ctx context.Context) (BatchResult, error) {
	var res BatchResult

	events, err := p.repo.FetchUnpublished(ctx, p.cfg.BatchSize, p.cfg.MaxRetries)
	if err != nil {
		return res, fmt.Errorf("fetch unpublished events: %w", err)
	}
	res.Fetched = len(events)

	for i := range events {
		if ctx.Err() != nil {
			break
		}
		event := &events[i]

		if !p.backoffElapsed(event) {
			res.Skipped++
			continue
		}

		if p.publishEvent(ctx, event) {
			res.Published++
			continue
		}
		res.Failed++
		if event.RetryCount >= p.cfg.MaxRetries {
			res.Exhausted++
		}
	}

	if res.Fetched > 0 {
		p.logger.Debug("Outbox publish cycle finished",
			zap.Int("fetched", res.Fetched),
			zap.Int("published", res.Published),
			zap.Int("failed", res.Failed),
			zap.Int("skipped", res.Skipped),
			zap.Int("exhausted", res.Exhausted),
		)
	}
	return res, nil
}

// backoffElapsed reports whether 2^min(retryCount, cap) seconds have passed
// since the row was created. Fresh rows are always eligible.
func (p *OutboxProcessor) backoffElapsed(event *store.OutboxEvent) bool {
	if event.RetryCount <= 0 {
		return true
	}
	return !p.now().Before(event.CreatedAt.Add(Backoff(event.RetryCount, p.cfg.BackoffCapExponent)))
}

// Backoff is the publisher wait for a row that has failed retryCount times.
func Backoff(retryCount, capExponent int) time.Duration {
	exp := retryCount
	if exp > capExponent {
		exp = capExponent
	}
	if exp < 0 {
		exp = 0
	}
	return time.Duration(1<<uint(exp)) * time.Second
}

func (p *OutboxProcessor) publishEvent(ctx context.Context, event *store.OutboxEvent) bool {
	ctx, span := p.tracer.Start(ctx, "PublishOutboxEvent", trace.WithAttributes(
		attribute.String("event.id", event.ID),
		attribute.String("event.topic", event.Topic),
		attribute.String("event.type", event.EventType),
		attribute.Int("event.retry_count", event.RetryCount),
	))
	defer span.End()

	msg := broker.Message{
		Topic:   event.Topic,
		Key:     event.PartitionKey,
		Value:   event.Payload,
		Headers: event.Headers(),
	}

	sent, err := breaker.Call(ctx, p.breakers, config.BreakerBroker,
		func(ctx context.Context) (bool, error) {
			if err := p.broker.Publish(ctx, msg); err != nil {
				return false, err
			}
			return true, nil
		},
		func(ctx context.Context, cause error) (bool, error) {
			span.RecordError(cause)
			span.SetStatus(codes.Error, cause.Error())
			return false, p.recordFailure(ctx, event, cause)
		},
	)
	if err != nil {
		p.logger.Error("Failed to record outbox publish failure",
			zap.String("event_id", event.ID), zap.Error(err))
		return false
	}
	if !sent {
		return false
	}

	if err := p.repo.MarkPublished(ctx, event.ID, p.now().UTC()); err != nil {
		// The row stays unpublished and will be sent again; consumers dedupe.
		p.logger.Error("Failed to mark outbox event as published",
			zap.String("event_id", event.ID), zap.Error(err))
		span.RecordError(err)
		return false
	}
	p.logger.Debug("Outbox event published",
		zap.String("event_id", event.ID),
		zap.String("topic", event.Topic),
		zap.String("partition_key", event.PartitionKey),
	)
	return true
}

// recordFailure persists one failed attempt and mirrors the new retry count
// on event. Rows that reach MaxRetries are no longer fetched.
func (p *OutboxProcessor) recordFailure(ctx context.Context, event *store.OutboxEvent, cause error) error {
	if err := p.repo.RecordFailure(ctx, event.ID, store.Truncate(cause.Error(), p.cfg.ErrorCap)); err != nil {
		return err
	}
	event.RetryCount++

	if event.RetryCount >= p.cfg.MaxRetries {
		p.logger.Error("Outbox event exceeded max retries, manual intervention required",
			zap.String("event_id", event.ID),
			zap.String("aggregate_type", event.AggregateType),
			zap.String("aggregate_id", event.AggregateID),
			zap.Int("retry_count", event.RetryCount),
			zap.Error(cause),
		)
		return nil
	}
	p.logger.Warn("Failed to publish outbox event",
		zap.String("event_id", event.ID),
		zap.String("topic", event.Topic),
		zap.Int("retry_count", event.RetryCount),
		zap.Error(cause),
	)
	return nil
}

// Cleanup deletes published rows older than olderThanDays days.
func (p *OutboxProcessor) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < 1 {
		return 0, fmt.Errorf("retention must be at least one day, got %d", olderThanDays)
	}
	cutoff := p.now().UTC().AddDate(0, 0, -olderThanDays)
	deleted, err := p.repo.DeletePublishedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete published events: %w", err)
	}
	p.logger.Info("Cleaned up published outbox events",
		zap.Int64("deleted", deleted),
		zap.Int("older_than_days", olderThanDays),
	)
	return deleted, nil
}

// Monitor warns about rows close to exhaustion and alerts on backlog size.
func (p *OutboxProcessor) Monitor(ctx context.Context) error {
	stuck, err := p.repo.FindStuck(ctx, p.cfg.WarnRetryThreshold)
	if err != nil {
		return fmt.Errorf("find stuck events: %w", err)
	}
	for _, event := range stuck {
		p.logger.Warn("Outbox event is retrying repeatedly",
			zap.String("event_id", event.ID),
			zap.String("aggregate_type", event.AggregateType),
			zap.String("aggregate_id", event.AggregateID),
			zap.String("event_type", event.EventType),
			zap.Int("retry_count", event.RetryCount),
			zap.String("last_error", event.LastError),
		)
	}

	pending, err := p.repo.CountUnpublished(ctx)
	if err != nil {
		return fmt.Errorf("count unpublished events: %w", err)
	}
	if pending > p.cfg.PendingAlertLimit {
		p.logger.Error("Outbox backlog above alert threshold",
			zap.Int64("unpublished", pending),
			zap.Int64("threshold", p.cfg.PendingAlertLimit),
		)
	}
	return nil
}

func (p *OutboxProcessor) Stats(ctx context.Context) (store.Stats, error) {
	var stats store.Stats
	var err error
	if stats.Unpublished, err = p.repo.CountUnpublished(ctx); err != nil {
		return stats, fmt.Errorf("count unpublished events: %w", err)
	}
	if stats.Failed, err = p.repo.CountFailed(ctx, p.cfg.MaxRetries); err != nil {
		return stats, fmt.Errorf("count failed events: %w", err)
	}
	return stats, nil
}

// ListStuck returns unpublished rows at or above the warning threshold.
func (p *OutboxProcessor) ListStuck(ctx context.Context) ([]store.OutboxEvent, error) {
	return p.repo.FindStuck(ctx, p.cfg.WarnRetryThreshold)
}

func (p *OutboxProcessor) ListByAggregate(ctx context.Context, aggregateType, aggregateID string) ([]store.OutboxEvent, error) {
	return p.repo.FindByAggregate(ctx, aggregateType, aggregateID)
}

// ListFailedByEventType returns exhausted rows of one event type.
func (p *OutboxProcessor) ListFailedByEventType(ctx context.Context, eventType string) ([]store.OutboxEvent, error) {
	return p.repo.FindFailedByEventType(ctx, eventType, p.cfg.MaxRetries)
}

// ResetRetry makes an exhausted row eligible for publishing again.
func (p *OutboxProcessor) ResetRetry(ctx context.Context, id string) error {
	if err := p.repo.ResetRetry(ctx, id); err != nil {
		return fmt.Errorf("reset retry for %s: %w", id, err)
	}
	p.logger.Info("Outbox event retry count reset", zap.String("event_id", id))
	return nil
}

// RegisterMetrics exposes the outbox counts as observable gauges.
func (p *OutboxProcessor) RegisterMetrics(meter metric.Meter) error {
	unpublished, err := meter.Int64ObservableGauge("outbox.unpublished",
		metric.WithDescription("Outbox events not yet published"))
	if err != nil {
		return err
	}
	failed, err := meter.Int64ObservableGauge("outbox.failed",
		metric.WithDescription("Outbox events that exhausted their retries"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		stats, err := p.Stats(ctx)
		if err != nil {
			p.logger.Warn("Failed to collect outbox stats", zap.Error(err))
			return nil
		}
		o.ObserveInt64(unpublished, stats.Unpublished)
		o.ObserveInt64(failed, stats.Failed)
		return nil
	}, unpublished, failed)
	return err
}
