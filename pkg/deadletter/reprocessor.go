package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-stock-outbox/pkg/breaker"
	"github.com/zoff-tech/go-stock-outbox/pkg/config"
	"github.com/zoff-tech/go-stock-outbox/pkg/events"
	"github.com/zoff-tech/go-stock-outbox/pkg/store"
	"github.com/zoff-tech/go-stock-outbox/pkg/telemetry"
)

// Dispatcher runs the domain logic the primary consumer would have run for
// one message.
type Dispatcher interface {
	Process(ctx context.Context, key string, payload []byte, headers map[string]string) error
}

type DispatcherFunc func(ctx context.Context, key string, payload []byte, headers map[string]string) error

func (f DispatcherFunc) Process(ctx context.Context, key string, payload []byte, headers map[string]string) error {
	return f(ctx, key, payload, headers)
}

type route struct {
	dispatcher Dispatcher
	breaker    string
}

// BatchResult summarises one reprocessing cycle.
type BatchResult struct {
	Claimed   int
	Processed int
	Retrying  int
	Exhausted int
	Failed    int
}

// Reprocessor retries captured failed events on a schedule.
type Reprocessor struct {
	repo     Repository
	routes   map[events.Topic]route
	breakers *breaker.Registry
	cfg      config.DeadLetterSettings
	policy   Policy
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func NewReprocessor(repo Repository, breakers *breaker.Registry, cfg config.DeadLetterSettings, logger *zap.Logger) *Reprocessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reprocessor{
		repo:     repo,
		routes:   make(map[events.Topic]route),
		breakers: breakers,
		cfg:      cfg,
		policy:   PolicyFrom(cfg),
		logger:   logger,
		tracer:   otel.Tracer(telemetry.InstrumentationName),
		now:      time.Now,
	}
}

// Register routes events captured from topic to d, guarded by the named
// breaker. An empty name is for dispatchers that guard their own
// dependency. Not safe to call once reprocessing has started.
func (r *Reprocessor) Register(topic events.Topic, breakerName string, d Dispatcher) {
	r.routes[topic] = route{dispatcher: d, breaker: breakerName}
}

// ReprocessBatch claims the due events and dispatches each one. Per-event
// failures are recorded on the row; only a failed claim is returned.
func (r *Reprocessor) ReprocessBatch(ctx context.Context) (BatchResult, error) {
	var res BatchResult

	now := r.now().UTC()
	claimed, err := r.repo.ClaimReady(ctx, now, r.cfg.BatchSize, func(e *FailedEvent) error {
		return e.StartRetry(now, r.policy)
	})
	if err != nil {
		return res, fmt.Errorf("claim failed events: %w", err)
	}
	res.Claimed = len(claimed)

	for i := range claimed {
		if ctx.Err() != nil {
			// Claimed rows left in RETRYING are picked up again by RescueStuck.
			break
		}
		event := &claimed[i]
		r.reprocess(ctx, event)

		switch event.Status {
		case StatusProcessed:
			res.Processed++
		case StatusPending:
			res.Retrying++
		case StatusMaxRetriesReached:
			res.Exhausted++
		case StatusFailed:
			res.Failed++
		}

		if err := r.repo.Save(ctx, event); err != nil {
			r.logger.Error("Failed to save failed event after reprocessing",
				zap.String("failed_event_id", event.ID),
				zap.String("status", string(event.Status)),
				zap.Error(err),
			)
		}
	}

	if res.Claimed > 0 {
		r.logger.Info("Failed event reprocessing cycle finished",
			zap.Int("claimed", res.Claimed),
			zap.Int("processed", res.Processed),
			zap.Int("retrying", res.Retrying),
			zap.Int("exhausted", res.Exhausted),
			zap.Int("failed", res.Failed),
		)
	}
	return res, nil
}

func (r *Reprocessor) reprocess(ctx context.Context, event *FailedEvent) {
	ctx, span := r.tracer.Start(ctx, "ReprocessFailedEvent", trace.WithAttributes(
		attribute.String("failed_event.id", event.ID),
		attribute.String("failed_event.topic", event.OriginalTopic),
		attribute.Int("failed_event.retry_count", event.RetryCount),
	))
	defer span.End()

	topic, err := events.ParseTopic(event.OriginalTopic)
	rt, ok := r.routes[topic]
	if err != nil || !ok {
		r.logger.Error("No handler for failed event topic, marking as failed",
			zap.String("failed_event_id", event.ID),
			zap.String("topic", event.OriginalTopic),
		)
		span.SetStatus(codes.Error, "unknown topic")
		r.transition(event, event.MarkUnrecoverable("Unknown topic: "+event.OriginalTopic))
		return
	}

	var headers map[string]string
	if event.EventID != "" {
		headers = map[string]string{events.HeaderEventID: event.EventID}
	}

	dispatch := func(ctx context.Context) error {
		return rt.dispatcher.Process(ctx, event.EventKey, []byte(event.EventPayload), headers)
	}
	if rt.breaker == "" {
		err = dispatch(ctx)
	} else {
		err = breaker.Run(ctx, r.breakers, rt.breaker, dispatch, func(ctx context.Context, cause error) error {
			if errors.Is(cause, breaker.ErrOpen) {
				r.logger.Warn("Circuit breaker open, failed event will be retried later",
					zap.String("failed_event_id", event.ID),
					zap.String("breaker", rt.breaker),
				)
			}
			return cause
		})
	}

	now := r.now().UTC()
	switch {
	case err == nil:
		r.transition(event, event.Succeed(now))
		r.logger.Info("Failed event reprocessed",
			zap.String("failed_event_id", event.ID),
			zap.String("topic", event.OriginalTopic),
			zap.Int("retry_count", event.RetryCount),
		)
	case events.IsNonRetryable(err):
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("Failed event cannot be reprocessed, marking as failed",
			zap.String("failed_event_id", event.ID),
			zap.Error(err),
		)
		r.transition(event, event.MarkUnrecoverable(store.Truncate(err.Error(), r.cfg.ExceptionCap)))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.transition(event, event.Fail(now, r.policy, errors.New(store.Truncate(err.Error(), r.cfg.ExceptionCap))))
		if event.Status == StatusMaxRetriesReached {
			r.logger.Error("Failed event reached max retries, manual intervention required",
				zap.String("failed_event_id", event.ID),
				zap.String("topic", event.OriginalTopic),
				zap.String("key", event.EventKey),
				zap.Int("retry_count", event.RetryCount),
				zap.Error(err),
			)
			return
		}
		r.logger.Warn("Failed event reprocessing failed, will retry",
			zap.String("failed_event_id", event.ID),
			zap.Int("retry_count", event.RetryCount),
			zap.Timep("next_retry_at", event.NextRetryAt),
			zap.Error(err),
		)
	}
}

func (r *Reprocessor) transition(event *FailedEvent, err error) {
	if err != nil {
		r.logger.Error("Unexpected failed event transition", zap.String("failed_event_id", event.ID), zap.Error(err))
	}
}

// RescueStuck resets events left in RETRYING longer than the configured
// threshold, typically after a crash mid-attempt.
func (r *Reprocessor) RescueStuck(ctx context.Context) (int, error) {
	now := r.now().UTC()
	stuck, err := r.repo.FindStuck(ctx, now.Add(-r.cfg.StuckAfter))
	if err != nil {
		return 0, fmt.Errorf("find stuck failed events: %w", err)
	}

	reset := 0
	for i := range stuck {
		event := &stuck[i]
		if err := event.ResetStuck(now, r.policy); err != nil {
			r.transition(event, err)
			continue
		}
		if err := r.repo.Save(ctx, event); err != nil {
			r.logger.Error("Failed to reset stuck failed event",
				zap.String("failed_event_id", event.ID), zap.Error(err))
			continue
		}
		r.logger.Warn("Reset stuck failed event",
			zap.String("failed_event_id", event.ID),
			zap.Timep("last_retry_at", event.LastRetryAt),
		)
		reset++
	}
	return reset, nil
}

// PurgeProcessed deletes PROCESSED events older than olderThanDays days.
func (r *Reprocessor) PurgeProcessed(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < 1 {
		return 0, fmt.Errorf("retention must be at least one day, got %d", olderThanDays)
	}
	cutoff := r.now().UTC().AddDate(0, 0, -olderThanDays)
	deleted, err := r.repo.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete processed failed events: %w", err)
	}
	r.logger.Info("Cleaned up processed failed events",
		zap.Int64("deleted", deleted),
		zap.Int("older_than_days", olderThanDays),
	)
	return deleted, nil
}

func (r *Reprocessor) Stats(ctx context.Context) (Stats, error) {
	stats, err := r.repo.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("count failed events: %w", err)
	}
	return stats, nil
}

// ResetRetry is the operator action: the event goes back to PENDING with a
// zero retry count.
func (r *Reprocessor) ResetRetry(ctx context.Context, id string) error {
	event, err := r.repo.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load failed event %s: %w", id, err)
	}
	if err := event.ResetRetry(r.now().UTC(), r.policy); err != nil {
		return err
	}
	if err := r.repo.Save(ctx, event); err != nil {
		return fmt.Errorf("reset retry for %s: %w", id, err)
	}
	r.logger.Info("Failed event retry count reset", zap.String("failed_event_id", id))
	return nil
}

// RegisterMetrics exposes failed event counts per status and the retryable
// backlog.
func (r *Reprocessor) RegisterMetrics(meter metric.Meter) error {
	byStatus, err := meter.Int64ObservableGauge("failed_events",
		metric.WithDescription("Captured failed events by status"))
	if err != nil {
		return err
	}
	pending, err := meter.Int64ObservableGauge("failed_events.pending",
		metric.WithDescription("Failed events still scheduled for reprocessing"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		stats, err := r.Stats(ctx)
		if err != nil {
			r.logger.Warn("Failed to collect failed event stats", zap.Error(err))
			return nil
		}
		for _, s := range Statuses() {
			o.ObserveInt64(byStatus, stats[s], metric.WithAttributes(attribute.String("status", string(s))))
		}
		o.ObserveInt64(pending, stats[StatusPending]+stats[StatusRetrying])
		return nil
	}, byStatus, pending)
	return err
}
