package store

import (
	"context"
	"time"

	"cloud.google.com/go/spanner"
	"go.opentelemetry.io/otel"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
)

const spannerTable = "outbox_events"

var spannerColumns = []string{
	"id", "aggregate_type", "aggregate_id", "event_type", "payload", "topic",
	"partition_key", "created_at", "published", "published_at", "retry_count", "last_error",
}

const spannerSelect = `SELECT id, aggregate_type, aggregate_id, event_type, payload, topic, partition_key, created_at, published, published_at, retry_count, last_error FROM outbox_events`

// SpannerRepository keeps the outbox in Cloud Spanner for services whose
// system of record lives there.
type SpannerRepository struct {
	client *spanner.Client
}

func (s *SpannerRepository) FetchUnpublished(ctx context.Context, limit, maxRetries int) ([]OutboxEvent, error) {
	return s.query(ctx, "FetchUnpublished", spanner.Statement{
		SQL: spannerSelect + ` WHERE published = FALSE AND retry_count < @maxRetries
              ORDER BY created_at ASC LIMIT @limit`,
		Params: map[string]interface{}{
			"maxRetries": int64(maxRetries),
			"limit":      int64(limit),
		},
	})
}

func (s *SpannerRepository) MarkPublished(ctx context.Context, id string, at time.Time) error {
	return s.updateUnpublished(ctx, "MarkPublished", id, func(row *spanner.Row) (map[string]interface{}, error) {
		return map[string]interface{}{
			"published":    true,
			"published_at": at.UTC(),
		}, nil
	})
}

func (s *SpannerRepository) RecordFailure(ctx context.Context, id string, lastError string) error {
	return s.updateUnpublished(ctx, "RecordFailure", id, func(row *spanner.Row) (map[string]interface{}, error) {
		var retryCount int64
		if err := row.ColumnByName("retry_count", &retryCount); err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"retry_count": retryCount + 1,
			"last_error":  lastError,
		}, nil
	})
}

func (s *SpannerRepository) ResetRetry(ctx context.Context, id string) error {
	return s.updateUnpublished(ctx, "ResetRetry", id, func(row *spanner.Row) (map[string]interface{}, error) {
		return map[string]interface{}{
			"retry_count": int64(0),
			"last_error":  spanner.NullString{},
		}, nil
	})
}

func (s *SpannerRepository) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "DeletePublishedBefore")
	defer span.End()

	var deleted int64
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		deleted = 0
		iter := txn.Query(ctx, spanner.Statement{
			SQL:    `SELECT id FROM outbox_events WHERE published = TRUE AND published_at < @cutoff`,
			Params: map[string]interface{}{"cutoff": cutoff.UTC()},
		})
		defer iter.Stop()

		var mutations []*spanner.Mutation
		for {
			row, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				return err
			}
			var id string
			if err := row.Columns(&id); err != nil {
				return err
			}
			mutations = append(mutations, spanner.Delete(spannerTable, spanner.Key{id}))
		}
		deleted = int64(len(mutations))
		if len(mutations) == 0 {
			return nil
		}
		return txn.BufferWrite(mutations)
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	return deleted, nil
}

func (s *SpannerRepository) CountUnpublished(ctx context.Context) (int64, error) {
	return s.count(ctx, spanner.Statement{SQL: `SELECT COUNT(*) FROM outbox_events WHERE published = FALSE`})
}

func (s *SpannerRepository) CountFailed(ctx context.Context, maxRetries int) (int64, error) {
	return s.count(ctx, spanner.Statement{
		SQL:    `SELECT COUNT(*) FROM outbox_events WHERE published = FALSE AND retry_count >= @maxRetries`,
		Params: map[string]interface{}{"maxRetries": int64(maxRetries)},
	})
}

func (s *SpannerRepository) FindStuck(ctx context.Context, minRetries int) ([]OutboxEvent, error) {
	return s.query(ctx, "FindStuck", spanner.Statement{
		SQL:    spannerSelect + ` WHERE published = FALSE AND retry_count >= @minRetries ORDER BY created_at ASC`,
		Params: map[string]interface{}{"minRetries": int64(minRetries)},
	})
}

func (s *SpannerRepository) FindByAggregate(ctx context.Context, aggregateType, aggregateID string) ([]OutboxEvent, error) {
	return s.query(ctx, "FindByAggregate", spanner.Statement{
		SQL: spannerSelect + ` WHERE aggregate_type = @aggregateType AND aggregate_id = @aggregateID ORDER BY created_at ASC`,
		Params: map[string]interface{}{
			"aggregateType": aggregateType,
			"aggregateID":   aggregateID,
		},
	})
}

func (s *SpannerRepository) FindFailedByEventType(ctx context.Context, eventType string, minRetries int) ([]OutboxEvent, error) {
	return s.query(ctx, "FindFailedByEventType", spanner.Statement{
		SQL: spannerSelect + ` WHERE published = FALSE AND event_type = @eventType AND retry_count >= @minRetries ORDER BY created_at ASC`,
		Params: map[string]interface{}{
			"eventType":  eventType,
			"minRetries": int64(minRetries),
		},
	})
}

func (s *SpannerRepository) Close() error {
	s.client.Close()
	return nil
}

// updateUnpublished reads the row inside a read-write transaction and
// buffers the update built by fn. Published or missing rows yield ErrNotFound.
func (s *SpannerRepository) updateUnpublished(ctx context.Context, spanName, id string, fn func(row *spanner.Row) (map[string]interface{}, error)) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName)
	defer span.End()

	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		row, err := txn.ReadRow(ctx, spannerTable, spanner.Key{id}, []string{"published", "retry_count"})
		if spanner.ErrCode(err) == codes.NotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var published bool
		if err := row.ColumnByName("published", &published); err != nil {
			return err
		}
		if published {
			return ErrNotFound
		}

		values, err := fn(row)
		if err != nil {
			return err
		}
		values["id"] = id
		return txn.BufferWrite([]*spanner.Mutation{spanner.UpdateMap(spannerTable, values)})
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (s *SpannerRepository) query(ctx context.Context, spanName string, stmt spanner.Statement) ([]OutboxEvent, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName)
	defer span.End()
	start := time.Now()

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var events []OutboxEvent
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			span.RecordError(err)
			return nil, err
		}

		event, err := decodeSpannerRow(row)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		events = append(events, event)
	}

	addDBStatsToSpan(span, "spanner", spanName, len(events), time.Since(start))
	return events, nil
}

func (s *SpannerRepository) count(ctx context.Context, stmt spanner.Statement) (int64, error) {
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err != nil {
		return 0, err
	}
	var n int64
	if err := row.Columns(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func decodeSpannerRow(row *spanner.Row) (OutboxEvent, error) {
	var (
		event       OutboxEvent
		publishedAt spanner.NullTime
		retryCount  int64
		lastError   spanner.NullString
	)
	if err := row.Columns(
		&event.ID,
		&event.AggregateType,
		&event.AggregateID,
		&event.EventType,
		&event.Payload,
		&event.Topic,
		&event.PartitionKey,
		&event.CreatedAt,
		&event.Published,
		&publishedAt,
		&retryCount,
		&lastError); err != nil {
		return OutboxEvent{}, err
	}
	if publishedAt.Valid {
		t := publishedAt.Time
		event.PublishedAt = &t
	}
	event.RetryCount = int(retryCount)
	event.LastError = lastError.StringVal
	return event, nil
}

func insertMutation(event *OutboxEvent) *spanner.Mutation {
	return spanner.InsertMap(spannerTable, map[string]interface{}{
		"id":             event.ID,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID,
		"event_type":     event.EventType,
		"payload":        event.Payload,
		"topic":          event.Topic,
		"partition_key":  event.PartitionKey,
		"created_at":     event.CreatedAt,
		"published":      false,
		"retry_count":    int64(0),
	})
}
