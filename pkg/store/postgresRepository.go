package store

import (
	"context"
	"database/sql"
	"time"

	"go.opentelemetry.io/otel"
)

const outboxColumns = `id, aggregate_type, aggregate_id, event_type, payload, topic, partition_key, created_at, published, published_at, retry_count, last_error`

type PostgresRepository struct {
	db *sql.DB // owned by the caller
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (p *PostgresRepository) FetchUnpublished(ctx context.Context, limit, maxRetries int) ([]OutboxEvent, error) {
	return p.query(ctx, "FetchUnpublished",
		`SELECT `+outboxColumns+` FROM outbox_events
         WHERE published = false AND retry_count < $1
         ORDER BY created_at ASC LIMIT $2`, maxRetries, limit)
}

func (p *PostgresRepository) MarkPublished(ctx context.Context, id string, at time.Time) error {
	return p.withTransaction(ctx, "MarkPublished", func(ctx context.Context, tx *sql.Tx) error {
		return expectOneRow(tx.ExecContext(ctx,
			`UPDATE outbox_events SET published = true, published_at = $1 WHERE id = $2 AND published = false`,
			at, id))
	})
}

func (p *PostgresRepository) RecordFailure(ctx context.Context, id string, lastError string) error {
	return p.withTransaction(ctx, "RecordFailure", func(ctx context.Context, tx *sql.Tx) error {
		return expectOneRow(tx.ExecContext(ctx,
			`UPDATE outbox_events SET retry_count = retry_count + 1, last_error = $1 WHERE id = $2 AND published = false`,
			lastError, id))
	})
}

func (p *PostgresRepository) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := p.withTransaction(ctx, "DeletePublishedBefore", func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM outbox_events WHERE published = true AND published_at < $1`, cutoff)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

func (p *PostgresRepository) CountUnpublished(ctx context.Context) (int64, error) {
	return p.count(ctx, "CountUnpublished", `SELECT COUNT(*) FROM outbox_events WHERE published = false`)
}

func (p *PostgresRepository) CountFailed(ctx context.Context, maxRetries int) (int64, error) {
	return p.count(ctx, "CountFailed",
		`SELECT COUNT(*) FROM outbox_events WHERE published = false AND retry_count >= $1`, maxRetries)
}

func (p *PostgresRepository) FindStuck(ctx context.Context, minRetries int) ([]OutboxEvent, error) {
	return p.query(ctx, "FindStuck",
		`SELECT `+outboxColumns+` FROM outbox_events
         WHERE published = false AND retry_count >= $1
         ORDER BY created_at ASC`, minRetries)
}

func (p *PostgresRepository) FindByAggregate(ctx context.Context, aggregateType, aggregateID string) ([]OutboxEvent, error) {
	return p.query(ctx, "FindByAggregate",
		`SELECT `+outboxColumns+` FROM outbox_events
         WHERE aggregate_type = $1 AND aggregate_id = $2
         ORDER BY created_at ASC`, aggregateType, aggregateID)
}

func (p *PostgresRepository) FindFailedByEventType(ctx context.Context, eventType string, minRetries int) ([]OutboxEvent, error) {
	return p.query(ctx, "FindFailedByEventType",
		`SELECT `+outboxColumns+` FROM outbox_events
         WHERE published = false AND event_type = $1 AND retry_count >= $2
         ORDER BY created_at ASC`, eventType, minRetries)
}

func (p *PostgresRepository) ResetRetry(ctx context.Context, id string) error {
	return p.withTransaction(ctx, "ResetRetry", func(ctx context.Context, tx *sql.Tx) error {
		return expectOneRow(tx.ExecContext(ctx,
			`UPDATE outbox_events SET retry_count = 0, last_error = NULL WHERE id = $1 AND published = false`, id))
	})
}

func (p *PostgresRepository) Close() error {
	return nil
}

func (p *PostgresRepository) query(ctx context.Context, spanName, stmt string, args ...any) ([]OutboxEvent, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName)
	defer span.End()
	start := time.Now()

	rows, err := p.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		var (
			event       OutboxEvent
			publishedAt sql.NullTime
			lastError   sql.NullString
		)
		if err := rows.Scan(&event.ID, &event.AggregateType, &event.AggregateID, &event.EventType,
			&event.Payload, &event.Topic, &event.PartitionKey, &event.CreatedAt, &event.Published,
			&publishedAt, &event.RetryCount, &lastError); err != nil {
			span.RecordError(err)
			return nil, err
		}
		if publishedAt.Valid {
			t := publishedAt.Time
			event.PublishedAt = &t
		}
		event.LastError = lastError.String
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "postgresql", spanName, len(events), time.Since(start))
	return events, nil
}

func (p *PostgresRepository) count(ctx context.Context, spanName, stmt string, args ...any) (int64, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName)
	defer span.End()

	var n int64
	if err := p.db.QueryRowContext(ctx, stmt, args...).Scan(&n); err != nil {
		span.RecordError(err)
		return 0, err
	}
	return n, nil
}

// withTransaction runs fn in the transaction already bound to ctx, or in a
// fresh one that is committed when fn succeeds.
func (p *PostgresRepository) withTransaction(ctx context.Context, spanName string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName)
	defer span.End()
	start := time.Now()

	var err error
	if tx, ok := TxFromContext(ctx); ok {
		err = fn(ctx, tx)
	} else {
		err = RunInTx(ctx, p.db, fn)
	}
	if err != nil {
		span.RecordError(err)
		return err
	}

	addDBStatsToSpan(span, "postgresql", spanName, 1, time.Since(start))
	return nil
}

func expectOneRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
