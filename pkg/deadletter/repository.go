package deadletter

import (
	"context"
	"database/sql"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-stock-outbox/pkg/store"
	"github.com/zoff-tech/go-stock-outbox/pkg/telemetry"
)

// Stats counts failed events per status.
type Stats map[Status]int64

// Repository persists FailedEvent rows.
type Repository interface {
	Insert(ctx context.Context, event *FailedEvent) error
	// ClaimReady locks up to limit retryable rows due at now, applies claim to
	// each and saves them before the lock is released. Rows locked by another
	// instance are skipped.
	ClaimReady(ctx context.Context, now time.Time, limit int, claim func(*FailedEvent) error) ([]FailedEvent, error)
	Save(ctx context.Context, event *FailedEvent) error
	Get(ctx context.Context, id string) (*FailedEvent, error)
	// FindStuck returns RETRYING rows whose last attempt started before threshold.
	FindStuck(ctx context.Context, threshold time.Time) ([]FailedEvent, error)
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context) (Stats, error)
}

const failedColumns = `id, original_topic, event_key, event_id, event_payload, exception_message, stack_trace,
       status, retry_count, max_retries, next_retry_at, last_retry_at, created_at, processed_at, processing_notes`

type PostgresRepository struct {
	db     *sql.DB
	tracer trace.Tracer
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, tracer: otel.Tracer(telemetry.InstrumentationName)}
}

func (r *PostgresRepository) Insert(ctx context.Context, e *FailedEvent) error {
	ctx, span := r.tracer.Start(ctx, "InsertFailedEvent")
	defer span.End()

	_, err := store.Conn(ctx, r.db).ExecContext(ctx,
		`INSERT INTO failed_events (`+failedColumns+`)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.ID, e.OriginalTopic, e.EventKey, e.EventID, e.EventPayload, e.ExceptionMessage, e.StackTrace,
		string(e.Status), e.RetryCount, e.MaxRetries, e.NextRetryAt, e.LastRetryAt, e.CreatedAt, e.ProcessedAt,
		e.ProcessingNotes)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (r *PostgresRepository) ClaimReady(ctx context.Context, now time.Time, limit int, claim func(*FailedEvent) error) ([]FailedEvent, error) {
	ctx, span := r.tracer.Start(ctx, "ClaimReadyFailedEvents")
	defer span.End()

	var claimed []FailedEvent
	err := store.RunInTx(ctx, r.db, func(ctx context.Context, tx *sql.Tx) error {
		events, err := r.query(ctx, tx,
			`SELECT `+failedColumns+` FROM failed_events
             WHERE status IN ('PENDING', 'RETRYING') AND next_retry_at <= $1
             ORDER BY next_retry_at ASC LIMIT $2
             FOR UPDATE SKIP LOCKED`, now, limit)
		if err != nil {
			return err
		}
		for i := range events {
			if err := claim(&events[i]); err != nil {
				return err
			}
			if err := save(ctx, tx, &events[i]); err != nil {
				return err
			}
		}
		claimed = events
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("eventsCount", len(claimed)))
	return claimed, nil
}

func (r *PostgresRepository) Save(ctx context.Context, e *FailedEvent) error {
	ctx, span := r.tracer.Start(ctx, "SaveFailedEvent")
	defer span.End()

	if err := save(ctx, store.Conn(ctx, r.db), e); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func save(ctx context.Context, db store.DBTX, e *FailedEvent) error {
	res, err := db.ExecContext(ctx,
		`UPDATE failed_events
            SET status = $1, retry_count = $2, next_retry_at = $3, last_retry_at = $4,
                processed_at = $5, processing_notes = $6
          WHERE id = $7`,
		string(e.Status), e.RetryCount, e.NextRetryAt, e.LastRetryAt, e.ProcessedAt, e.ProcessingNotes, e.ID)
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

func (r *PostgresRepository) Get(ctx context.Context, id string) (*FailedEvent, error) {
	events, err := r.query(ctx, store.Conn(ctx, r.db),
		`SELECT `+failedColumns+` FROM failed_events WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return &events[0], nil
}

func (r *PostgresRepository) FindStuck(ctx context.Context, threshold time.Time) ([]FailedEvent, error) {
	return r.query(ctx, store.Conn(ctx, r.db),
		`SELECT `+failedColumns+` FROM failed_events
         WHERE status = 'RETRYING' AND last_retry_at < $1
         ORDER BY last_retry_at ASC`, threshold)
}

func (r *PostgresRepository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "DeleteProcessedFailedEvents")
	defer span.End()

	res, err := store.Conn(ctx, r.db).ExecContext(ctx,
		`DELETE FROM failed_events WHERE status = 'PROCESSED' AND processed_at < $1`, cutoff)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresRepository) Stats(ctx context.Context) (Stats, error) {
	rows, err := store.Conn(ctx, r.db).QueryContext(ctx,
		`SELECT status, COUNT(*) FROM failed_events GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(Stats, len(Statuses()))
	for _, s := range Statuses() {
		stats[s] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats[Status(status)] = n
	}
	return stats, rows.Err()
}

func (r *PostgresRepository) query(ctx context.Context, db store.DBTX, stmt string, args ...any) ([]FailedEvent, error) {
	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []FailedEvent
	for rows.Next() {
		var (
			e                                     FailedEvent
			status                                string
			key, eventID, exception, stack, notes sql.NullString
			nextRetryAt, lastRetryAt, processedAt sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.OriginalTopic, &key, &eventID, &e.EventPayload, &exception, &stack,
			&status, &e.RetryCount, &e.MaxRetries, &nextRetryAt, &lastRetryAt, &e.CreatedAt, &processedAt,
			&notes); err != nil {
			return nil, err
		}
		e.Status = Status(status)
		e.EventKey = key.String
		e.EventID = eventID.String
		e.ExceptionMessage = exception.String
		e.StackTrace = stack.String
		e.ProcessingNotes = notes.String
		e.NextRetryAt = timePtr(nextRetryAt)
		e.LastRetryAt = timePtr(lastRetryAt)
		e.ProcessedAt = timePtr(processedAt)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
