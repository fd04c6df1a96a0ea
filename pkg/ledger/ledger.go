package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/zoff-tech/go-stock-outbox/pkg/store"
)

// ErrorCap bounds the stored error message.
const ErrorCap = 500

type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Entry is one processed-event row.
type Entry struct {
	EventID      string
	EventType    string
	AggregateID  string
	ProcessedAt  time.Time
	Status       Status
	ErrorMessage string
}

// Ledger records which events a consumer has already applied.
type Ledger interface {
	// IsProcessed reports whether eventID was applied successfully. FAILED
	// rows do not count so the event can still be recovered.
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	RecordSuccess(ctx context.Context, eventID, eventType, aggregateID string) error
	RecordFailure(ctx context.Context, eventID, eventType, aggregateID string, cause error) error
}

// PostgresLedger stores entries in processed_events. Writes join the
// transaction bound to ctx when there is one.
type PostgresLedger struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db, now: time.Now}
}

func (l *PostgresLedger) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := store.Conn(ctx, l.db).QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1 AND status = 'SUCCESS')`,
		eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check processed event %s: %w", eventID, err)
	}
	return exists, nil
}

// RecordSuccess inserts a SUCCESS row, promoting an earlier FAILED one.
func (l *PostgresLedger) RecordSuccess(ctx context.Context, eventID, eventType, aggregateID string) error {
	_, err := store.Conn(ctx, l.db).ExecContext(ctx,
		`INSERT INTO processed_events (event_id, event_type, aggregate_id, processed_at, status, error_message)
         VALUES ($1, $2, $3, $4, 'SUCCESS', NULL)
         ON CONFLICT (event_id) DO UPDATE
            SET status = 'SUCCESS', processed_at = EXCLUDED.processed_at, error_message = NULL
          WHERE processed_events.status = 'FAILED'`,
		eventID, eventType, aggregateID, l.now().UTC())
	if err != nil {
		return fmt.Errorf("record processed event %s: %w", eventID, err)
	}
	return nil
}

// RecordFailure inserts or refreshes a FAILED row. A SUCCESS row is never
// downgraded.
func (l *PostgresLedger) RecordFailure(ctx context.Context, eventID, eventType, aggregateID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = store.Truncate(cause.Error(), ErrorCap)
	}
	_, err := store.Conn(ctx, l.db).ExecContext(ctx,
		`INSERT INTO processed_events (event_id, event_type, aggregate_id, processed_at, status, error_message)
         VALUES ($1, $2, $3, $4, 'FAILED', $5)
         ON CONFLICT (event_id) DO UPDATE
            SET processed_at = EXCLUDED.processed_at, error_message = EXCLUDED.error_message
          WHERE processed_events.status = 'FAILED'`,
		eventID, eventType, aggregateID, l.now().UTC(), msg)
	if err != nil {
		return fmt.Errorf("record failed event %s: %w", eventID, err)
	}
	return nil
}

// Get returns the ledger row for eventID, or nil when there is none.
func (l *PostgresLedger) Get(ctx context.Context, eventID string) (*Entry, error) {
	var (
		e      Entry
		status string
		errMsg sql.NullString
	)
	err := store.Conn(ctx, l.db).QueryRowContext(ctx,
		`SELECT event_id, event_type, aggregate_id, processed_at, status, error_message
           FROM processed_events WHERE event_id = $1`, eventID).
		Scan(&e.EventID, &e.EventType, &e.AggregateID, &e.ProcessedAt, &status, &errMsg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get processed event %s: %w", eventID, err)
	}
	e.Status = Status(status)
	e.ErrorMessage = errMsg.String
	return &e, nil
}
