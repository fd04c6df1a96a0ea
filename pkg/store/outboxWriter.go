package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zoff-tech/go-stock-outbox/pkg/events"
)

// EventAppender records an intent-to-publish inside the caller's open
// transaction. Implementations never perform network I/O to the broker.
type EventAppender interface {
	AppendEvent(ctx context.Context, aggregateType, aggregateID, eventType string, payload any, topic events.Topic) (*OutboxEvent, error)
}

// Writer appends outbox rows through the *sql.Tx bound to the context.
type Writer struct {
	now func() time.Time
}

func NewWriter() *Writer {
	return &Writer{now: time.Now}
}

// AppendEvent inserts one unpublished row. The transaction must have been
// bound with WithTx (or RunInTx); otherwise ErrNoActiveTransaction.
func (w *Writer) AppendEvent(ctx context.Context, aggregateType, aggregateID, eventType string, payload any, topic events.Topic) (*OutboxEvent, error) {
	tx, ok := TxFromContext(ctx)
	if !ok {
		return nil, ErrNoActiveTransaction
	}

	event, err := newOutboxEvent(w.now(), aggregateType, aggregateID, eventType, payload, topic)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO outbox_events (id, aggregate_type, aggregate_id, event_type, payload, topic, partition_key, created_at, published, retry_count)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, 0)`,
		event.ID, event.AggregateType, event.AggregateID, event.EventType, string(event.Payload), event.Topic, event.PartitionKey, event.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert outbox event: %w", err)
	}

	return event, nil
}

func newOutboxEvent(now time.Time, aggregateType, aggregateID, eventType string, payload any, topic events.Topic) (*OutboxEvent, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate outbox id: %w", err)
	}

	return &OutboxEvent{
		ID:            id.String(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       body,
		Topic:         topic.String(),
		PartitionKey:  aggregateID,
		CreatedAt:     now.UTC(),
	}, nil
}

func marshalPayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("serialize outbox payload: %w", err)
	}
	return body, nil
}
