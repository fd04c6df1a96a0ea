package store

import (
	"context"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/zoff-tech/go-stock-outbox/pkg/events"
)

// SpannerWriter buffers outbox inserts into the read-write transaction bound
// with WithSpannerTxn. The row becomes visible when that transaction commits.
type SpannerWriter struct {
	now func() time.Time
}

func NewSpannerWriter() *SpannerWriter {
	return &SpannerWriter{now: time.Now}
}

func (w *SpannerWriter) AppendEvent(ctx context.Context, aggregateType, aggregateID, eventType string, payload any, topic events.Topic) (*OutboxEvent, error) {
	txn, ok := spannerTxnFromContext(ctx)
	if !ok {
		return nil, ErrNoActiveTransaction
	}

	event, err := newOutboxEvent(w.now(), aggregateType, aggregateID, eventType, payload, topic)
	if err != nil {
		return nil, err
	}
	if err := txn.BufferWrite([]*spanner.Mutation{insertMutation(event)}); err != nil {
		return nil, err
	}
	return event, nil
}
