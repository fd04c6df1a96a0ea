package store

import (
	"time"

	"github.com/zoff-tech/go-stock-outbox/pkg/events"
)

// OutboxEvent represents an event stored in the outbox table.
type OutboxEvent struct {
	ID            string     `json:"id"`
	AggregateType string     `json:"aggregate_type"`
	AggregateID   string     `json:"aggregate_id"`
	EventType     string     `json:"event_type"`
	Payload       []byte     `json:"payload"`
	Topic         string     `json:"topic"`
	PartitionKey  string     `json:"partition_key"`
	CreatedAt     time.Time  `json:"created_at"`
	Published     bool       `json:"published"`
	PublishedAt   *time.Time `json:"published_at,omitempty"`
	RetryCount    int        `json:"retry_count"`
	LastError     string     `json:"last_error,omitempty"`
}

// Headers carries the outbox identity alongside the payload so consumers can
// key their idempotency ledger on it.
func (e *OutboxEvent) Headers() map[string]string {
	return map[string]string{
		events.HeaderEventID:       e.ID,
		events.HeaderEventType:     e.EventType,
		events.HeaderAggregateType: e.AggregateType,
		events.HeaderAggregateID:   e.AggregateID,
	}
}

// Stats is the operator-facing summary of the outbox.
type Stats struct {
	Unpublished int64 `json:"unpublished"`
	Failed      int64 `json:"failed"`
}
