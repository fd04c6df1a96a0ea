package broker

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const tracerName = "go-stock-outbox"

// Message is one record addressed to a topic. Key is the partition key and
// keeps per-aggregate ordering on brokers that support it.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// MessageBroker defines the operations to publish messages to a broker.
type MessageBroker interface {
	// Publish blocks until the broker acknowledges the message or the
	// configured write timeout elapses.
	Publish(ctx context.Context, msg Message) error
	// Close cleans up any resources (connections).
	Close() error
}

// headersWithTrace copies msg headers and injects the current trace context.
func headersWithTrace(ctx context.Context, headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers)+2)
	for k, v := range headers {
		out[k] = v
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(out))
	return out
}
