package broker

import (
	"context"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/zoff-tech/go-stock-outbox/pkg/config"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
)

// PubSubBrokerCreator defines a function type for creating Pub/Sub clients.
type PubSubBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger, opts ...option.ClientOption) (MessageBroker, error)

// NewPubSubClient is the default implementation of PubSubBrokerCreator.
var NewPubSubClient PubSubBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger, opts ...option.ClientOption) (MessageBroker, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, err
	}
	return &pubSubBroker{
		client:  client,
		timeout: settings.WriteTimeout,
		topics:  make(map[string]*pubsub.Topic),
	}, nil
}

// pubSubBroker maps the partition key onto the Pub/Sub ordering key.
type pubSubBroker struct {
	client  *pubsub.Client
	timeout time.Duration

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func (p *pubSubBroker) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		t.EnableMessageOrdering = true
		p.topics[name] = t
	}
	return t
}

func (p *pubSubBroker) Publish(ctx context.Context, msg Message) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(msg.Topic),
		),
	)
	defer span.End()

	message := &pubsub.Message{
		Data:        msg.Value,
		Attributes:  headersWithTrace(ctx, msg.Headers),
		OrderingKey: msg.Key,
	}

	waitCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	t := p.topic(msg.Topic)
	res := t.Publish(ctx, message)
	if _, err := res.Get(waitCtx); err != nil { // wait for server ack
		// An ordering key is paused after a failure until resumed.
		if msg.Key != "" {
			t.ResumePublish(msg.Key)
		}
		span.RecordError(err)
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Value)),
	)
	return nil
}

func (p *pubSubBroker) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.mu.Unlock()
	return p.client.Close()
}
