package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-stock-outbox/pkg/config"
)

var errNotConfirmed = errors.New("rabbitmq did not confirm the publish")

type RabbitMQBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger) (MessageBroker, error)

var NewRabbitMqBroker RabbitMQBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger) (MessageBroker, error) {
	if settings.PoolSize <= 0 {
		return nil, errors.New("poolSize must be greater than 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	broker := &rabbitMqBroker{
		channelPool:     make(chan *pooledChannel, settings.PoolSize),
		settings:        settings,
		logger:          logger,
		reconnectTicker: time.NewTicker(5 * time.Second), // Retry every 5 seconds
		stopReconnect:   make(chan struct{}),
	}

	// Initialize the connection and channel pool
	if err := broker.connectAndInitialize(); err != nil {
		broker.reconnectTicker.Stop()
		return nil, err
	}

	// Start connection recovery in a separate goroutine
	go broker.recoverConnection()

	return broker, nil
}

// rabbitMqBroker publishes each topic to a topic exchange of the same name,
// routed by the partition key. Channels run in confirm mode so Publish can
// wait for the broker ack.
type rabbitMqBroker struct {
	connection      *amqp.Connection
	channelPool     chan *pooledChannel
	mu              sync.Mutex
	settings        *config.BrokerSettings
	logger          *zap.Logger
	reconnectTicker *time.Ticker
	stopReconnect   chan struct{}
}

func (r *rabbitMqBroker) Publish(ctx context.Context, msg Message) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(msg.Topic),
			semconv.MessagingRabbitmqRoutingKeyKey.String(msg.Key),
		),
	)
	defer span.End()

	amqpHeaders := make(amqp.Table)
	for k, v := range headersWithTrace(ctx, msg.Headers) {
		amqpHeaders[k] = v
	}

	pooledChan, err := r.getChannel()
	if err != nil {
		span.RecordError(err)
		return err
	}

	if err := r.publishConfirmed(ctx, pooledChan, msg, amqpHeaders); err != nil {
		// A channel with an outstanding confirm is out of step; drop it.
		pooledChan.channel.Close()
		span.RecordError(err)
		return err
	}
	r.releaseChannel(pooledChan)

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Value)),
	)
	return nil
}

func (r *rabbitMqBroker) publishConfirmed(ctx context.Context, pooledChan *pooledChannel, msg Message, headers amqp.Table) error {
	// ExchangeDeclare is idempotent and has no effect if the exchange is already in place
	err := pooledChan.channel.ExchangeDeclare(
		r.exchangeFor(msg.Topic), // name of the exchange
		"topic",                  // type of the exchange
		true,                     // durable
		false,                    // auto-deleted
		false,                    // internal
		false,                    // no-wait
		nil,                      // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	err = pooledChan.channel.Publish(
		r.exchangeFor(msg.Topic), msg.Key, false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         msg.Value,
			Headers:      headers,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return err
	}

	timeout := r.settings.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case confirm, ok := <-pooledChan.confirms:
		if !ok || !confirm.Ack {
			return errNotConfirmed
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w within %s", errNotConfirmed, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// exchangeFor prefixes the topic with the configured exchange, if any.
func (r *rabbitMqBroker) exchangeFor(topic string) string {
	if r.settings.Exchange == "" {
		return topic
	}
	return r.settings.Exchange + "." + topic
}

func (r *rabbitMqBroker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Stop the connection recovery goroutine
	close(r.stopReconnect)
	r.reconnectTicker.Stop()

	// Close all channels in the pool
	close(r.channelPool)
	for pooledChan := range r.channelPool {
		pooledChan.channel.Close()
	}

	// Close the connection
	if r.connection != nil {
		return r.connection.Close()
	}
	return nil
}
