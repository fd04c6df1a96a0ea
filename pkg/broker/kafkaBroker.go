package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/zoff-tech/go-stock-outbox/pkg/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger) (MessageBroker, error)

var NewKafkaBroker KafkaBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, logger *zap.Logger) (MessageBroker, error) {
	if len(settings.Brokers) == 0 {
		return nil, fmt.Errorf("kafka broker requires at least one bootstrap address")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(settings.Brokers...),
		Balancer:     &kafka.Hash{},
		WriteTimeout: settings.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		Logger:       kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Debug(fmt.Sprintf(msg, args...)) }),
		ErrorLogger:  kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Error(fmt.Sprintf(msg, args...)) }),
	}
	return newKafkaBroker(writer, settings.WriteTimeout, logger), nil
}

type kafkaBroker struct {
	writer  messageWriter
	timeout time.Duration
	logger  *zap.Logger
}

func newKafkaBroker(writer messageWriter, timeout time.Duration, logger *zap.Logger) *kafkaBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &kafkaBroker{writer: writer, timeout: timeout, logger: logger}
}

func (k *kafkaBroker) Publish(ctx context.Context, msg Message) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("kafka"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(msg.Topic),
			attribute.String("messaging.kafka.message_key", msg.Key),
		),
	)
	defer span.End()

	headers := headersWithTrace(ctx, msg.Headers)
	record := kafka.Message{
		Topic: msg.Topic,
		Key:   []byte(msg.Key),
		Value: msg.Value,
	}
	for key, value := range headers {
		record.Headers = append(record.Headers, kafka.Header{Key: key, Value: []byte(value)})
	}

	produceCtx := ctx
	if k.timeout > 0 {
		var cancel context.CancelFunc
		produceCtx, cancel = context.WithTimeout(ctx, k.timeout)
		defer cancel()
	}

	if err := k.writer.WriteMessages(produceCtx, record); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to produce message to Kafka: %w", err)
	}

	span.SetAttributes(attribute.Int("messaging.message_payload_size_bytes", len(msg.Value)))
	k.logger.Debug("Message produced to Kafka successfully",
		zap.String("topic", msg.Topic),
		zap.String("key", msg.Key),
	)
	return nil
}

func (k *kafkaBroker) Close() error {
	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka producer: %w", err)
	}
	return nil
}
