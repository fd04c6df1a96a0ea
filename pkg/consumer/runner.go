package consumer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zoff-tech/go-stock-outbox/pkg/broker"
	"github.com/zoff-tech/go-stock-outbox/pkg/config"
	"github.com/zoff-tech/go-stock-outbox/pkg/events"
	"github.com/zoff-tech/go-stock-outbox/pkg/store"
	"github.com/zoff-tech/go-stock-outbox/pkg/telemetry"
)

const (
	fetchErrorPause = time.Second
	stackTraceLimit = 5000
)

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// RunnerConfig describes one consumer group subscription.
type RunnerConfig struct {
	Brokers  []string
	Topic    string
	GroupID  string
	Settings config.ConsumerSettings
}

// Runner consumes one topic with a pool of group members. A message is
// committed only after the handler succeeded or the message was forwarded
// to the dead-letter topic.
type Runner struct {
	cfg       RunnerConfig
	handler   Handler
	dlq       broker.MessageBroker
	logger    *zap.Logger
	tracer    trace.Tracer
	newReader func() reader
}

// NewRunner builds a runner. With a nil dlq, failing messages are retried
// until they succeed or the runner stops.
func NewRunner(cfg RunnerConfig, handler Handler, dlq broker.MessageBroker, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("topic", cfg.Topic), zap.String("group_id", cfg.GroupID))
	r := &Runner{
		cfg:     cfg,
		handler: handler,
		dlq:     dlq,
		logger:  logger,
		tracer:  otel.Tracer(telemetry.InstrumentationName),
	}
	r.newReader = func() reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       cfg.Topic,
			GroupID:     cfg.GroupID,
			MinBytes:    1,
			MaxBytes:    10e6,
			StartOffset: kafka.FirstOffset,
			ErrorLogger: kafka.LoggerFunc(logger.Sugar().Errorf),
		})
	}
	return r
}

// Run blocks until ctx is cancelled or a worker fails to commit.
func (r *Runner) Run(ctx context.Context) error {
	workers := r.cfg.Settings.Concurrency
	if workers < 1 {
		workers = 1
	}
	r.logger.Info("Kafka consumer started", zap.Int("workers", workers), zap.Bool("dead_letter", r.dlq != nil))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		worker := i
		g.Go(func() error {
			return r.work(ctx, worker)
		})
	}
	err := g.Wait()
	r.logger.Info("Kafka consumer stopped")
	return err
}

func (r *Runner) work(ctx context.Context, worker int) error {
	rd := r.newReader()
	defer func() {
		if err := rd.Close(); err != nil {
			r.logger.Error("Failed to close Kafka reader", zap.Int("worker", worker), zap.Error(err))
		}
	}()

	for {
		m, err := rd.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("Error fetching message from Kafka", zap.Int("worker", worker), zap.Error(err))
			if !sleep(ctx, fetchErrorPause) {
				return nil
			}
			continue
		}

		if err := r.process(ctx, fromKafka(m)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := rd.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d of %s[%d]: %w", m.Offset, m.Topic, m.Partition, err)
		}
		r.logger.Debug("Committed message offset",
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset))
	}
}

// process returns nil once the message may be committed.
func (r *Runner) process(ctx context.Context, msg Message) error {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Headers))
	ctx, span := r.tracer.Start(ctx, "ConsumeMessage", trace.WithAttributes(
		attribute.String("messaging.destination", msg.Topic),
		attribute.Int("messaging.kafka.partition", msg.Partition),
		attribute.Int64("messaging.kafka.offset", msg.Offset),
	))
	defer span.End()

	err := r.handleWithRetry(ctx, msg)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if r.dlq == nil {
		// Only non-retryable failures get here without a dead-letter topic.
		r.logger.Error("Dropping message that can never be processed",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}
	return r.forwardToDeadLetter(ctx, msg, err)
}

func (r *Runner) handleWithRetry(ctx context.Context, msg Message) error {
	s := r.cfg.Settings
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.InitialBackoff
	exp.MaxInterval = s.MaxBackoff
	exp.MaxElapsedTime = 0

	var policy backoff.BackOff = exp
	if r.dlq != nil {
		attempts := s.MaxAttempts
		if attempts < 1 {
			attempts = 1
		}
		policy = backoff.WithMaxRetries(exp, uint64(attempts-1))
	}

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := r.handleOnce(ctx, msg)
		if err == nil {
			return nil
		}
		r.logger.Warn("Error handling Kafka message",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if events.IsNonRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

func (r *Runner) handleOnce(ctx context.Context, msg Message) error {
	if t := r.cfg.Settings.HandlerTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	return r.handler.Handle(ctx, msg)
}

// forwardToDeadLetter publishes the raw message to <topic>.dlq with the
// failure context in headers. It retries until the broker accepts it.
func (r *Runner) forwardToDeadLetter(ctx context.Context, msg Message, cause error) error {
	headers := make(map[string]string, len(msg.Headers)+5)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[events.HeaderDLTOriginalTopic] = msg.Topic
	headers[events.HeaderDLTOriginalPartition] = strconv.Itoa(msg.Partition)
	headers[events.HeaderDLTOriginalOffset] = strconv.FormatInt(msg.Offset, 10)
	headers[events.HeaderDLTExceptionMessage] = cause.Error()
	headers[events.HeaderDLTExceptionTrace] = store.Truncate(errorChain(cause), stackTraceLimit)

	out := broker.Message{
		Topic:   deadLetterTopic(msg.Topic),
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.cfg.Settings.InitialBackoff
	exp.MaxInterval = r.cfg.Settings.MaxBackoff
	exp.MaxElapsedTime = 0
	err := backoff.Retry(func() error {
		err := r.dlq.Publish(ctx, out)
		if err != nil {
			r.logger.Error("Failed to forward message to dead-letter topic",
				zap.String("dlq_topic", out.Topic), zap.Error(err))
		}
		return err
	}, backoff.WithContext(exp, ctx))
	if err != nil {
		return err
	}

	r.logger.Error("Message sent to dead-letter topic",
		zap.String("dlq_topic", out.Topic),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Error(cause))
	return nil
}

func deadLetterTopic(topic string) string {
	if t, err := events.ParseTopic(topic); err == nil {
		return t.DeadLetter()
	}
	return topic + ".dlq"
}

// errorChain renders every wrapped error on its own line.
func errorChain(err error) string {
	var b strings.Builder
	for e := err; e != nil; e = errors.Unwrap(e) {
		if b.Len() > 0 {
			b.WriteString("\ncaused by: ")
		}
		fmt.Fprintf(&b, "%T: %v", e, e)
	}
	return b.String()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
