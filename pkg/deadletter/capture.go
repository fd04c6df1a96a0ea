package deadletter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-stock-outbox/pkg/config"
	"github.com/zoff-tech/go-stock-outbox/pkg/consumer"
	"github.com/zoff-tech/go-stock-outbox/pkg/events"
	"github.com/zoff-tech/go-stock-outbox/pkg/store"
)

// Capture stores every message read from a dead-letter topic as a PENDING
// FailedEvent.
type Capture struct {
	repo   Repository
	policy Policy
	cfg    config.DeadLetterSettings
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

func NewCapture(repo Repository, cfg config.DeadLetterSettings, logger *zap.Logger) *Capture {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Capture{
		repo:   repo,
		policy: PolicyFrom(cfg),
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// PolicyFrom reads the retry policy out of the dead-letter settings.
func PolicyFrom(cfg config.DeadLetterSettings) Policy {
	return Policy{MaxRetries: cfg.MaxRetries, BaseDelay: cfg.BaseDelay, MaxDelay: cfg.MaxDelay, Lease: cfg.StuckAfter}
}

// Handle implements consumer.Handler. A storage failure is returned so the
// dead-letter message is delivered again.
func (c *Capture) Handle(ctx context.Context, msg consumer.Message) error {
	event := c.newFailedEvent(msg)
	if err := c.repo.Insert(ctx, event); err != nil {
		c.logger.Error("Failed to store dead-lettered message",
			zap.String("topic", msg.Topic),
			zap.String("key", msg.Key),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		return fmt.Errorf("store failed event from %s: %w", msg.Topic, err)
	}
	c.logger.Warn("Dead-lettered message captured for reprocessing",
		zap.String("failed_event_id", event.ID),
		zap.String("original_topic", event.OriginalTopic),
		zap.String("key", event.EventKey),
		zap.String("exception", event.ExceptionMessage),
		zap.Time("next_retry_at", *event.NextRetryAt),
	)
	return nil
}

func (c *Capture) newFailedEvent(msg consumer.Message) *FailedEvent {
	now := c.now().UTC()
	event := &FailedEvent{
		ID:               c.newID(),
		OriginalTopic:    originalTopic(msg),
		EventKey:         msg.Key,
		EventID:          msg.Headers[events.HeaderEventID],
		EventPayload:     string(msg.Value),
		ExceptionMessage: store.Truncate(msg.Headers[events.HeaderDLTExceptionMessage], c.cfg.ExceptionCap),
		StackTrace:       store.Truncate(msg.Headers[events.HeaderDLTExceptionTrace], c.cfg.StackTraceCap),
		Status:           StatusPending,
		MaxRetries:       c.policy.MaxRetries,
		CreatedAt:        now,
	}
	event.schedule(now, c.policy)
	return event
}

// originalTopic prefers the header written by the forwarding consumer and
// falls back to the dead-letter topic name without its suffix.
func originalTopic(msg consumer.Message) string {
	if t := msg.Headers[events.HeaderDLTOriginalTopic]; t != "" {
		return t
	}
	if t, err := events.ParseTopic(msg.Topic); err == nil {
		return t.String()
	}
	return strings.TrimSuffix(msg.Topic, ".dlq")
}
