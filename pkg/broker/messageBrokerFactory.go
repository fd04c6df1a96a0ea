package broker

import (
	"context"
	"fmt"

	"github.com/zoff-tech/go-stock-outbox/pkg/config"
	"go.uber.org/zap"
)

func NewBroker(ctx context.Context, cfg *config.BrokerSettings, logger *zap.Logger) (MessageBroker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Type {
	case "kafka":
		return NewKafkaBroker(ctx, cfg, logger)
	case "rabbitmq":
		return NewRabbitMqBroker(ctx, cfg, logger)
	case "pubsub":
		return NewPubSubClient(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}
