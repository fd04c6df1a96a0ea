package logging

import (
	"fmt"

	"github.com/zoff-tech/go-stock-outbox/pkg/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Timestamps are ISO8601 under "timestamp".
func New(cfg config.LogSettings) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	if cfg.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapConfig.EncoderConfig.TimeKey = "timestamp"

	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zapConfig.Level = zap.NewAtomicLevelAt(level)
	}

	return zapConfig.Build()
}

// Component returns a child logger tagged with the component name.
// A nil parent yields a no-op logger.
func Component(parent *zap.Logger, name string) *zap.Logger {
	if parent == nil {
		return zap.NewNop()
	}
	return parent.With(zap.String("component", name))
}
