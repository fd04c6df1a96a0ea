package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-stock-outbox/pkg/breaker"
	"github.com/zoff-tech/go-stock-outbox/pkg/broker"
	"github.com/zoff-tech/go-stock-outbox/pkg/config"
	"github.com/zoff-tech/go-stock-outbox/pkg/database"
	"github.com/zoff-tech/go-stock-outbox/pkg/logging"
	"github.com/zoff-tech/go-stock-outbox/pkg/processor"
	"github.com/zoff-tech/go-stock-outbox/pkg/scheduler"
	"github.com/zoff-tech/go-stock-outbox/pkg/store"
	"github.com/zoff-tech/go-stock-outbox/pkg/telemetry"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration from file or environment
	cfg, err := config.LoadFromFile("./cmd/outbox-sidecar")
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatal("Failed to initialize logger: ", err)
	}
	defer func() { _ = logger.Sync() }()

	// Initialize telemetry (tracing and metrics)
	shutdownTelemetry, err := telemetry.Init(cfg.Observability, logger)
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer shutdownTelemetry()

	var db *sql.DB
	if cfg.Database.Type == "postgres" {
		db, err = database.Open(ctx, cfg.Database, logging.Component(logger, "database"))
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		if cfg.Database.Migrate {
			if err := database.Migrate(cfg.Database.DSN, logger); err != nil {
				logger.Fatal("Failed to run migrations", zap.Error(err))
			}
		}
	}

	// Initialize the repository
	repo, err := store.NewRepository(ctx, cfg.Database, db)
	if err != nil {
		logger.Fatal("Failed to initialize repository", zap.Error(err))
	}
	defer repo.Close()

	// Initialize the message broker
	mb, err := broker.NewBroker(ctx, &cfg.Broker, logging.Component(logger, "broker"))
	if err != nil {
		logger.Fatal("Failed to initialize broker", zap.Error(err))
	}
	defer mb.Close()

	breakers := breaker.NewRegistry(cfg.Breaker, logging.Component(logger, "breaker"))
	p := processor.NewOutboxProcessor(repo, mb, breakers, cfg.Outbox, logging.Component(logger, "outbox"))
	if err := p.RegisterMetrics(otel.Meter(telemetry.InstrumentationName)); err != nil {
		logger.Warn("Failed to register outbox metrics", zap.Error(err))
	}

	sched := scheduler.New(logging.Component(logger, "scheduler"))
	jobs := []error{
		sched.Every("outbox-publish", cfg.Outbox.PublishInterval, func(ctx context.Context) error {
			_, err := p.PublishPending(ctx)
			return err
		}),
		sched.Every("outbox-monitor", cfg.Outbox.MonitorInterval, p.Monitor),
		sched.Cron("outbox-cleanup", cfg.Outbox.CleanupSchedule, func(ctx context.Context) error {
			_, err := p.Cleanup(ctx, cfg.Outbox.RetentionDays)
			return err
		}),
	}
	for _, err := range jobs {
		if err != nil {
			logger.Fatal("Failed to schedule job", zap.Error(err))
		}
	}

	sched.Start()
	logger.Info("Outbox sidecar started",
		zap.String("database", cfg.Database.Type),
		zap.String("broker", cfg.Broker.Type),
		zap.Duration("publish_interval", cfg.Outbox.PublishInterval),
	)

	<-ctx.Done()
	logger.Info("Shutting down outbox sidecar")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("Scheduler did not stop cleanly", zap.Error(err))
	}
}
