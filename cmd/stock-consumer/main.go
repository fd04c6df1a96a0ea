package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zoff-tech/go-stock-outbox/pkg/breaker"
	"github.com/zoff-tech/go-stock-outbox/pkg/broker"
	"github.com/zoff-tech/go-stock-outbox/pkg/config"
	"github.com/zoff-tech/go-stock-outbox/pkg/consumer"
	"github.com/zoff-tech/go-stock-outbox/pkg/database"
	"github.com/zoff-tech/go-stock-outbox/pkg/deadletter"
	"github.com/zoff-tech/go-stock-outbox/pkg/events"
	"github.com/zoff-tech/go-stock-outbox/pkg/ledger"
	"github.com/zoff-tech/go-stock-outbox/pkg/logging"
	"github.com/zoff-tech/go-stock-outbox/pkg/scheduler"
	"github.com/zoff-tech/go-stock-outbox/pkg/search"
	"github.com/zoff-tech/go-stock-outbox/pkg/stock"
	"github.com/zoff-tech/go-stock-outbox/pkg/store"
	"github.com/zoff-tech/go-stock-outbox/pkg/telemetry"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadFromFile("./cmd/stock-consumer")
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatal("Failed to initialize logger: ", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Database.Type != "postgres" || cfg.Broker.Type != "kafka" {
		logger.Fatal("Stock consumer requires postgres and kafka",
			zap.String("database", cfg.Database.Type),
			zap.String("broker", cfg.Broker.Type),
		)
	}

	shutdownTelemetry, err := telemetry.Init(cfg.Observability, logger)
	if err != nil {
		logger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer shutdownTelemetry()

	db, err := database.Open(ctx, cfg.Database, logging.Component(logger, "database"))
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	if cfg.Database.Migrate {
		if err := database.Migrate(cfg.Database.DSN, logger); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
	}

	var topics []string
	for _, t := range events.Topics() {
		topics = append(topics, t.String(), t.DeadLetter())
	}
	if err := broker.EnsureKafkaTopics(ctx, cfg.Broker.Brokers, topics, cfg.Broker.Partitions, logger); err != nil {
		logger.Fatal("Failed to provision kafka topics", zap.Error(err))
	}

	breakers := breaker.NewRegistry(cfg.Breaker, logging.Component(logger, "breaker"),
		breaker.WithSuccessful(stock.IsBusinessError))

	index, err := search.NewIndex(ctx, cfg.Search, logging.Component(logger, "search"))
	if err != nil {
		logger.Fatal("Failed to initialize search index", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = index.Close(closeCtx)
	}()
	guarded := search.Guard(index, breakers, config.BreakerSearch)

	// Dead-letter forwarding publishes straight to kafka, outside the outbox.
	dlq, err := broker.NewBroker(ctx, &cfg.Broker, logging.Component(logger, "dlq"))
	if err != nil {
		logger.Fatal("Failed to initialize dead-letter producer", zap.Error(err))
	}
	defer dlq.Close()

	processed := ledger.NewPostgresLedger(db)
	stockStore := stock.NewPostgresStore(db)
	engine := stock.NewEngine(stockStore, store.NewWriter(), logging.Component(logger, "stock"))

	orderPaid := consumer.NewOrderPaidHandler(processed, engine, logging.Component(logger, "order-paid"))
	productSync := consumer.NewProductSyncHandler(processed, stockStore, guarded, logging.Component(logger, "product-sync"))

	failed := deadletter.NewPostgresRepository(db)
	capture := deadletter.NewCapture(failed, cfg.DeadLetter, logging.Component(logger, "dlq-capture"))
	reprocessor := deadletter.NewReprocessor(failed, breakers, cfg.DeadLetter, logging.Component(logger, "reprocessor"))
	reprocessor.Register(events.TopicOrderPaid, config.BreakerDatabase, orderPaid)
	// The search breaker already wraps the index.
	reprocessor.Register(events.TopicProductSync, "", productSync)
	if err := reprocessor.RegisterMetrics(otel.Meter(telemetry.InstrumentationName)); err != nil {
		logger.Warn("Failed to register failed event metrics", zap.Error(err))
	}

	runners := []*consumer.Runner{
		newRunner(cfg, events.TopicOrderPaid.String(), cfg.Consumer.GroupID, orderPaid, dlq, logger),
		newRunner(cfg, events.TopicProductSync.String(), cfg.Consumer.GroupID, productSync, dlq, logger),
		newRunner(cfg, events.TopicOrderPaid.DeadLetter(), cfg.Consumer.DLQGroupID, capture, nil, logger),
		newRunner(cfg, events.TopicProductSync.DeadLetter(), cfg.Consumer.DLQGroupID, capture, nil, logger),
	}

	sched := scheduler.New(logging.Component(logger, "scheduler"))
	jobs := []error{
		sched.Every("failed-event-reprocess", cfg.DeadLetter.ReprocessInterval, func(ctx context.Context) error {
			_, err := reprocessor.ReprocessBatch(ctx)
			return err
		}),
		sched.Every("failed-event-stuck", cfg.DeadLetter.StuckInterval, func(ctx context.Context) error {
			_, err := reprocessor.RescueStuck(ctx)
			return err
		}),
		sched.Cron("failed-event-purge", cfg.DeadLetter.CleanupSchedule, func(ctx context.Context) error {
			_, err := reprocessor.PurgeProcessed(ctx, cfg.DeadLetter.RetentionDays)
			return err
		}),
	}
	for _, err := range jobs {
		if err != nil {
			logger.Fatal("Failed to schedule job", zap.Error(err))
		}
	}
	sched.Start()

	logger.Info("Stock consumer started",
		zap.Strings("topics", topics),
		zap.String("group_id", cfg.Consumer.GroupID),
		zap.String("search", cfg.Search.Type),
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		g.Go(func() error { return r.Run(gctx) })
	}
	if err := g.Wait(); err != nil {
		logger.Error("Consumer stopped with error", zap.Error(err))
	}
	logger.Info("Shutting down stock consumer")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("Scheduler did not stop cleanly", zap.Error(err))
	}
}

func newRunner(cfg *config.Settings, topic, groupID string, h consumer.Handler, dlq broker.MessageBroker, logger *zap.Logger) *consumer.Runner {
	return consumer.NewRunner(consumer.RunnerConfig{
		Brokers:  cfg.Broker.Brokers,
		Topic:    topic,
		GroupID:  groupID,
		Settings: cfg.Consumer,
	}, h, dlq, logging.Component(logger, topic))
}
