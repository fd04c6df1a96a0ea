package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-stock-outbox/pkg/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	sqlOpen       = sql.Open
	retryInterval = 5 * time.Second
)

// Open connects to Postgres, retrying the ping up to cfg.ConnectRetries
// times while the database comes up.
func Open(ctx context.Context, cfg config.DbSettings, logger *zap.Logger) (*sql.DB, error) {
	if cfg.Type != "postgres" {
		return nil, fmt.Errorf("unsupported relational database type: %s", cfg.Type)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sqlOpen("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	attempt := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(retryInterval), uint64(cfg.ConnectRetries)),
		ctx,
	)
	err = backoff.Retry(func() error {
		attempt++
		if err := db.PingContext(ctx); err != nil {
			logger.Warn("Failed to connect to database, retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", cfg.ConnectRetries+1),
				zap.Duration("retry_in", retryInterval),
				zap.Error(err),
			)
			return err
		}
		return nil
	}, policy)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database after %d attempts: %w", attempt, err)
	}

	logger.Info("Connected to PostgreSQL database")
	return db, nil
}

// Migrate applies the embedded schema migrations. dsn must be a postgres://
// URL.
func Migrate(dsn string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			logger.Warn("Failed to close migrate instance", zap.NamedError("source", srcErr), zap.NamedError("database", dbErr))
		}
	}()

	logger.Info("Running database migrations...")
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read migration version: %w", err)
	}
	logger.Info("Database migrations completed", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}
