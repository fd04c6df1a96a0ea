package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cloud.google.com/go/spanner"
	"github.com/zoff-tech/go-stock-outbox/pkg/config"
)

// NewSpannerRepositoryFactory is swappable so tests can point it at an emulator client.
var NewSpannerRepositoryFactory = func(client *spanner.Client) OutBoxRepository {
	return &SpannerRepository{client: client}
}

// NewRepository selects the outbox backend. db is required for postgres and
// ignored for spanner.
func NewRepository(ctx context.Context, cfg config.DbSettings, db *sql.DB) (OutBoxRepository, error) {
	switch cfg.Type {
	case "postgres":
		if db == nil {
			return nil, errors.New("postgres repository requires an open database")
		}
		return NewPostgresRepository(db), nil
	case "spanner":
		client, err := spanner.NewClient(ctx, cfg.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to create spanner client: %w", err)
		}
		return NewSpannerRepositoryFactory(client), nil
	default:
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}
}

// NewAppender returns the writer matching the configured backend.
func NewAppender(cfg config.DbSettings) (EventAppender, error) {
	switch cfg.Type {
	case "postgres":
		return NewWriter(), nil
	case "spanner":
		return NewSpannerWriter(), nil
	default:
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}
}
