package search

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zoff-tech/go-stock-outbox/pkg/config"
)

// Document is the searchable projection of a product.
type Document struct {
	ID            string    `json:"id" bson:"_id"`
	Name          string    `json:"name" bson:"name"`
	Description   string    `json:"description" bson:"description"`
	Price         string    `json:"price" bson:"price"`
	Category      string    `json:"category" bson:"category"`
	StockQuantity int       `json:"stockQuantity" bson:"stockQuantity"`
	CreatedAt     time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt" bson:"updatedAt"`
}

// Index is the product search store.
type Index interface {
	// Upsert creates or replaces the document with doc.ID.
	Upsert(ctx context.Context, doc Document) error
	// Delete removes the document. A missing document is not an error.
	Delete(ctx context.Context, id string) error
	// Refresh makes recent writes visible to searches immediately.
	Refresh(ctx context.Context) error
	Close(ctx context.Context) error
}

// NewIndex builds the configured search backend.
func NewIndex(ctx context.Context, cfg config.SearchSettings, logger *zap.Logger) (Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Type {
	case "elasticsearch":
		return NewElasticIndex(cfg, logger)
	case "mongo":
		return NewMongoIndex(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported search type: %s", cfg.Type)
	}
}
