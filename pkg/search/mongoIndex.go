package search

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-stock-outbox/pkg/config"
	"github.com/zoff-tech/go-stock-outbox/pkg/telemetry"
)

// MongoIndex keeps product documents in a MongoDB collection. Writes are
// visible on acknowledgement, so Refresh has nothing to do.
type MongoIndex struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *zap.Logger
}

func NewMongoIndex(ctx context.Context, cfg config.SearchSettings, logger *zap.Logger) (*MongoIndex, error) {
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.Username != "" {
		opts.SetAuth(options.Credential{Username: cfg.Username, Password: cfg.Password})
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	idx := newMongoIndex(client.Database(cfg.Database).Collection(cfg.Index), logger)
	idx.client = client
	return idx, nil
}

func newMongoIndex(collection *mongo.Collection, logger *zap.Logger) *MongoIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MongoIndex{collection: collection, logger: logger}
}

func (m *MongoIndex) Upsert(ctx context.Context, doc Document) error {
	ctx, span := otel.Tracer(telemetry.InstrumentationName).Start(ctx, "MongoIndex.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "mongodb"), attribute.String("document.id", doc.ID))

	_, err := m.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("upsert document %s: %w", doc.ID, err)
	}
	m.logger.Debug("Product indexed", zap.String("product_id", doc.ID), zap.Int("stock_quantity", doc.StockQuantity))
	return nil
}

func (m *MongoIndex) Delete(ctx context.Context, id string) error {
	ctx, span := otel.Tracer(telemetry.InstrumentationName).Start(ctx, "MongoIndex.Delete")
	defer span.End()

	res, err := m.collection.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		m.logger.Warn("Product not found in search index for deletion", zap.String("product_id", id))
	}
	return nil
}

func (m *MongoIndex) Refresh(context.Context) error { return nil }

func (m *MongoIndex) Close(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	return m.client.Disconnect(ctx)
}
