package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-stock-outbox/pkg/config"
	"github.com/zoff-tech/go-stock-outbox/pkg/telemetry"
)

type ElasticIndex struct {
	client *elasticsearch.Client
	index  string
	logger *zap.Logger
}

func NewElasticIndex(cfg config.SearchSettings, logger *zap.Logger) (*ElasticIndex, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &ElasticIndex{client: client, index: cfg.Index, logger: logger}, nil
}

func (e *ElasticIndex) Upsert(ctx context.Context, doc Document) error {
	ctx, span := otel.Tracer(telemetry.InstrumentationName).Start(ctx, "ElasticIndex.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "elasticsearch"), attribute.String("document.id", doc.ID))

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document %s: %w", doc.ID, err)
	}

	res, err := e.client.Index(e.index, bytes.NewReader(body),
		e.client.Index.WithContext(ctx),
		e.client.Index.WithDocumentID(doc.ID),
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("index document %s: %w", doc.ID, err)
	}
	if err := checkResponse(res, false); err != nil {
		span.RecordError(err)
		return fmt.Errorf("index document %s: %w", doc.ID, err)
	}

	e.logger.Debug("Product indexed", zap.String("product_id", doc.ID), zap.Int("stock_quantity", doc.StockQuantity))
	return nil
}

func (e *ElasticIndex) Delete(ctx context.Context, id string) error {
	ctx, span := otel.Tracer(telemetry.InstrumentationName).Start(ctx, "ElasticIndex.Delete")
	defer span.End()

	res, err := e.client.Delete(e.index, id, e.client.Delete.WithContext(ctx))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	if res.StatusCode == http.StatusNotFound {
		e.logger.Warn("Product not found in search index for deletion", zap.String("product_id", id))
	}
	if err := checkResponse(res, true); err != nil {
		span.RecordError(err)
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	return nil
}

func (e *ElasticIndex) Refresh(ctx context.Context) error {
	res, err := e.client.Indices.Refresh(
		e.client.Indices.Refresh.WithContext(ctx),
		e.client.Indices.Refresh.WithIndex(e.index),
	)
	if err != nil {
		return fmt.Errorf("refresh index %s: %w", e.index, err)
	}
	if err := checkResponse(res, false); err != nil {
		return fmt.Errorf("refresh index %s: %w", e.index, err)
	}
	return nil
}

func (e *ElasticIndex) Close(context.Context) error { return nil }

func checkResponse(res *esapi.Response, allowNotFound bool) error {
	defer res.Body.Close()
	if !res.IsError() || (allowNotFound && res.StatusCode == http.StatusNotFound) {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
	return fmt.Errorf("elasticsearch status %d: %s", res.StatusCode, bytes.TrimSpace(body))
}
