package consumer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zoff-tech/go-stock-outbox/pkg/events"
	"github.com/zoff-tech/go-stock-outbox/pkg/ledger"
	"github.com/zoff-tech/go-stock-outbox/pkg/search"
	"github.com/zoff-tech/go-stock-outbox/pkg/stock"
)

// ProductSource is the system of record the index is rebuilt from.
type ProductSource interface {
	GetProduct(ctx context.Context, productID string) (*stock.Product, error)
}

// ProductSyncHandler applies product.sync events to the search index.
type ProductSyncHandler struct {
	ledger   ledger.Ledger
	products ProductSource
	index    search.Index
	logger   *zap.Logger
}

func NewProductSyncHandler(l ledger.Ledger, products ProductSource, index search.Index, logger *zap.Logger) *ProductSyncHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProductSyncHandler{ledger: l, products: products, index: index, logger: logger}
}

func (h *ProductSyncHandler) Handle(ctx context.Context, msg Message) error {
	return h.Process(ctx, msg.Key, msg.Value, msg.Headers)
}

// Process applies one product.sync payload. It is also the entry point of
// the dead-letter reprocessor.
func (h *ProductSyncHandler) Process(ctx context.Context, _ string, payload []byte, _ map[string]string) error {
	evt, err := events.DecodeProductSync(payload)
	if err != nil {
		return err
	}

	done, err := h.ledger.IsProcessed(ctx, evt.EventID)
	if err != nil {
		return err
	}
	if done {
		h.logger.Warn("Event already processed, skipping", zap.String("event_id", evt.EventID))
		return nil
	}

	if err := h.apply(ctx, evt); err != nil {
		h.logger.Error("Failed to sync product to search index",
			zap.String("event_type", string(evt.EventType)),
			zap.String("product_id", evt.ProductID),
			zap.Error(err))
		if lerr := h.ledger.RecordFailure(ctx, evt.EventID, string(evt.EventType), evt.ProductID, err); lerr != nil {
			h.logger.Error("Failed to record failed event", zap.String("event_id", evt.EventID), zap.Error(lerr))
		}
		return err
	}

	if err := h.ledger.RecordSuccess(ctx, evt.EventID, string(evt.EventType), evt.ProductID); err != nil {
		return err
	}
	h.logger.Info("Successfully processed product event",
		zap.String("event_type", string(evt.EventType)),
		zap.String("product_id", evt.ProductID))
	return nil
}

func (h *ProductSyncHandler) apply(ctx context.Context, evt events.ProductSync) error {
	switch evt.EventType {
	case events.ProductCreated, events.ProductUpdated:
		p, err := h.products.GetProduct(ctx, evt.ProductID)
		if err != nil {
			return err
		}
		if err := h.index.Upsert(ctx, toDocument(p)); err != nil {
			return err
		}
		return h.index.Refresh(ctx)
	case events.ProductDeleted:
		return h.index.Delete(ctx, evt.ProductID)
	default:
		return events.NonRetryable(fmt.Errorf("unknown product event type %q", evt.EventType))
	}
}

func toDocument(p *stock.Product) search.Document {
	return search.Document{
		ID:            p.ID,
		Name:          p.Name,
		Description:   p.Description,
		Price:         p.Price,
		Category:      p.Category,
		StockQuantity: p.StockQuantity,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}
