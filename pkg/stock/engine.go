package stock

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/go-stock-outbox/pkg/events"
	"github.com/zoff-tech/go-stock-outbox/pkg/store"
	"github.com/zoff-tech/go-stock-outbox/pkg/telemetry"
)

// Result describes what a reservation did.
type Result struct {
	// AlreadyReserved is set when the order had been settled earlier and
	// nothing was changed.
	AlreadyReserved bool
	Products        []Product
}

// Engine decrements stock for paid orders under row locks.
type Engine struct {
	store  Store
	outbox store.EventAppender
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func NewEngine(s Store, outbox store.EventAppender, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:  s,
		outbox: outbox,
		logger: logger,
		tracer: otel.Tracer(telemetry.InstrumentationName),
		now:    time.Now,
	}
}

// ReserveStock decrements every item of the order in one transaction. Either
// all items are decremented and the order is flagged, or nothing changes and
// an *UpdateError is returned. A product.sync UPDATED event per product is
// appended to the outbox in the same transaction.
func (e *Engine) ReserveStock(ctx context.Context, orderID string) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "ReserveStock", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	var res Result
	err := e.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		res = Result{}

		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.StockUpdated {
			res.AlreadyReserved = true
			return nil
		}

		for _, item := range consolidate(order.Items) {
			product, err := e.reserveItem(ctx, tx, item)
			if err != nil {
				return err
			}
			res.Products = append(res.Products, *product)
		}

		return tx.MarkStockUpdated(ctx, order.ID)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("Stock reservation failed", zap.String("order_id", orderID), zap.Error(err))
		return Result{}, &UpdateError{OrderID: orderID, Err: err}
	}

	if res.AlreadyReserved {
		e.logger.Warn("Stock already updated for order, skipping", zap.String("order_id", orderID))
		return res, nil
	}
	e.logger.Info("Stock updated for all products in order",
		zap.String("order_id", orderID),
		zap.Int("products", len(res.Products)),
	)
	return res, nil
}

func (e *Engine) reserveItem(ctx context.Context, tx Tx, item OrderItem) (*Product, error) {
	product, err := tx.LockProduct(ctx, item.ProductID)
	if err != nil {
		return nil, err
	}
	if item.Quantity > product.StockQuantity {
		return nil, &InsufficientStockError{
			ProductID: product.ID,
			Requested: item.Quantity,
			Available: product.StockQuantity,
		}
	}

	product.StockQuantity -= item.Quantity
	product.UpdatedAt = e.now().UTC()
	if err := tx.SaveStock(ctx, product.ID, product.StockQuantity, product.UpdatedAt); err != nil {
		return nil, fmt.Errorf("save stock for product %s: %w", product.ID, err)
	}

	if err := e.appendSync(ctx, product); err != nil {
		return nil, err
	}

	e.logger.Debug("Stock updated for product",
		zap.String("product_id", product.ID),
		zap.Int("reduced_by", item.Quantity),
		zap.Int("stock_quantity", product.StockQuantity),
	)
	return product, nil
}

func (e *Engine) appendSync(ctx context.Context, p *Product) error {
	if e.outbox == nil {
		return nil
	}
	evt := SyncEvent(p, events.ProductUpdated)
	if _, err := e.outbox.AppendEvent(ctx, events.AggregateProduct, p.ID, string(events.ProductUpdated), evt, events.TopicProductSync); err != nil {
		return fmt.Errorf("append product sync event: %w", err)
	}
	return nil
}

// SyncEvent builds the product.sync body for p.
func SyncEvent(p *Product, eventType events.ProductEventType) events.ProductSync {
	evt := events.NewProductSync(p.ID, eventType)
	if eventType == events.ProductDeleted {
		return evt
	}
	qty := p.StockQuantity
	created, updated := p.CreatedAt, p.UpdatedAt
	evt.Name = p.Name
	evt.Description = p.Description
	evt.Price = p.Price
	evt.Category = p.Category
	evt.StockQuantity = &qty
	evt.CreatedAt = &created
	evt.UpdatedAt = &updated
	return evt
}

// consolidate merges repeated products and orders items by product id so
// concurrent reservations take row locks in the same order.
func consolidate(items []OrderItem) []OrderItem {
	byProduct := make(map[string]int, len(items))
	for _, it := range items {
		byProduct[it.ProductID] += it.Quantity
	}
	out := make([]OrderItem, 0, len(byProduct))
	for id, qty := range byProduct {
		out = append(out, OrderItem{ProductID: id, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}
