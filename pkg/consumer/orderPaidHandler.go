package consumer

import (
	"context"

	"go.uber.org/zap"

	"github.com/zoff-tech/go-stock-outbox/pkg/events"
	"github.com/zoff-tech/go-stock-outbox/pkg/ledger"
	"github.com/zoff-tech/go-stock-outbox/pkg/stock"
)

// StockReserver is the stock effect of a paid order.
type StockReserver interface {
	ReserveStock(ctx context.Context, orderID string) (stock.Result, error)
}

// OrderPaidHandler reserves stock for order.paid events exactly once per
// event id.
type OrderPaidHandler struct {
	ledger ledger.Ledger
	stock  StockReserver
	logger *zap.Logger
}

func NewOrderPaidHandler(l ledger.Ledger, s StockReserver, logger *zap.Logger) *OrderPaidHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderPaidHandler{ledger: l, stock: s, logger: logger}
}

func (h *OrderPaidHandler) Handle(ctx context.Context, msg Message) error {
	h.logger.Info("Received payment event",
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset))
	return h.Process(ctx, msg.Key, msg.Value, msg.Headers)
}

// Process applies one order.paid payload. It is also the entry point of the
// dead-letter reprocessor.
func (h *OrderPaidHandler) Process(ctx context.Context, _ string, payload []byte, headers map[string]string) error {
	evt, err := events.DecodeOrderPaid(payload)
	if err != nil {
		return err
	}
	eventID := events.OrderPaidEventID(headers, evt.ID)

	done, err := h.ledger.IsProcessed(ctx, eventID)
	if err != nil {
		return err
	}
	if done {
		h.logger.Warn("Event already processed, skipping",
			zap.String("event_id", eventID), zap.String("order_id", evt.ID))
		return nil
	}

	if _, err := h.stock.ReserveStock(ctx, evt.ID); err != nil {
		if lerr := h.ledger.RecordFailure(ctx, eventID, events.EventTypeOrderPaid, evt.ID, err); lerr != nil {
			h.logger.Error("Failed to record failed event", zap.String("event_id", eventID), zap.Error(lerr))
		}
		return err
	}

	if err := h.ledger.RecordSuccess(ctx, eventID, events.EventTypeOrderPaid, evt.ID); err != nil {
		return err
	}
	h.logger.Info("Successfully processed order", zap.String("order_id", evt.ID), zap.String("event_id", eventID))
	return nil
}
