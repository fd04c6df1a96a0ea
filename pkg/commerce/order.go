package commerce

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zoff-tech/go-stock-outbox/pkg/events"
	"github.com/zoff-tech/go-stock-outbox/pkg/stock"
	"github.com/zoff-tech/go-stock-outbox/pkg/store"
)

// OrderStatus is the payment state of an order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderPaid      OrderStatus = "PAID"
	OrderCancelled OrderStatus = "CANCELLED"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderPaid, OrderCancelled:
		return true
	}
	return false
}

// CanPay reports whether an order in this state accepts a payment.
func (s OrderStatus) CanPay() bool { return s == OrderPending }

// ErrOrderNotPayable is returned when paying an order that is not PENDING.
var ErrOrderNotPayable = errors.New("order cannot be paid")

type Order struct {
	ID          string
	UserID      string
	TotalValue  string
	Status      OrderStatus
	PaymentDate *time.Time
	UpdatedAt   time.Time
}

// PayOrder settles a PENDING order and records the order.paid event in the
// same transaction.
func (s *Service) PayOrder(ctx context.Context, orderID string) (*Order, error) {
	var paid *Order
	err := store.RunInTx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		order := &Order{}
		var (
			status      string
			paymentDate sql.NullTime
		)
		err := tx.QueryRowContext(ctx,
			`SELECT id, user_id, total_value, status, payment_date, updated_at
               FROM orders WHERE id = $1 FOR UPDATE`, orderID).
			Scan(&order.ID, &order.UserID, &order.TotalValue, &status, &paymentDate, &order.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", stock.ErrOrderNotFound, orderID)
		}
		if err != nil {
			return fmt.Errorf("load order %s: %w", orderID, err)
		}
		order.Status = OrderStatus(status)
		if !order.Status.CanPay() {
			return fmt.Errorf("%w: current status %s", ErrOrderNotPayable, order.Status)
		}

		now := s.now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE orders SET status = $1, payment_date = $2, updated_at = $2 WHERE id = $3`,
			string(OrderPaid), now, orderID); err != nil {
			return fmt.Errorf("mark order %s paid: %w", orderID, err)
		}
		order.Status = OrderPaid
		order.PaymentDate = &now
		order.UpdatedAt = now

		if _, err := s.outbox.AppendEvent(ctx, events.AggregateOrder, order.ID, events.EventTypeOrderPaid, events.OrderPaid{
			ID:          order.ID,
			Status:      string(order.Status),
			TotalValue:  order.TotalValue,
			PaymentDate: order.PaymentDate,
		}, events.TopicOrderPaid); err != nil {
			return err
		}
		paid = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Order paid", zap.String("order_id", paid.ID), zap.String("total_value", paid.TotalValue))
	return paid, nil
}
