package stock

import (
	"errors"
	"fmt"

	"github.com/zoff-tech/go-stock-outbox/pkg/events"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrOrderNotFound     = errors.New("order not found")
	ErrProductNotFound   = errors.New("product not found")
)

// InsufficientStockError reports the product that could not cover an item.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested=%d, available=%d", e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// UpdateError wraps any failure that aborted a reservation.
type UpdateError struct {
	OrderID string
	Err     error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("failed to update stock for order %s: %v", e.OrderID, e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }

// IsBusinessError reports a rejection decided by the data itself. The
// database answered correctly, so circuit breakers treat it as a success.
func IsBusinessError(err error) bool {
	return errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrProductNotFound) ||
		events.IsNonRetryable(err)
}
