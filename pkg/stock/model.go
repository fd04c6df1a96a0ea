package stock

import (
	"context"
	"time"
)

// Product carries the fields the reservation and the sync event need.
type Product struct {
	ID            string
	Name          string
	Description   string
	Price         string
	Category      string
	StockQuantity int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type OrderItem struct {
	ProductID string
	Quantity  int
}

type Order struct {
	ID           string
	Status       string
	StockUpdated bool
	Items        []OrderItem
}

// Tx is the view of the relational store inside one reservation.
type Tx interface {
	// LockOrder loads the order with its items and holds its row lock.
	LockOrder(ctx context.Context, orderID string) (*Order, error)
	// LockProduct loads the product and holds its row lock until the
	// transaction ends.
	LockProduct(ctx context.Context, productID string) (*Product, error)
	SaveStock(ctx context.Context, productID string, quantity int, updatedAt time.Time) error
	MarkStockUpdated(ctx context.Context, orderID string) error
}

// Store runs fn in one transaction, committing when it returns nil.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
