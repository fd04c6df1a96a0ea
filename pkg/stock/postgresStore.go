package stock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/zoff-tech/go-stock-outbox/pkg/store"
)

// PostgresStore implements Store with SELECT ... FOR UPDATE row locks.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// InTx binds the transaction to ctx so outbox appends join it.
func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return store.RunInTx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, &postgresTx{tx: tx})
	})
}

// GetProduct reads a product without locking it.
func (s *PostgresStore) GetProduct(ctx context.Context, productID string) (*Product, error) {
	return scanProduct(store.Conn(ctx, s.db).QueryRowContext(ctx,
		`SELECT id, name, description, price, category, stock_quantity, created_at, updated_at
           FROM products WHERE id = $1`, productID), productID)
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) LockOrder(ctx context.Context, orderID string) (*Order, error) {
	order := &Order{}
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, status, stock_updated FROM orders WHERE id = $1 FOR UPDATE`, orderID).
		Scan(&order.ID, &order.Status, &order.StockUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock order %s: %w", orderID, err)
	}

	rows, err := t.tx.QueryContext(ctx,
		`SELECT product_id, quantity FROM order_items WHERE order_id = $1 ORDER BY product_id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load items of order %s: %w", orderID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var item OrderItem
		if err := rows.Scan(&item.ProductID, &item.Quantity); err != nil {
			return nil, err
		}
		order.Items = append(order.Items, item)
	}
	return order, rows.Err()
}

func (t *postgresTx) LockProduct(ctx context.Context, productID string) (*Product, error) {
	return scanProduct(t.tx.QueryRowContext(ctx,
		`SELECT id, name, description, price, category, stock_quantity, created_at, updated_at
           FROM products WHERE id = $1 FOR UPDATE`, productID), productID)
}

func scanProduct(row *sql.Row, productID string) (*Product, error) {
	p := &Product{}
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Category, &p.StockQuantity, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	if err != nil {
		return nil, fmt.Errorf("load product %s: %w", productID, err)
	}
	return p, nil
}

func (t *postgresTx) SaveStock(ctx context.Context, productID string, quantity int, updatedAt time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE products SET stock_quantity = $1, updated_at = $2 WHERE id = $3`,
		quantity, updatedAt, productID)
	if err != nil {
		return err
	}
	return expectOne(res, ErrProductNotFound, productID)
}

func (t *postgresTx) MarkStockUpdated(ctx context.Context, orderID string) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE orders SET stock_updated = true, updated_at = NOW() WHERE id = $1`, orderID)
	if err != nil {
		return fmt.Errorf("mark order %s stock updated: %w", orderID, err)
	}
	return expectOne(res, ErrOrderNotFound, orderID)
}

func expectOne(res sql.Result, notFound error, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", notFound, id)
	}
	return nil
}
