package commerce

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-stock-outbox/pkg/stock"
	"github.com/zoff-tech/go-stock-outbox/pkg/store"
)

const (
	orderID   = "7a1c4f0e-4a57-4d1c-9a3e-0f3f9c1b2d01"
	userID    = "c2d7e9a1-0000-4f00-8000-000000000001"
	productID = "0b8f2c6e-1111-4c3a-8d2b-5a6b7c8d9e01"
)

var productColumns = []string{"id", "name", "description", "price", "category", "stock_quantity", "created_at", "updated_at"}

func newService(t *testing.T) (*Service, sqlmock.Sqlmock, time.Time) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewService(db, store.NewWriter(), nil)
	s.now = func() time.Time { return now }
	s.newID = func() string { return productID }
	return s, mock, now
}

func keyboard() ProductInput {
	return ProductInput{
		Name:          "Keyboard",
		Description:   "Mechanical",
		Price:         "199.90",
		Category:      "peripherals",
		StockQuantity: 5,
	}
}

func TestPayOrder(t *testing.T) {
	s, mock, now := newService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, user_id, total_value, status, payment_date, updated_at FROM orders WHERE id = \$1 FOR UPDATE`).
		WithArgs(orderID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "total_value", "status", "payment_date", "updated_at"}).
			AddRow(orderID, userID, "399.80", "PENDING", nil, now.Add(-time.Hour)))
	mock.ExpectExec(`UPDATE orders SET status = \$1, payment_date = \$2, updated_at = \$2 WHERE id = \$3`).
		WithArgs("PAID", now, orderID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO outbox_events`).
		WithArgs(sqlmock.AnyArg(), "ORDER", orderID, "ORDER_PAID", sqlmock.AnyArg(), "order.paid", orderID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	order, err := s.PayOrder(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, OrderPaid, order.Status)
	assert.Equal(t, now, *order.PaymentDate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPayOrder_RejectsSettledOrder(t *testing.T) {
	s, mock, now := newService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, user_id, total_value, status, payment_date, updated_at FROM orders`).
		WithArgs(orderID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "total_value", "status", "payment_date", "updated_at"}).
			AddRow(orderID, userID, "399.80", "PAID", now, now))
	mock.ExpectRollback()

	_, err := s.PayOrder(context.Background(), orderID)
	assert.ErrorIs(t, err, ErrOrderNotPayable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPayOrder_MissingOrder(t *testing.T) {
	s, mock, _ := newService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, user_id, total_value, status, payment_date, updated_at FROM orders`).
		WithArgs(orderID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "total_value", "status", "payment_date", "updated_at"}))
	mock.ExpectRollback()

	_, err := s.PayOrder(context.Background(), orderID)
	assert.ErrorIs(t, err, stock.ErrOrderNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPayOrder_OutboxFailureRollsBack(t *testing.T) {
	s, mock, now := newService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, user_id, total_value, status, payment_date, updated_at FROM orders`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "total_value", "status", "payment_date", "updated_at"}).
			AddRow(orderID, userID, "399.80", "PENDING", nil, now))
	mock.ExpectExec(`UPDATE orders SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO outbox_events`).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := s.PayOrder(context.Background(), orderID)
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateProduct(t *testing.T) {
	s, mock, now := newService(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO products \(id, name, description, price, category, stock_quantity, created_at, updated_at\)`).
		WithArgs(productID, "Keyboard", "Mechanical", "199.90", "peripherals", 5, now, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO outbox_events`).
		WithArgs(sqlmock.AnyArg(), "PRODUCT", productID, "CREATED", sqlmock.AnyArg(), "product.sync", productID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	p, err := s.CreateProduct(context.Background(), keyboard())
	require.NoError(t, err)
	assert.Equal(t, productID, p.ID)
	assert.Equal(t, now, p.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateProduct_Validation(t *testing.T) {
	s, mock, _ := newService(t)

	in := keyboard()
	in.Name = ""
	_, err := s.CreateProduct(context.Background(), in)
	assert.ErrorIs(t, err, ErrInvalidProduct)

	in = keyboard()
	in.Price = "0.00"
	_, err = s.CreateProduct(context.Background(), in)
	assert.ErrorIs(t, err, ErrInvalidProduct)

	in = keyboard()
	in.StockQuantity = -1
	_, err = s.CreateProduct(context.Background(), in)
	assert.ErrorIs(t, err, ErrInvalidProduct)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProduct(t *testing.T) {
	s, mock, now := newService(t)
	created := now.Add(-24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, name, description, price, category, stock_quantity, created_at, updated_at FROM products WHERE id = \$1 FOR UPDATE`).
		WithArgs(productID).
		WillReturnRows(sqlmock.NewRows(productColumns).AddRow(productID, "Old", "Old", "99.00", "misc", 1, created, created))
	mock.ExpectExec(`UPDATE products SET name = \$1, description = \$2, price = \$3, category = \$4, stock_quantity = \$5, updated_at = \$6 WHERE id = \$7`).
		WithArgs("Keyboard", "Mechanical", "199.90", "peripherals", 5, now, productID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO outbox_events`).
		WithArgs(sqlmock.AnyArg(), "PRODUCT", productID, "UPDATED", sqlmock.AnyArg(), "product.sync", productID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	p, err := s.UpdateProduct(context.Background(), productID, keyboard())
	require.NoError(t, err)
	assert.Equal(t, created, p.CreatedAt)
	assert.Equal(t, now, p.UpdatedAt)
	assert.Equal(t, 5, p.StockQuantity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteProduct(t *testing.T) {
	s, mock, now := newService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM products WHERE id = \$1 FOR UPDATE`).
		WithArgs(productID).
		WillReturnRows(sqlmock.NewRows(productColumns).AddRow(productID, "Keyboard", "Mechanical", "199.90", "peripherals", 5, now, now))
	mock.ExpectExec(`DELETE FROM products WHERE id = \$1`).
		WithArgs(productID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO outbox_events`).
		WithArgs(sqlmock.AnyArg(), "PRODUCT", productID, "DELETED", sqlmock.AnyArg(), "product.sync", productID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.DeleteProduct(context.Background(), productID))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteProduct_Missing(t *testing.T) {
	s, mock, _ := newService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM products`).
		WithArgs(productID).
		WillReturnRows(sqlmock.NewRows(productColumns))
	mock.ExpectRollback()

	assert.ErrorIs(t, s.DeleteProduct(context.Background(), productID), stock.ErrProductNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderStatus(t *testing.T) {
	assert.True(t, OrderPending.CanPay())
	assert.False(t, OrderPaid.CanPay())
	assert.False(t, OrderCancelled.CanPay())
	assert.True(t, OrderCancelled.Valid())
	assert.False(t, OrderStatus("SHIPPED").Valid())
}
