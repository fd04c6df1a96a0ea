package commerce

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/zoff-tech/go-stock-outbox/pkg/events"
	"github.com/zoff-tech/go-stock-outbox/pkg/stock"
	"github.com/zoff-tech/go-stock-outbox/pkg/store"
)

var ErrInvalidProduct = errors.New("invalid product")

// ProductInput is the writable part of a product.
type ProductInput struct {
	Name          string `validate:"required,max=255"`
	Description   string `validate:"required,max=500"`
	Price         string `validate:"required,numeric"`
	Category      string `validate:"required,max=100"`
	StockQuantity int    `validate:"min=0"`
}

func (s *Service) validateProduct(in ProductInput) error {
	if err := s.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProduct, err)
	}
	if price, err := strconv.ParseFloat(in.Price, 64); err != nil || price <= 0 {
		return fmt.Errorf("%w: price must be positive, got %q", ErrInvalidProduct, in.Price)
	}
	return nil
}

// CreateProduct inserts the product and records a CREATED sync event.
func (s *Service) CreateProduct(ctx context.Context, in ProductInput) (*stock.Product, error) {
	if err := s.validateProduct(in); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	p := &stock.Product{
		ID:            s.newID(),
		Name:          in.Name,
		Description:   in.Description,
		Price:         in.Price,
		Category:      in.Category,
		StockQuantity: in.StockQuantity,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := store.RunInTx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO products (id, name, description, price, category, stock_quantity, created_at, updated_at)
             VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			p.ID, p.Name, p.Description, p.Price, p.Category, p.StockQuantity, p.CreatedAt, p.UpdatedAt); err != nil {
			return fmt.Errorf("insert product: %w", err)
		}
		return s.appendSync(ctx, p, events.ProductCreated)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// UpdateProduct overwrites the product and records an UPDATED sync event.
func (s *Service) UpdateProduct(ctx context.Context, productID string, in ProductInput) (*stock.Product, error) {
	if err := s.validateProduct(in); err != nil {
		return nil, err
	}

	var updated *stock.Product
	err := store.RunInTx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		p, err := lockProduct(ctx, tx, productID)
		if err != nil {
			return err
		}
		p.Name = in.Name
		p.Description = in.Description
		p.Price = in.Price
		p.Category = in.Category
		p.StockQuantity = in.StockQuantity
		p.UpdatedAt = s.now().UTC()

		if _, err := tx.ExecContext(ctx,
			`UPDATE products
                SET name = $1, description = $2, price = $3, category = $4, stock_quantity = $5, updated_at = $6
              WHERE id = $7`,
			p.Name, p.Description, p.Price, p.Category, p.StockQuantity, p.UpdatedAt, p.ID); err != nil {
			return fmt.Errorf("update product %s: %w", p.ID, err)
		}
		updated = p
		return s.appendSync(ctx, p, events.ProductUpdated)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteProduct removes the product and records a DELETED sync event.
func (s *Service) DeleteProduct(ctx context.Context, productID string) error {
	return store.RunInTx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		p, err := lockProduct(ctx, tx, productID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, p.ID); err != nil {
			return fmt.Errorf("delete product %s: %w", p.ID, err)
		}
		return s.appendSync(ctx, p, events.ProductDeleted)
	})
}

func (s *Service) appendSync(ctx context.Context, p *stock.Product, eventType events.ProductEventType) error {
	if _, err := s.outbox.AppendEvent(ctx, events.AggregateProduct, p.ID, string(eventType),
		stock.SyncEvent(p, eventType), events.TopicProductSync); err != nil {
		return err
	}
	s.logger.Debug("Saved product sync event to outbox",
		zap.String("product_id", p.ID),
		zap.String("event_type", string(eventType)),
	)
	return nil
}

func lockProduct(ctx context.Context, tx *sql.Tx, productID string) (*stock.Product, error) {
	p := &stock.Product{}
	err := tx.QueryRowContext(ctx,
		`SELECT id, name, description, price, category, stock_quantity, created_at, updated_at
           FROM products WHERE id = $1 FOR UPDATE`, productID).
		Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Category, &p.StockQuantity, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", stock.ErrProductNotFound, productID)
	}
	if err != nil {
		return nil, fmt.Errorf("load product %s: %w", productID, err)
	}
	return p, nil
}
