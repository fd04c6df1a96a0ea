package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const AggregateProduct = "PRODUCT"

// ProductEventType is the kind of change a ProductSync describes.
type ProductEventType string

const (
	ProductCreated ProductEventType = "CREATED"
	ProductUpdated ProductEventType = "UPDATED"
	ProductDeleted ProductEventType = "DELETED"
)

func (t ProductEventType) Valid() bool {
	switch t {
	case ProductCreated, ProductUpdated, ProductDeleted:
		return true
	}
	return false
}

// ProductSync keeps the search index in step with the product table.
// Product fields are empty for DELETED.
type ProductSync struct {
	EventID        string           `json:"eventId"`
	ProductID      string           `json:"productId"`
	EventType      ProductEventType `json:"eventType"`
	EventTimestamp time.Time        `json:"eventTimestamp"`
	Name           string           `json:"name,omitempty"`
	Description    string           `json:"description,omitempty"`
	Price          string           `json:"price,omitempty"`
	Category       string           `json:"category,omitempty"`
	StockQuantity  *int             `json:"stockQuantity,omitempty"`
	CreatedAt      *time.Time       `json:"createdAt,omitempty"`
	UpdatedAt      *time.Time       `json:"updatedAt,omitempty"`
}

// NewProductSync stamps a fresh event id and timestamp.
func NewProductSync(productID string, eventType ProductEventType) ProductSync {
	return ProductSync{
		EventID:        uuid.NewString(),
		ProductID:      productID,
		EventType:      eventType,
		EventTimestamp: time.Now().UTC(),
	}
}

// DecodeProductSync parses a product.sync body.
func DecodeProductSync(payload []byte) (ProductSync, error) {
	var evt ProductSync
	if err := json.Unmarshal(payload, &evt); err != nil {
		return ProductSync{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if evt.EventID == "" {
		return ProductSync{}, fmt.Errorf("%w: missing eventId", ErrMalformed)
	}
	if _, err := uuid.Parse(evt.ProductID); err != nil {
		return ProductSync{}, fmt.Errorf("%w: product id %q: %v", ErrMalformed, evt.ProductID, err)
	}
	if !evt.EventType.Valid() {
		return ProductSync{}, fmt.Errorf("%w: event type %q", ErrMalformed, evt.EventType)
	}
	return evt, nil
}
