package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	AggregateOrder     = "ORDER"
	EventTypeOrderPaid = "ORDER_PAID"
)

// OrderPaid is the body published when an order settles payment.
type OrderPaid struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	TotalValue  string     `json:"totalValue,omitempty"`
	PaymentDate *time.Time `json:"paymentDate,omitempty"`
}

// DecodeOrderPaid parses an order.paid body and validates the order id.
func DecodeOrderPaid(payload []byte) (OrderPaid, error) {
	var evt OrderPaid
	if err := json.Unmarshal(payload, &evt); err != nil {
		return OrderPaid{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := uuid.Parse(evt.ID); err != nil {
		return OrderPaid{}, fmt.Errorf("%w: order id %q: %v", ErrMalformed, evt.ID, err)
	}
	return evt, nil
}

// OrderPaidEventID prefers the outbox id carried in the headers and falls
// back to one derived from the order id.
func OrderPaidEventID(headers map[string]string, orderID string) string {
	if id := headers[HeaderEventID]; id != "" {
		return id
	}
	return EventTypeOrderPaid + ":" + orderID
}
