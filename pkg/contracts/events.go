// Package contracts holds the event payloads published to the message
// broker. Downstream consumers (inventory, carts, notification senders and
// our own websocket fan-out) decode these, so field names are frozen.
package contracts

import "time"

const (
	EventTypeOrderCreated       = "order.created"
	EventTypeOrderStatusChanged = "order.status_changed"
)

// RoutingKeyOrderCreated is the topic key for freshly created orders.
const RoutingKeyOrderCreated = "order.created"

// RoutingKeyOrderStatus builds the topic key for a status change, e.g.
// "order.status.paid". Consumers bind patterns like "order.status.*" or
// "order.#".
func RoutingKeyOrderStatus(status string) string {
	return "order.status." + status
}

// OrderCreatedEvent announces a new order in status pending.
type OrderCreatedEvent struct {
	EventID     string    `json:"event_id"`
	OrderID     string    `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	UserID      string    `json:"user_id"`
	Currency    string    `json:"currency"`
	TotalAmount int64     `json:"total_amount"`
	CreatedAt   time.Time `json:"created_at"`
}

// OrderLine is the slice of an order that inventory consumers care about.
type OrderLine struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// OrderStatusChangedEvent announces one edge of the order state machine.
// Lines are only populated on the paid edge so that inventory can decrement
// stock and the cart service can clear the purchased cart.
type OrderStatusChangedEvent struct {
	EventID     string      `json:"event_id"`
	OrderID     string      `json:"order_id"`
	OrderNumber string      `json:"order_number"`
	UserID      string      `json:"user_id"`
	FromStatus  string      `json:"from_status"`
	Status      string      `json:"status"`
	Reason      string      `json:"reason,omitempty"`
	Currency    string      `json:"currency"`
	TotalAmount int64       `json:"total_amount"`
	Lines       []OrderLine `json:"lines,omitempty"`
	OccurredAt  time.Time   `json:"occurred_at"`
}
