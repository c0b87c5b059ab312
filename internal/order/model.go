package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/1cbyc/ecom-api/internal/apperr"
)

// Status is the lifecycle state of an order. Transitions only ever move
// forward through the graph below; terminal states have no exits.
type Status string

const (
	StatusPending           Status = "pending"
	StatusPaymentProcessing Status = "payment_processing"
	StatusPaid              Status = "paid"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
	StatusRefunded          Status = "refunded"
)

var transitions = map[Status][]Status{
	StatusPending:           {StatusPaymentProcessing, StatusCancelled},
	StatusPaymentProcessing: {StatusPaid, StatusFailed, StatusCancelled},
	StatusPaid:              {StatusRefunded},
	StatusFailed:            {},
	StatusCancelled:         {},
	StatusRefunded:          {},
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	next, ok := transitions[s]
	return ok && len(next) == 0
}

// CanTransitionTo reports whether s -> to is a legal edge.
func (s Status) CanTransitionTo(to Status) bool {
	for _, n := range transitions[s] {
		if n == to {
			return true
		}
	}
	return false
}

// LineItem is a priced snapshot of one cart row. Name and unit price are
// copied from the catalog at checkout time and never change afterwards,
// whatever the catalog does later.
type LineItem struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	LineTotal   int64  `json:"line_total"`
}

// Order is the persisted aggregate. Amounts are integer minor units of
// Currency; TotalAmount always equals the sum of the line totals.
type Order struct {
	ID              string     `json:"id"`
	OrderNumber     string     `json:"order_number"`
	UserID          string     `json:"user_id"`
	Currency        string     `json:"currency"`
	TotalAmount     int64      `json:"total_amount"`
	Status          Status     `json:"status"`
	PaymentIntentID string     `json:"payment_intent_id,omitempty"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	Items           []LineItem `json:"items"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// NewOrderNumber builds a human-readable reference like ORD-20260823-1A2B3C4D.
// The suffix comes from a fresh UUID, so collisions within a day are as
// unlikely as UUID prefix collisions; the column still carries a UNIQUE
// constraint to be sure.
func NewOrderNumber(now time.Time) string {
	suffix := strings.ToUpper(uuid.NewString()[:8])
	return fmt.Sprintf("ORD-%s-%s", now.UTC().Format("20060102"), suffix)
}

// normalizeLines validates the priced lines and fills in the derived
// amounts. The returned total is the only amount that is ever charged;
// client-supplied totals are never trusted.
func normalizeLines(lines []LineItem) ([]LineItem, int64, error) {
	if len(lines) == 0 {
		return nil, 0, fmt.Errorf("%w: order has no line items", apperr.ErrValidation)
	}
	out := make([]LineItem, len(lines))
	var total int64
	for i, ln := range lines {
		if ln.ProductID == "" {
			return nil, 0, fmt.Errorf("%w: line %d has no product id", apperr.ErrValidation, i)
		}
		if ln.Quantity <= 0 {
			return nil, 0, fmt.Errorf("%w: product %s has quantity %d", apperr.ErrValidation, ln.ProductID, ln.Quantity)
		}
		if ln.UnitPrice < 0 {
			return nil, 0, fmt.Errorf("%w: product %s has negative unit price", apperr.ErrValidation, ln.ProductID)
		}
		ln.LineTotal = ln.Quantity * ln.UnitPrice
		out[i] = ln
		total += ln.LineTotal
	}
	return out, total, nil
}
