// Package webhook receives the payment processor's asynchronous event
// stream and reconciles it with the order store. The processor delivers at
// least once with no ordering promise, so everything here is written to be
// replayed: signature check first, then dedupe, then a guarded transition.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/1cbyc/ecom-api/internal/apperr"
	"github.com/1cbyc/ecom-api/internal/order"
)

// Event is the processor's wire format.
type Event struct {
	EventID string    `json:"eventId"`
	Type    string    `json:"type"`
	Data    EventData `json:"data"`
}

type EventData struct {
	PaymentIntentID string `json:"paymentIntentId"`
	Status          string `json:"status"`
}

// Outcome says what a delivery did. Every outcome except an authentication
// or storage failure is acknowledged to the processor, otherwise it would
// retry events we can never use.
type Outcome string

const (
	// OutcomeApplied means the order moved to the event's target status.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means this event id was already processed, or the
	// order already sits in the target status.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored means the event type is not one we react to.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeOrphaned means no order carries the event's payment intent.
	OutcomeOrphaned Outcome = "orphaned"
	// OutcomeSuperseded means the order has moved somewhere the event's
	// transition no longer applies, e.g. a late failure after a refund.
	OutcomeSuperseded Outcome = "superseded"
	// OutcomeInvalid means the payload was authentic but undecodable or
	// incomplete.
	OutcomeInvalid Outcome = "invalid"
)

type Result struct {
	Outcome Outcome
	EventID string
	OrderID string
}

// OrderStore is the slice of the order service the reconciler needs.
type OrderStore interface {
	GetByPaymentIntent(ctx context.Context, intentID string) (*order.Order, error)
	ApplyPaymentEvent(ctx context.Context, evt order.PaymentEvent) (*order.Order, error)
	WasEventProcessed(ctx context.Context, eventID string) (bool, error)
}

type Reconciler struct {
	secret []byte
	orders OrderStore
	logger *slog.Logger
}

func NewReconciler(secret []byte, orders OrderStore, logger *slog.Logger) *Reconciler {
	return &Reconciler{secret: secret, orders: orders, logger: logger}
}

// interpret maps a processor event type onto an edge of the order state
// machine. ok is false for event types we deliberately do not react to.
func interpret(evt Event) (pe order.PaymentEvent, ok bool) {
	pe = order.PaymentEvent{
		EventID:         evt.EventID,
		EventType:       evt.Type,
		PaymentIntentID: evt.Data.PaymentIntentID,
	}

	switch evt.Type {
	case "payment_intent.succeeded":
		pe.From, pe.To = order.StatusPaymentProcessing, order.StatusPaid
	case "payment_intent.payment_failed":
		pe.From, pe.To = order.StatusPaymentProcessing, order.StatusFailed
		pe.Reason = evt.Data.Status
		if pe.Reason == "" {
			pe.Reason = "payment failed"
		}
	case "payment_intent.canceled":
		pe.From, pe.To = order.StatusPaymentProcessing, order.StatusCancelled
		pe.Reason = "canceled by processor"
	case "charge.refunded":
		pe.From, pe.To = order.StatusPaid, order.StatusRefunded
	default:
		return order.PaymentEvent{}, false
	}
	return pe, true
}

// Handle processes one delivery. The returned error is non-nil only when
// the signature fails or storage is unavailable; in the storage case the
// caller answers with a failure status so the processor redelivers.
func (r *Reconciler) Handle(ctx context.Context, payload []byte, signature string) (Result, error) {
	if err := VerifySignature(r.secret, payload, signature); err != nil {
		r.logger.Warn("webhook signature rejected", "err", err)
		return Result{}, err
	}

	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		r.logger.Warn("authentic webhook payload is not valid json", "err", err)
		return Result{Outcome: OutcomeInvalid}, nil
	}
	if evt.EventID == "" {
		r.logger.Warn("webhook event has no id", "type", evt.Type)
		return Result{Outcome: OutcomeInvalid}, nil
	}

	pe, ok := interpret(evt)
	if !ok {
		r.logger.Info("unhandled webhook event type", "event_id", evt.EventID, "type", evt.Type)
		return Result{Outcome: OutcomeIgnored, EventID: evt.EventID}, nil
	}
	if pe.PaymentIntentID == "" {
		r.logger.Warn("webhook event has no payment intent id", "event_id", evt.EventID, "type", evt.Type)
		return Result{Outcome: OutcomeInvalid, EventID: evt.EventID}, nil
	}

	seen, err := r.orders.WasEventProcessed(ctx, evt.EventID)
	if err != nil {
		return Result{}, fmt.Errorf("check event: %w", err)
	}
	if seen {
		r.logger.Debug("duplicate webhook delivery", "event_id", evt.EventID)
		return Result{Outcome: OutcomeDuplicate, EventID: evt.EventID}, nil
	}

	ord, err := r.orders.ApplyPaymentEvent(ctx, pe)
	switch {
	case err == nil:
		r.logger.Info("payment event applied",
			"event_id", evt.EventID, "type", evt.Type,
			"order_id", ord.ID, "order_number", ord.OrderNumber, "status", ord.Status)
		return Result{Outcome: OutcomeApplied, EventID: evt.EventID, OrderID: ord.ID}, nil

	case errors.Is(err, order.ErrEventAlreadyProcessed):
		// Lost the insert race against a concurrent delivery.
		r.logger.Debug("duplicate webhook delivery", "event_id", evt.EventID)
		return Result{Outcome: OutcomeDuplicate, EventID: evt.EventID}, nil

	case errors.Is(err, order.ErrOrderNotFound):
		r.logger.Warn("webhook for unknown payment intent",
			"event_id", evt.EventID, "type", evt.Type, "payment_intent_id", pe.PaymentIntentID)
		return Result{Outcome: OutcomeOrphaned, EventID: evt.EventID}, nil

	case errors.Is(err, apperr.ErrConflict):
		return r.classifyConflict(ctx, evt, pe), nil

	default:
		return Result{}, fmt.Errorf("apply payment event: %w", err)
	}
}

// classifyConflict decides what a lost compare-and-set means. If the order
// already sits in the event's target status another delivery of the same
// fact won the race, which is success. Anything else is a genuinely
// out-of-order event; it is logged and acknowledged, never applied.
func (r *Reconciler) classifyConflict(ctx context.Context, evt Event, pe order.PaymentEvent) Result {
	ord, err := r.orders.GetByPaymentIntent(ctx, pe.PaymentIntentID)
	if err != nil {
		r.logger.Warn("webhook conflict, order unreadable",
			"event_id", evt.EventID, "type", evt.Type, "payment_intent_id", pe.PaymentIntentID, "err", err)
		return Result{Outcome: OutcomeSuperseded, EventID: evt.EventID}
	}

	if ord.Status == pe.To {
		r.logger.Debug("webhook event already reflected",
			"event_id", evt.EventID, "order_id", ord.ID, "status", ord.Status)
		return Result{Outcome: OutcomeDuplicate, EventID: evt.EventID, OrderID: ord.ID}
	}

	r.logger.Warn("webhook event superseded by current order state",
		"event_id", evt.EventID, "type", evt.Type,
		"order_id", ord.ID, "order_status", ord.Status,
		"event_from", pe.From, "event_to", pe.To)
	return Result{Outcome: OutcomeSuperseded, EventID: evt.EventID, OrderID: ord.ID}
}
