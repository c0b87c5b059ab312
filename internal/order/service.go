package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/1cbyc/ecom-api/internal/apperr"
	"github.com/1cbyc/ecom-api/pkg/contracts"
)

var (
	ErrOrderNotFound = fmt.Errorf("order %w", apperr.ErrNotFound)

	// ErrEventAlreadyProcessed means the payment event id is already in the
	// inbox table, so its transition was applied by an earlier delivery.
	ErrEventAlreadyProcessed = errors.New("payment event already processed")
)

// PaymentEvent is a verified, interpreted webhook event ready to be applied
// to the order that owns the payment intent.
type PaymentEvent struct {
	EventID         string
	EventType       string
	PaymentIntentID string
	From            Status
	To              Status
	Reason          string
}

// querier is the slice of pgx shared by pgxpool.Pool and pgx.Tx that reads
// need, so helpers can run inside or outside a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Service owns all reads and writes of the orders tables. Every state change
// goes through a compare-and-set on the status column; there is no in-process
// locking, so any number of replicas can run against the same database.
type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

const orderCols = `id, order_number, user_id, currency, total_amount, status, COALESCE(payment_intent_id, ''), failure_reason, created_at, updated_at`

func scanOrder(row interface{ Scan(dest ...any) error }) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.OrderNumber, &o.UserID, &o.Currency, &o.TotalAmount,
		&o.Status, &o.PaymentIntentID, &o.FailureReason, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// Create persists a new pending order with its priced line items and stages
// an order.created event in the outbox, all in one transaction. The total is
// recomputed here from the lines; whatever the caller put in LineTotal is
// ignored.
func (s *Service) Create(ctx context.Context, userID uuid.UUID, currency string, lines []LineItem) (*Order, error) {
	norm, total, err := normalizeLines(lines)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	orderID := uuid.New()
	o := &Order{
		ID:          orderID.String(),
		OrderNumber: NewOrderNumber(now),
		UserID:      userID.String(),
		Currency:    currency,
		TotalAmount: total,
		Status:      StatusPending,
		Items:       norm,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO orders (id, order_number, user_id, currency, total_amount, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		orderID, o.OrderNumber, userID, currency, total, StatusPending, now)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	for _, ln := range norm {
		_, err = tx.Exec(ctx,
			`INSERT INTO order_items (order_id, product_id, product_name, quantity, unit_price, line_total)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			orderID, ln.ProductID, ln.ProductName, ln.Quantity, ln.UnitPrice, ln.LineTotal)
		if err != nil {
			return nil, fmt.Errorf("insert order item: %w", err)
		}
	}

	evt := contracts.OrderCreatedEvent{
		EventID:     uuid.New().String(),
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		UserID:      o.UserID,
		Currency:    currency,
		TotalAmount: total,
		CreatedAt:   now,
	}
	if err := insertOutbox(ctx, tx, contracts.EventTypeOrderCreated, contracts.RoutingKeyOrderCreated, evt.EventID, evt); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return o, nil
}

func (s *Service) Get(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	return s.getWhere(ctx, `id = $1`, orderID)
}

func (s *Service) GetByNumber(ctx context.Context, orderNumber string) (*Order, error) {
	return s.getWhere(ctx, `order_number = $1`, orderNumber)
}

// GetByPaymentIntent resolves the order a webhook event belongs to. Intent
// ids are unique per order, enforced by the schema.
func (s *Service) GetByPaymentIntent(ctx context.Context, intentID string) (*Order, error) {
	return s.getWhere(ctx, `payment_intent_id = $1`, intentID)
}

func (s *Service) getWhere(ctx context.Context, where string, arg any) (*Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select order: %w", err)
	}
	if o.Items, err = loadItems(ctx, s.pool, o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

// ListForUser returns one page of the user's orders, newest first, along
// with the total count across all pages.
func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Order, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+orderCols+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var (
		orders []Order
		ids    []string
	)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate orders: %w", err)
	}
	if len(orders) == 0 {
		return []Order{}, total, nil
	}

	itemRows, err := s.pool.Query(ctx,
		`SELECT order_id, product_id, product_name, quantity, unit_price, line_total
		 FROM order_items WHERE order_id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, 0, fmt.Errorf("select order items: %w", err)
	}
	defer itemRows.Close()

	byOrder := make(map[string][]LineItem, len(orders))
	for itemRows.Next() {
		var (
			oid string
			ln  LineItem
		)
		if err := itemRows.Scan(&oid, &ln.ProductID, &ln.ProductName, &ln.Quantity, &ln.UnitPrice, &ln.LineTotal); err != nil {
			return nil, 0, fmt.Errorf("scan order item: %w", err)
		}
		byOrder[oid] = append(byOrder[oid], ln)
	}
	if err := itemRows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate order items: %w", err)
	}
	for i := range orders {
		orders[i].Items = byOrder[orders[i].ID]
	}
	return orders, total, nil
}

// AttachPaymentIntent records the processor's intent id on a pending order
// and moves it to payment_processing in the same statement. The guard
// clauses make the intent id effectively immutable: once set it never
// changes, and an order that already left pending cannot gain one.
func (s *Service) AttachPaymentIntent(ctx context.Context, orderID uuid.UUID, intentID string) (*Order, error) {
	if intentID == "" {
		return nil, fmt.Errorf("%w: empty payment intent id", apperr.ErrValidation)
	}

	now := time.Now().UTC()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := scanOrder(tx.QueryRow(ctx,
		`UPDATE orders SET payment_intent_id = $2, status = $3, updated_at = $4
		 WHERE id = $1 AND status = $5 AND payment_intent_id IS NULL
		 RETURNING `+orderCols,
		orderID, intentID, StatusPaymentProcessing, now, StatusPending))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, describeAttachFailure(ctx, tx, orderID)
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("%w: payment intent %s is attached to another order", apperr.ErrConflict, intentID)
		}
		return nil, fmt.Errorf("attach payment intent: %w", err)
	}

	if o.Items, err = loadItems(ctx, tx, o.ID); err != nil {
		return nil, err
	}

	evt := statusEvent(o, StatusPending, "", nil, now)
	if err := insertOutbox(ctx, tx, contracts.EventTypeOrderStatusChanged, contracts.RoutingKeyOrderStatus(string(o.Status)), evt.EventID, evt); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return o, nil
}

// Transition applies one edge of the status machine with a compare-and-set
// on the current status. Losing the race reports a conflict carrying the
// status the row actually had.
func (s *Service) Transition(ctx context.Context, orderID uuid.UUID, from, to Status, reason string) (*Order, error) {
	if !from.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: order cannot move from %s to %s", apperr.ErrConflict, from, to)
	}

	now := time.Now().UTC()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	o, err := transitionInTx(ctx, tx, `id = $1`, orderID, from, to, reason, now)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, describeCASFailure(ctx, tx, `id = $1`, orderID, from)
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return o, nil
}

// ApplyPaymentEvent is the reconciliation write path. In a single
// transaction it records the event id in the inbox table and applies the
// transition to the order owning the payment intent. If the transition loses
// its compare-and-set the whole transaction rolls back, inbox row included,
// so the event is not marked processed without its effect.
func (s *Service) ApplyPaymentEvent(ctx context.Context, evt PaymentEvent) (*Order, error) {
	if !evt.From.CanTransitionTo(evt.To) {
		return nil, fmt.Errorf("%w: order cannot move from %s to %s", apperr.ErrConflict, evt.From, evt.To)
	}

	now := time.Now().UTC()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO payment_events (event_id, event_type, payment_intent_id, received_at)
		 VALUES ($1, $2, $3, $4) ON CONFLICT (event_id) DO NOTHING`,
		evt.EventID, evt.EventType, evt.PaymentIntentID, now)
	if err != nil {
		return nil, fmt.Errorf("record payment event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Another delivery got here first.
		return nil, ErrEventAlreadyProcessed
	}

	o, err := transitionInTx(ctx, tx, `payment_intent_id = $1`, evt.PaymentIntentID, evt.From, evt.To, evt.Reason, now)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, describeCASFailure(ctx, tx, `payment_intent_id = $1`, evt.PaymentIntentID, evt.From)
		}
		return nil, err
	}

	if _, err := tx.Exec(ctx, `UPDATE payment_events SET order_id = $2 WHERE event_id = $1`, evt.EventID, o.ID); err != nil {
		return nil, fmt.Errorf("link payment event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return o, nil
}

// WasEventProcessed reports whether a payment event id is already in the
// inbox, committed together with its transition.
func (s *Service) WasEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var seen bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payment_events WHERE event_id = $1)`, eventID).Scan(&seen); err != nil {
		return false, fmt.Errorf("check payment event: %w", err)
	}
	return seen, nil
}

// transitionInTx runs the guarded status update plus the outbox insert.
// Callers translate pgx.ErrNoRows into a not-found or conflict error.
func transitionInTx(ctx context.Context, tx pgx.Tx, where string, arg any, from, to Status, reason string, now time.Time) (*Order, error) {
	o, err := scanOrder(tx.QueryRow(ctx,
		`UPDATE orders SET status = $2, failure_reason = CASE WHEN $3 <> '' THEN $3 ELSE failure_reason END, updated_at = $4
		 WHERE `+where+` AND status = $5
		 RETURNING `+orderCols,
		arg, to, reason, now, from))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("transition order: %w", err)
	}

	if o.Items, err = loadItems(ctx, tx, o.ID); err != nil {
		return nil, err
	}

	var lines []contracts.OrderLine
	if to == StatusPaid {
		lines = eventLines(o.Items)
	}
	evt := statusEvent(o, from, reason, lines, now)
	if err := insertOutbox(ctx, tx, contracts.EventTypeOrderStatusChanged, contracts.RoutingKeyOrderStatus(string(to)), evt.EventID, evt); err != nil {
		return nil, err
	}
	return o, nil
}

// describeCASFailure turns a zero-row compare-and-set into an error that
// says what the row actually looked like.
func describeCASFailure(ctx context.Context, q querier, where string, arg any, want Status) error {
	var have Status
	err := q.QueryRow(ctx, `SELECT status FROM orders WHERE `+where, arg).Scan(&have)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrOrderNotFound
	}
	if err != nil {
		return fmt.Errorf("inspect order: %w", err)
	}
	return fmt.Errorf("%w: order is %s, expected %s", apperr.ErrConflict, have, want)
}

func describeAttachFailure(ctx context.Context, q querier, orderID uuid.UUID) error {
	var (
		have   Status
		intent *string
	)
	err := q.QueryRow(ctx, `SELECT status, payment_intent_id FROM orders WHERE id = $1`, orderID).Scan(&have, &intent)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrOrderNotFound
	}
	if err != nil {
		return fmt.Errorf("inspect order: %w", err)
	}
	if intent != nil {
		return fmt.Errorf("%w: order already has payment intent %s", apperr.ErrConflict, *intent)
	}
	return fmt.Errorf("%w: order is %s, expected %s", apperr.ErrConflict, have, StatusPending)
}

func loadItems(ctx context.Context, q querier, orderID string) ([]LineItem, error) {
	rows, err := q.Query(ctx,
		`SELECT product_id, product_name, quantity, unit_price, line_total
		 FROM order_items WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	var items []LineItem
	for rows.Next() {
		var ln LineItem
		if err := rows.Scan(&ln.ProductID, &ln.ProductName, &ln.Quantity, &ln.UnitPrice, &ln.LineTotal); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, ln)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}
	return items, nil
}

func statusEvent(o *Order, from Status, reason string, lines []contracts.OrderLine, at time.Time) contracts.OrderStatusChangedEvent {
	return contracts.OrderStatusChangedEvent{
		EventID:     uuid.New().String(),
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		UserID:      o.UserID,
		FromStatus:  string(from),
		Status:      string(o.Status),
		Reason:      reason,
		Currency:    o.Currency,
		TotalAmount: o.TotalAmount,
		Lines:       lines,
		OccurredAt:  at,
	}
}

func eventLines(items []LineItem) []contracts.OrderLine {
	out := make([]contracts.OrderLine, len(items))
	for i, it := range items {
		out[i] = contracts.OrderLine{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice}
	}
	return out
}

func insertOutbox(ctx context.Context, tx pgx.Tx, eventType, routingKey, eventID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO order_outbox (event_id, event_type, routing_key, payload) VALUES ($1, $2, $3, $4)`,
		eventID, eventType, routingKey, body)
	if err != nil {
		return fmt.Errorf("enqueue %s event: %w", eventType, err)
	}
	return nil
}
