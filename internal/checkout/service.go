// Package checkout orchestrates the purchase flow: snapshot the cart
// against the catalog, persist a pending order, register the charge with
// the payment processor and link the two. Confirmation of the payment
// itself arrives later over the webhook.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/1cbyc/ecom-api/internal/apperr"
	"github.com/1cbyc/ecom-api/internal/order"
	"github.com/1cbyc/ecom-api/internal/payment"
)

// CartItem is one row of a user's cart as the cart service reports it.
type CartItem struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// CartReader fetches the current cart of a user.
type CartReader interface {
	GetCart(ctx context.Context, userID uuid.UUID) ([]CartItem, error)
}

// Product is the catalog's view of a sellable item. Price is in whole
// currency units (dollars, not cents).
type Product struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Available bool            `json:"available"`
}

// CatalogReader fetches live product data for pricing and availability.
type CatalogReader interface {
	GetProduct(ctx context.Context, productID string) (Product, error)
}

// OrderStore is the slice of the order service the checkout flow needs.
type OrderStore interface {
	Create(ctx context.Context, userID uuid.UUID, currency string, lines []order.LineItem) (*order.Order, error)
	Get(ctx context.Context, orderID uuid.UUID) (*order.Order, error)
	GetByNumber(ctx context.Context, orderNumber string) (*order.Order, error)
	ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]order.Order, int, error)
	AttachPaymentIntent(ctx context.Context, orderID uuid.UUID, intentID string) (*order.Order, error)
	Transition(ctx context.Context, orderID uuid.UUID, from, to order.Status, reason string) (*order.Order, error)
}

// PaymentGateway is the processor client surface used here.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, p payment.CreateIntentParams) (payment.Intent, error)
	RetrieveIntent(ctx context.Context, intentID string) (payment.Intent, error)
	CancelIntent(ctx context.Context, intentID string) (payment.Intent, error)
	Refund(ctx context.Context, intentID string, amount int64, reason string) (payment.Refund, error)
}

// Identity is the authenticated caller. Admins may read and cancel any
// order and are the only callers allowed to issue refunds.
type Identity struct {
	UserID uuid.UUID
	Admin  bool
}

func (id Identity) mayAccess(o *order.Order) error {
	if id.Admin || o.UserID == id.UserID.String() {
		return nil
	}
	return fmt.Errorf("%w: order belongs to another user", apperr.ErrAuthorization)
}

// CheckoutResult is what the frontend needs to continue the payment: the
// order reference plus the processor's client secret.
type CheckoutResult struct {
	OrderID         string       `json:"order_id"`
	OrderNumber     string       `json:"order_number"`
	Status          order.Status `json:"status"`
	PaymentIntentID string       `json:"payment_intent_id"`
	ClientSecret    string       `json:"client_secret"`
	Amount          int64        `json:"amount"`
	Currency        string       `json:"currency"`
}

// PaymentStatusResult pairs our order state with the processor's live view
// of the intent.
type PaymentStatusResult struct {
	OrderID       string         `json:"order_id"`
	OrderStatus   order.Status   `json:"order_status"`
	PaymentIntent payment.Intent `json:"payment_intent"`
}

// OrderPage is one page of a user's order history.
type OrderPage struct {
	Items   []order.Order `json:"items"`
	Total   int           `json:"total"`
	Page    int           `json:"page"`
	PerPage int           `json:"per_page"`
	Pages   int           `json:"pages"`
	HasNext bool          `json:"has_next"`
	HasPrev bool          `json:"has_prev"`
}

const (
	defaultPerPage = 20
	maxPerPage     = 100
)

type Config struct {
	// Currency every order is charged in, lowercase ISO 4217.
	Currency string
	// MaxPriceLookups caps concurrent catalog calls per checkout.
	MaxPriceLookups int
}

type Service struct {
	cart    CartReader
	catalog CatalogReader
	orders  OrderStore
	gateway PaymentGateway
	logger  *slog.Logger
	cfg     Config
}

func NewService(cart CartReader, catalog CatalogReader, orders OrderStore, gateway PaymentGateway, logger *slog.Logger, cfg Config) *Service {
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.MaxPriceLookups <= 0 {
		cfg.MaxPriceLookups = 8
	}
	return &Service{
		cart:    cart,
		catalog: catalog,
		orders:  orders,
		gateway: gateway,
		logger:  logger,
		cfg:     cfg,
	}
}

// InitiateCheckout turns the user's cart into a pending order and registers
// the charge with the processor. If the processor call fails the order stays
// pending without an intent; the user can retry checkout or cancel it.
func (s *Service) InitiateCheckout(ctx context.Context, userID uuid.UUID) (*CheckoutResult, error) {
	items, err := s.cart.GetCart(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read cart: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: cart is empty", apperr.ErrValidation)
	}

	lines, err := s.snapshotLines(ctx, items)
	if err != nil {
		return nil, err
	}

	ord, err := s.orders.Create(ctx, userID, s.cfg.Currency, lines)
	if err != nil {
		return nil, err
	}

	intent, err := s.gateway.CreateIntent(ctx, payment.CreateIntentParams{
		OrderID:     ord.ID,
		OrderNumber: ord.OrderNumber,
		UserID:      ord.UserID,
		Amount:      ord.TotalAmount,
		Currency:    ord.Currency,
	})
	if err != nil {
		s.logger.Warn("payment intent creation failed, order stays pending",
			"order_id", ord.ID, "order_number", ord.OrderNumber, "err", err)
		return nil, err
	}

	oid, err := uuid.Parse(ord.ID)
	if err != nil {
		return nil, fmt.Errorf("parse order id: %w", err)
	}

	// The intent now exists at the processor; losing the link would orphan
	// its webhooks. A dropped request must not cancel the attach.
	updated, err := s.orders.AttachPaymentIntent(context.WithoutCancel(ctx), oid, intent.ID)
	if err != nil {
		return nil, fmt.Errorf("attach payment intent: %w", err)
	}

	return &CheckoutResult{
		OrderID:         updated.ID,
		OrderNumber:     updated.OrderNumber,
		Status:          updated.Status,
		PaymentIntentID: intent.ID,
		ClientSecret:    intent.ClientSecret,
		Amount:          updated.TotalAmount,
		Currency:        updated.Currency,
	}, nil
}

// snapshotLines prices the cart against the live catalog. Lookups run
// concurrently but the result keeps cart order. Any unavailable or
// unpriceable product fails the whole checkout.
func (s *Service) snapshotLines(ctx context.Context, items []CartItem) ([]order.LineItem, error) {
	lines := make([]order.LineItem, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxPriceLookups)
	for i, it := range items {
		g.Go(func() error {
			if it.Quantity <= 0 {
				return fmt.Errorf("%w: product %s has quantity %d in cart", apperr.ErrValidation, it.ProductID, it.Quantity)
			}
			p, err := s.catalog.GetProduct(gctx, it.ProductID)
			if err != nil {
				return err
			}
			if !p.Available {
				return fmt.Errorf("%w: product %s is unavailable", apperr.ErrValidation, it.ProductID)
			}
			cents, err := toCents(p.Price)
			if err != nil {
				return fmt.Errorf("product %s: %w", it.ProductID, err)
			}
			lines[i] = order.LineItem{
				ProductID:   p.ID,
				ProductName: p.Name,
				Quantity:    it.Quantity,
				UnitPrice:   cents,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return lines, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID uuid.UUID, who Identity) (*order.Order, error) {
	ord, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := who.mayAccess(ord); err != nil {
		return nil, err
	}
	return ord, nil
}

func (s *Service) GetOrderByNumber(ctx context.Context, orderNumber string, who Identity) (*order.Order, error) {
	ord, err := s.orders.GetByNumber(ctx, orderNumber)
	if err != nil {
		return nil, err
	}
	if err := who.mayAccess(ord); err != nil {
		return nil, err
	}
	return ord, nil
}

// ListOrders pages through the caller's own order history, newest first.
func (s *Service) ListOrders(ctx context.Context, who Identity, page, perPage int) (*OrderPage, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}

	orders, total, err := s.orders.ListForUser(ctx, who.UserID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, err
	}

	pages := (total + perPage - 1) / perPage
	return &OrderPage{
		Items:   orders,
		Total:   total,
		Page:    page,
		PerPage: perPage,
		Pages:   pages,
		HasNext: page < pages,
		HasPrev: page > 1,
	}, nil
}

// CancelCheckout aborts an order that has not been paid yet. Pending orders
// cancel locally; orders already at the processor void their intent first.
func (s *Service) CancelCheckout(ctx context.Context, orderID uuid.UUID, who Identity) (*order.Order, error) {
	ord, err := s.GetOrder(ctx, orderID, who)
	if err != nil {
		return nil, err
	}

	switch ord.Status {
	case order.StatusPending:
		return s.orders.Transition(ctx, orderID, order.StatusPending, order.StatusCancelled, cancelReason(who))

	case order.StatusPaymentProcessing:
		if _, err := s.gateway.CancelIntent(ctx, ord.PaymentIntentID); err != nil {
			return nil, err
		}
		updated, err := s.orders.Transition(ctx, orderID, order.StatusPaymentProcessing, order.StatusCancelled, cancelReason(who))
		if errors.Is(err, apperr.ErrConflict) {
			// The processor's cancellation webhook may have landed first.
			if cur, gerr := s.orders.Get(ctx, orderID); gerr == nil && cur.Status == order.StatusCancelled {
				return cur, nil
			}
		}
		return updated, err

	default:
		return nil, fmt.Errorf("%w: order is %s and can no longer be cancelled", apperr.ErrConflict, ord.Status)
	}
}

func cancelReason(who Identity) string {
	if who.Admin {
		return "canceled by admin"
	}
	return "canceled by user"
}

// PaymentStatus reads the processor's live view of the order's intent.
func (s *Service) PaymentStatus(ctx context.Context, orderID uuid.UUID, who Identity) (*PaymentStatusResult, error) {
	ord, err := s.GetOrder(ctx, orderID, who)
	if err != nil {
		return nil, err
	}
	if ord.PaymentIntentID == "" {
		return nil, fmt.Errorf("%w: order has no payment intent", apperr.ErrValidation)
	}

	intent, err := s.gateway.RetrieveIntent(ctx, ord.PaymentIntentID)
	if err != nil {
		return nil, err
	}
	return &PaymentStatusResult{
		OrderID:       ord.ID,
		OrderStatus:   ord.Status,
		PaymentIntent: intent,
	}, nil
}

// RefundOrder asks the processor to return the full amount of a paid order.
// The order only moves to refunded once the processor confirms over the
// webhook.
func (s *Service) RefundOrder(ctx context.Context, orderID uuid.UUID, who Identity) (*payment.Refund, error) {
	if !who.Admin {
		return nil, fmt.Errorf("%w: refunds require an admin", apperr.ErrAuthorization)
	}

	ord, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if ord.Status != order.StatusPaid {
		return nil, fmt.Errorf("%w: order is %s, only paid orders can be refunded", apperr.ErrConflict, ord.Status)
	}

	ref, err := s.gateway.Refund(ctx, ord.PaymentIntentID, ord.TotalAmount, "requested_by_customer")
	if err != nil {
		return nil, err
	}
	s.logger.Info("refund requested",
		"order_id", ord.ID, "order_number", ord.OrderNumber, "refund_id", ref.ID, "amount", ref.Amount)
	return &ref, nil
}
