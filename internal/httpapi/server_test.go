package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1cbyc/ecom-api/internal/apperr"
	"github.com/1cbyc/ecom-api/internal/checkout"
	"github.com/1cbyc/ecom-api/internal/order"
	"github.com/1cbyc/ecom-api/internal/payment"
	"github.com/1cbyc/ecom-api/internal/webhook"
)

const testWebhookSecret = "whsec_httpapi_test"

// fakeOrderStore stands in for the database-backed order service on both of
// its consumer surfaces, the checkout flow and the webhook reconciler, with
// the same compare-and-set and inbox behavior.
type fakeOrderStore struct {
	mu        sync.Mutex
	byID      map[string]*order.Order
	processed map[string]bool
	seq       int
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{byID: map[string]*order.Order{}, processed: map[string]bool{}}
}

func copyOrder(o *order.Order) *order.Order {
	cp := *o
	cp.Items = append([]order.LineItem(nil), o.Items...)
	return &cp
}

func (f *fakeOrderStore) Create(ctx context.Context, userID uuid.UUID, currency string, lines []order.LineItem) (*order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++

	var total int64
	items := make([]order.LineItem, len(lines))
	for i, ln := range lines {
		ln.LineTotal = ln.Quantity * ln.UnitPrice
		items[i] = ln
		total += ln.LineTotal
	}
	now := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC).Add(time.Duration(f.seq) * time.Minute)
	o := &order.Order{
		ID:          uuid.New().String(),
		OrderNumber: order.NewOrderNumber(now),
		UserID:      userID.String(),
		Currency:    currency,
		TotalAmount: total,
		Status:      order.StatusPending,
		Items:       items,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	f.byID[o.ID] = o
	return copyOrder(o), nil
}

func (f *fakeOrderStore) Get(ctx context.Context, orderID uuid.UUID) (*order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.byID[orderID.String()]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (f *fakeOrderStore) GetByNumber(ctx context.Context, orderNumber string) (*order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.byID {
		if o.OrderNumber == orderNumber {
			return copyOrder(o), nil
		}
	}
	return nil, order.ErrOrderNotFound
}

func (f *fakeOrderStore) GetByPaymentIntent(ctx context.Context, intentID string) (*order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.byID {
		if o.PaymentIntentID == intentID {
			return copyOrder(o), nil
		}
	}
	return nil, order.ErrOrderNotFound
}

func (f *fakeOrderStore) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]order.Order, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var mine []*order.Order
	for _, o := range f.byID {
		if o.UserID == userID.String() {
			mine = append(mine, o)
		}
	}
	sort.Slice(mine, func(i, j int) bool { return mine[i].CreatedAt.After(mine[j].CreatedAt) })
	total := len(mine)
	if offset >= total {
		return []order.Order{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]order.Order, 0, end-offset)
	for _, o := range mine[offset:end] {
		out = append(out, *copyOrder(o))
	}
	return out, total, nil
}

func (f *fakeOrderStore) AttachPaymentIntent(ctx context.Context, orderID uuid.UUID, intentID string) (*order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.byID[orderID.String()]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	if o.Status != order.StatusPending || o.PaymentIntentID != "" {
		return nil, fmt.Errorf("%w: order is %s", apperr.ErrConflict, o.Status)
	}
	o.PaymentIntentID = intentID
	o.Status = order.StatusPaymentProcessing
	return copyOrder(o), nil
}

func (f *fakeOrderStore) Transition(ctx context.Context, orderID uuid.UUID, from, to order.Status, reason string) (*order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !from.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: order cannot move from %s to %s", apperr.ErrConflict, from, to)
	}
	o, ok := f.byID[orderID.String()]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	if o.Status != from {
		return nil, fmt.Errorf("%w: order is %s, expected %s", apperr.ErrConflict, o.Status, from)
	}
	o.Status = to
	if reason != "" {
		o.FailureReason = reason
	}
	return copyOrder(o), nil
}

func (f *fakeOrderStore) ApplyPaymentEvent(ctx context.Context, pe order.PaymentEvent) (*order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !pe.From.CanTransitionTo(pe.To) {
		return nil, fmt.Errorf("%w: order cannot move from %s to %s", apperr.ErrConflict, pe.From, pe.To)
	}
	if f.processed[pe.EventID] {
		return nil, order.ErrEventAlreadyProcessed
	}
	var target *order.Order
	for _, o := range f.byID {
		if o.PaymentIntentID == pe.PaymentIntentID {
			target = o
			break
		}
	}
	if target == nil {
		return nil, order.ErrOrderNotFound
	}
	if target.Status != pe.From {
		return nil, fmt.Errorf("%w: order is %s, expected %s", apperr.ErrConflict, target.Status, pe.From)
	}
	f.processed[pe.EventID] = true
	target.Status = pe.To
	if pe.Reason != "" {
		target.FailureReason = pe.Reason
	}
	return copyOrder(target), nil
}

func (f *fakeOrderStore) WasEventProcessed(ctx context.Context, eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processed[eventID], nil
}

type staticCart struct {
	items map[uuid.UUID][]checkout.CartItem
}

func (c *staticCart) GetCart(ctx context.Context, userID uuid.UUID) ([]checkout.CartItem, error) {
	return c.items[userID], nil
}

type staticCatalog struct {
	products map[string]checkout.Product
}

func (c *staticCatalog) GetProduct(ctx context.Context, productID string) (checkout.Product, error) {
	p, ok := c.products[productID]
	if !ok {
		return checkout.Product{}, fmt.Errorf("%w: unknown product %s", apperr.ErrValidation, productID)
	}
	return p, nil
}

type stubGateway struct {
	mu  sync.Mutex
	seq int
}

func (g *stubGateway) CreateIntent(ctx context.Context, p payment.CreateIntentParams) (payment.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	id := fmt.Sprintf("pi_http_%d", g.seq)
	return payment.Intent{ID: id, ClientSecret: id + "_secret", Status: "requires_payment_method", Amount: p.Amount, Currency: p.Currency}, nil
}

func (g *stubGateway) RetrieveIntent(ctx context.Context, intentID string) (payment.Intent, error) {
	return payment.Intent{ID: intentID, Status: "processing"}, nil
}

func (g *stubGateway) CancelIntent(ctx context.Context, intentID string) (payment.Intent, error) {
	return payment.Intent{ID: intentID, Status: "canceled"}, nil
}

func (g *stubGateway) Refund(ctx context.Context, intentID string, amount int64, reason string) (payment.Refund, error) {
	return payment.Refund{ID: "re_http_1", Status: "pending", Amount: amount}, nil
}

type apiFixture struct {
	srv    *Server
	store  *fakeOrderStore
	userID uuid.UUID
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	userID := uuid.New()
	store := newFakeOrderStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cart := &staticCart{items: map[uuid.UUID][]checkout.CartItem{
		userID: {
			{ProductID: "p1", Quantity: 2},
			{ProductID: "p2", Quantity: 1},
		},
	}}
	catalog := &staticCatalog{products: map[string]checkout.Product{
		"p1": {ID: "p1", Name: "Mug", Price: decimal.RequireFromString("12.99"), Available: true},
		"p2": {ID: "p2", Name: "Poster", Price: decimal.RequireFromString("5.50"), Available: true},
	}}

	svc := checkout.NewService(cart, catalog, store, &stubGateway{}, logger, checkout.Config{Currency: "usd"})
	rec := webhook.NewReconciler([]byte(testWebhookSecret), store, logger)

	return &apiFixture{
		srv:    NewServer(svc, rec, logger),
		store:  store,
		userID: userID,
	}
}

func (f *apiFixture) do(method, path string, headers map[string]string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) asUser() map[string]string {
	return map[string]string{"X-User-ID": f.userID.String()}
}

func (f *apiFixture) asAdmin() map[string]string {
	return map[string]string{"X-User-ID": uuid.New().String(), "X-User-Role": "admin"}
}

func (f *apiFixture) checkout(t *testing.T) checkout.CheckoutResult {
	t.Helper()
	w := f.do(http.MethodPost, "/checkout", f.asUser(), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res checkout.CheckoutResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	return res
}

func (f *apiFixture) deliverWebhook(t *testing.T, evt webhook.Event) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(evt)
	require.NoError(t, err)
	return f.do(http.MethodPost, "/webhooks/payment", map[string]string{
		webhook.SignatureHeader: webhook.Sign([]byte(testWebhookSecret), body),
	}, body)
}

func TestCheckoutToPaidFlow(t *testing.T) {
	f := newAPIFixture(t)

	res := f.checkout(t)
	assert.Equal(t, int64(2*1299+550), res.Amount)
	assert.Equal(t, order.StatusPaymentProcessing, res.Status)
	assert.NotEmpty(t, res.ClientSecret)
	assert.NotEmpty(t, res.OrderNumber)

	// The processor confirms asynchronously.
	w := f.deliverWebhook(t, webhook.Event{
		EventID: "evt_1",
		Type:    "payment_intent.succeeded",
		Data:    webhook.EventData{PaymentIntentID: res.PaymentIntentID, Status: "succeeded"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var ack map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ack))
	assert.Equal(t, "success", ack["status"])
	assert.Equal(t, "applied", ack["outcome"])

	w = f.do(http.MethodGet, "/orders/"+res.OrderID, f.asUser(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got order.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, order.StatusPaid, got.Status)

	// Replays are acknowledged without a second transition.
	w = f.deliverWebhook(t, webhook.Event{
		EventID: "evt_1",
		Type:    "payment_intent.succeeded",
		Data:    webhook.EventData{PaymentIntentID: res.PaymentIntentID, Status: "succeeded"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ack))
	assert.Equal(t, "duplicate", ack["outcome"])
}

func TestCheckoutIdentityRequired(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodPost, "/checkout", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "X-User-ID")

	w = f.do(http.MethodPost, "/checkout", map[string]string{"X-User-ID": "not-a-uuid"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCheckoutEmptyCart(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(http.MethodPost, "/checkout", map[string]string{"X-User-ID": uuid.New().String()}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "cart is empty")
}

func TestGetOrderAuthz(t *testing.T) {
	f := newAPIFixture(t)
	res := f.checkout(t)

	w := f.do(http.MethodGet, "/orders/"+res.OrderID, map[string]string{"X-User-ID": uuid.New().String()}, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(http.MethodGet, "/orders/"+res.OrderID, f.asAdmin(), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/orders/not-a-uuid", f.asUser(), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, "/orders/"+uuid.New().String(), f.asUser(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetOrderByNumber(t *testing.T) {
	f := newAPIFixture(t)
	res := f.checkout(t)

	w := f.do(http.MethodGet, "/orders/number/"+res.OrderNumber, f.asUser(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got order.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, res.OrderID, got.ID)

	w = f.do(http.MethodGet, "/orders/number/"+res.OrderNumber, map[string]string{"X-User-ID": uuid.New().String()}, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(http.MethodGet, "/orders/number/ORD-20200101-FFFFFFFF", f.asUser(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListOrdersEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.checkout(t)

	w := f.do(http.MethodGet, "/orders?page=1&per_page=10", f.asUser(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page checkout.OrderPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Total)
	assert.Len(t, page.Items, 1)

	w = f.do(http.MethodGet, "/orders?page=abc", f.asUser(), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	res := f.checkout(t)

	w := f.do(http.MethodPost, "/checkout/"+res.OrderID+"/cancel", f.asUser(), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got order.Order
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, order.StatusCancelled, got.Status)

	// A success webhook arriving after cancellation is superseded, not applied.
	w = f.deliverWebhook(t, webhook.Event{
		EventID: "evt_late",
		Type:    "payment_intent.succeeded",
		Data:    webhook.EventData{PaymentIntentID: res.PaymentIntentID, Status: "succeeded"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	var ack map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ack))
	assert.Equal(t, "superseded", ack["outcome"])
}

func TestPaymentStatusEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	res := f.checkout(t)

	w := f.do(http.MethodGet, "/checkout/"+res.OrderID+"/payment", f.asUser(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st checkout.PaymentStatusResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, order.StatusPaymentProcessing, st.OrderStatus)
	assert.Equal(t, "processing", st.PaymentIntent.Status)
}

func TestRefundEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	res := f.checkout(t)

	f.deliverWebhook(t, webhook.Event{
		EventID: "evt_paid",
		Type:    "payment_intent.succeeded",
		Data:    webhook.EventData{PaymentIntentID: res.PaymentIntentID, Status: "succeeded"},
	})

	w := f.do(http.MethodPost, "/orders/"+res.OrderID+"/refund", f.asUser(), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(http.MethodPost, "/orders/"+res.OrderID+"/refund", f.asAdmin(), nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var ref payment.Refund
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ref))
	assert.Equal(t, res.Amount, ref.Amount)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newAPIFixture(t)
	res := f.checkout(t)

	body, err := json.Marshal(webhook.Event{
		EventID: "evt_1",
		Type:    "payment_intent.succeeded",
		Data:    webhook.EventData{PaymentIntentID: res.PaymentIntentID, Status: "succeeded"},
	})
	require.NoError(t, err)

	w := f.do(http.MethodPost, "/webhooks/payment", map[string]string{
		webhook.SignatureHeader: webhook.Sign([]byte("wrong secret"), body),
	}, body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodPost, "/webhooks/payment", nil, body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// The order must be untouched.
	got, err := f.store.GetByPaymentIntent(context.Background(), res.PaymentIntentID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaymentProcessing, got.Status)
}

func TestWebhookOrphanAndUnknownType(t *testing.T) {
	f := newAPIFixture(t)

	w := f.deliverWebhook(t, webhook.Event{
		EventID: "evt_1",
		Type:    "payment_intent.succeeded",
		Data:    webhook.EventData{PaymentIntentID: "pi_nobody", Status: "succeeded"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	var ack map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ack))
	assert.Equal(t, "orphaned", ack["outcome"])

	w = f.deliverWebhook(t, webhook.Event{
		EventID: "evt_2",
		Type:    "customer.created",
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ack))
	assert.Equal(t, "ignored", ack["outcome"])
}
