package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1cbyc/ecom-api/internal/apperr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCreateIntent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/payment_intents", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req createIntentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, int64(3148), req.Amount)
		assert.Equal(t, "usd", req.Currency)
		assert.Equal(t, "ord-1", req.Metadata["order_id"])
		assert.Equal(t, "ORD-20260314-DEADBEEF", req.Metadata["order_number"])

		json.NewEncoder(w).Encode(Intent{
			ID:           "pi_123",
			ClientSecret: "pi_123_secret_456",
			Status:       "requires_payment_method",
			Amount:       req.Amount,
			Currency:     req.Currency,
		})
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, "sk_test_123", time.Second, testLogger())
	intent, err := g.CreateIntent(context.Background(), CreateIntentParams{
		OrderID:     "ord-1",
		OrderNumber: "ORD-20260314-DEADBEEF",
		UserID:      "user-1",
		Amount:      3148,
		Currency:    "usd",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", intent.ID)
	assert.Equal(t, "pi_123_secret_456", intent.ClientSecret)
	assert.Equal(t, int64(3148), intent.Amount)
}

func TestCreateIntentProcessorDown(t *testing.T) {
	t.Run("5xx response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
		}))
		defer srv.Close()

		g := NewGateway(srv.URL, "sk_test_123", time.Second, testLogger())
		_, err := g.CreateIntent(context.Background(), CreateIntentParams{Amount: 100, Currency: "usd"})
		assert.True(t, errors.Is(err, apperr.ErrGateway), "got %v", err)
	})

	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()

		g := NewGateway(srv.URL, "sk_test_123", time.Second, testLogger())
		_, err := g.CreateIntent(context.Background(), CreateIntentParams{Amount: 100, Currency: "usd"})
		assert.True(t, errors.Is(err, apperr.ErrGateway), "got %v", err)
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(500 * time.Millisecond)
		}))
		defer srv.Close()

		g := NewGateway(srv.URL, "sk_test_123", 50*time.Millisecond, testLogger())
		_, err := g.CreateIntent(context.Background(), CreateIntentParams{Amount: 100, Currency: "usd"})
		assert.True(t, errors.Is(err, apperr.ErrGateway), "got %v", err)
	})

	t.Run("garbage body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "<html>not json</html>")
		}))
		defer srv.Close()

		g := NewGateway(srv.URL, "sk_test_123", time.Second, testLogger())
		_, err := g.CreateIntent(context.Background(), CreateIntentParams{Amount: 100, Currency: "usd"})
		assert.True(t, errors.Is(err, apperr.ErrGateway), "got %v", err)
	})

	t.Run("missing client secret", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(Intent{ID: "pi_123"})
		}))
		defer srv.Close()

		g := NewGateway(srv.URL, "sk_test_123", time.Second, testLogger())
		_, err := g.CreateIntent(context.Background(), CreateIntentParams{Amount: 100, Currency: "usd"})
		assert.True(t, errors.Is(err, apperr.ErrGateway), "got %v", err)
	})
}

func TestRetrieveAndCancelIntent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/payment_intents/pi_123":
			json.NewEncoder(w).Encode(Intent{ID: "pi_123", Status: "succeeded", Amount: 500, Currency: "usd"})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/payment_intents/pi_123/cancel":
			json.NewEncoder(w).Encode(Intent{ID: "pi_123", Status: "canceled"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, "sk_test_123", time.Second, testLogger())

	intent, err := g.RetrieveIntent(context.Background(), "pi_123")
	require.NoError(t, err)
	assert.Equal(t, "succeeded", intent.Status)
	assert.Equal(t, int64(500), intent.Amount)

	cancelled, err := g.CancelIntent(context.Background(), "pi_123")
	require.NoError(t, err)
	assert.Equal(t, "canceled", cancelled.Status)
}

func TestRefund(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/refunds", r.URL.Path)

		var req refundRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "pi_123", req.PaymentIntentID)
		assert.Equal(t, int64(3148), req.Amount)
		assert.Equal(t, "requested_by_customer", req.Reason)

		json.NewEncoder(w).Encode(Refund{ID: "re_1", Status: "pending", Amount: req.Amount})
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, "sk_test_123", time.Second, testLogger())
	ref, err := g.Refund(context.Background(), "pi_123", 3148, "requested_by_customer")
	require.NoError(t, err)
	assert.Equal(t, "re_1", ref.ID)
	assert.Equal(t, int64(3148), ref.Amount)
}

func TestSimulationMode(t *testing.T) {
	g := NewGateway("http://unused.invalid", "", time.Second, testLogger())

	intent, err := g.CreateIntent(context.Background(), CreateIntentParams{Amount: 999, Currency: "usd"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(intent.ID, "pi_sim_"), "got %s", intent.ID)
	assert.NotEmpty(t, intent.ClientSecret)
	assert.Equal(t, int64(999), intent.Amount)

	other, err := g.CreateIntent(context.Background(), CreateIntentParams{Amount: 999, Currency: "usd"})
	require.NoError(t, err)
	assert.NotEqual(t, intent.ID, other.ID)

	cancelled, err := g.CancelIntent(context.Background(), intent.ID)
	require.NoError(t, err)
	assert.Equal(t, "canceled", cancelled.Status)

	ref, err := g.Refund(context.Background(), intent.ID, 999, "requested_by_customer")
	require.NoError(t, err)
	assert.Equal(t, "succeeded", ref.Status)
}
