// Package payment talks to the external card processor over its HTTP API.
// The processor is the source of truth for payment state; this package only
// creates, inspects, cancels and refunds intents. Confirmation always comes
// back asynchronously through the webhook, never from these calls.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/1cbyc/ecom-api/internal/apperr"
)

// Intent mirrors the processor's payment intent resource. ClientSecret is
// handed to the frontend so it can collect the card details itself; it never
// touches our database.
type Intent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

type Refund struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount int64  `json:"amount"`
}

// CreateIntentParams carries the charge amount plus the metadata the
// processor echoes back in its dashboard and events.
type CreateIntentParams struct {
	OrderID     string
	OrderNumber string
	UserID      string
	Amount      int64
	Currency    string
}

// Gateway is an HTTP client for the processor. With no API key configured it
// runs in simulation mode and fabricates intents locally, which keeps local
// stacks working without processor credentials.
type Gateway struct {
	baseURL  string
	apiKey   string
	client   *http.Client
	logger   *slog.Logger
	simulate bool
}

func NewGateway(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Gateway {
	g := &Gateway{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
		simulate: apiKey == "",
	}
	if g.simulate {
		logger.Warn("no payment gateway api key configured, simulating intents locally")
	}
	return g
}

type createIntentRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type refundRequest struct {
	PaymentIntentID string `json:"payment_intent_id"`
	Amount          int64  `json:"amount"`
	Reason          string `json:"reason,omitempty"`
}

// CreateIntent registers a charge for the given amount with the processor
// and returns the intent the frontend needs to finish the payment.
func (g *Gateway) CreateIntent(ctx context.Context, p CreateIntentParams) (Intent, error) {
	if g.simulate {
		id := "pi_sim_" + randomToken(24)
		return Intent{
			ID:           id,
			ClientSecret: id + "_secret_" + randomToken(16),
			Status:       "requires_payment_method",
			Amount:       p.Amount,
			Currency:     p.Currency,
		}, nil
	}

	req := createIntentRequest{
		Amount:   p.Amount,
		Currency: p.Currency,
		Metadata: map[string]string{
			"order_id":     p.OrderID,
			"order_number": p.OrderNumber,
			"user_id":      p.UserID,
		},
	}
	var out Intent
	if err := g.do(ctx, http.MethodPost, "/v1/payment_intents", req, &out); err != nil {
		return Intent{}, err
	}
	if out.ID == "" || out.ClientSecret == "" {
		return Intent{}, fmt.Errorf("%w: create intent response missing id or client secret", apperr.ErrGateway)
	}
	return out, nil
}

func (g *Gateway) RetrieveIntent(ctx context.Context, intentID string) (Intent, error) {
	if g.simulate {
		return Intent{ID: intentID, Status: "requires_payment_method"}, nil
	}

	var out Intent
	if err := g.do(ctx, http.MethodGet, "/v1/payment_intents/"+intentID, nil, &out); err != nil {
		return Intent{}, err
	}
	return out, nil
}

// CancelIntent asks the processor to void an unconfirmed intent. The
// processor rejects cancellation of captured payments, which surfaces here
// as a gateway error.
func (g *Gateway) CancelIntent(ctx context.Context, intentID string) (Intent, error) {
	if g.simulate {
		return Intent{ID: intentID, Status: "canceled"}, nil
	}

	var out Intent
	if err := g.do(ctx, http.MethodPost, "/v1/payment_intents/"+intentID+"/cancel", struct{}{}, &out); err != nil {
		return Intent{}, err
	}
	return out, nil
}

// Refund returns money for a captured intent. The order itself only moves
// to refunded when the processor confirms via webhook.
func (g *Gateway) Refund(ctx context.Context, intentID string, amount int64, reason string) (Refund, error) {
	if g.simulate {
		return Refund{ID: "re_sim_" + randomToken(24), Status: "succeeded", Amount: amount}, nil
	}

	req := refundRequest{PaymentIntentID: intentID, Amount: amount, Reason: reason}
	var out Refund
	if err := g.do(ctx, http.MethodPost, "/v1/refunds", req, &out); err != nil {
		return Refund{}, err
	}
	return out, nil
}

func (g *Gateway) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", apperr.ErrGateway, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", apperr.ErrGateway, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s %s returned %d: %s", apperr.ErrGateway, method, path, resp.StatusCode, snippet(raw))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%w: decode response: %v", apperr.ErrGateway, err)
		}
	}
	return nil
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 256 {
		return s[:256] + "..."
	}
	return s
}

func randomToken(n int) string {
	hex := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	if n > len(hex) {
		n = len(hex)
	}
	return hex[:n]
}
