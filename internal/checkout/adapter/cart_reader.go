// Package adapter implements the checkout service's collaborator ports
// against the internal HTTP APIs of the cart and catalog services.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/1cbyc/ecom-api/internal/checkout"
)

const maxBodySize = 1 << 20

// CartHTTPReader reads a user's cart from the cart service.
type CartHTTPReader struct {
	baseURL string
	client  *http.Client
}

func NewCartHTTPReader(baseURL string, timeout time.Duration) *CartHTTPReader {
	return &CartHTTPReader{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type cartResponse struct {
	Items []checkout.CartItem `json:"items"`
}

// GetCart returns the cart rows for userID. A user the cart service has
// never seen is an empty cart, not an error.
func (r *CartHTTPReader) GetCart(ctx context.Context, userID uuid.UUID) ([]checkout.CartItem, error) {
	endpoint := fmt.Sprintf("%s/internal/carts/%s", r.baseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build cart request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cart service: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("cart service: unexpected status %d", resp.StatusCode)
	}

	var body cartResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode cart: %w", err)
	}
	return body.Items, nil
}
