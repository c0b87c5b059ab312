package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/1cbyc/ecom-api/internal/apperr"
	"github.com/1cbyc/ecom-api/internal/checkout"
)

// CatalogHTTPReader prices products against the catalog service.
type CatalogHTTPReader struct {
	baseURL string
	client  *http.Client
}

func NewCatalogHTTPReader(baseURL string, timeout time.Duration) *CatalogHTTPReader {
	return &CatalogHTTPReader{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// GetProduct fetches the live catalog row. A product the catalog does not
// know is a validation failure, carts referencing it cannot check out.
func (r *CatalogHTTPReader) GetProduct(ctx context.Context, productID string) (checkout.Product, error) {
	endpoint := fmt.Sprintf("%s/internal/products/%s", r.baseURL, url.PathEscape(productID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return checkout.Product{}, fmt.Errorf("build product request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return checkout.Product{}, fmt.Errorf("catalog service: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return checkout.Product{}, fmt.Errorf("%w: unknown product %s", apperr.ErrValidation, productID)
	case resp.StatusCode != http.StatusOK:
		return checkout.Product{}, fmt.Errorf("catalog service: unexpected status %d", resp.StatusCode)
	}

	var p checkout.Product
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&p); err != nil {
		return checkout.Product{}, fmt.Errorf("decode product: %w", err)
	}
	return p, nil
}
