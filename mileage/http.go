/*
Package mileage provides billing.MileageProvider implementations.

PURPOSE:
  Job creation needs the roundtrip distance between the adjuster's origin
  and the claim address. The engine treats every provider as fallible and
  substitutes an estimate on error or timeout, so providers only need to
  report failures honestly.

PROVIDERS:
  - HTTPProvider: JSON distance service (production)
  - Table:        Fixed origin/destination pairs (demos, tests, offline use)

SEE ALSO:
  - billing/mileage.go: Fallback and rounding rules
  - config:             [mileage] section selects the provider
*/
package mileage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/claims-billing/billing"
)

// =============================================================================
// HTTP PROVIDER
// =============================================================================

// HTTPProvider queries a distance service:
//
//	GET {baseURL}?origin=...&destination=...&roundtrip=true
//	X-API-Key: {apiKey}
//
//	200 {"miles": 45.2, "route": "I-95 N"}
type HTTPProvider struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

type distanceResponse struct {
	Miles *decimal.Decimal `json:"miles"`
	Route string           `json:"route"`
}

// NewHTTPProvider creates a provider. timeout bounds each request on top of
// the caller's context deadline; zero keeps only the context.
func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration) (*HTTPProvider, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("mileage service url is empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid mileage service url: %w", err)
	}
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// Roundtrip implements billing.MileageProvider.
func (p *HTTPProvider) Roundtrip(ctx context.Context, origin, destination string) (billing.Mileage, error) {
	if strings.TrimSpace(origin) == "" || strings.TrimSpace(destination) == "" {
		return billing.Mileage{}, errors.New("origin and destination are required")
	}

	params := url.Values{}
	params.Set("origin", origin)
	params.Set("destination", destination)
	params.Set("roundtrip", "true")

	endpoint := p.baseURL
	if strings.Contains(endpoint, "?") {
		endpoint += "&" + params.Encode()
	} else {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return billing.Mileage{}, err
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("X-API-Key", p.apiKey)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return billing.Mileage{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return billing.Mileage{}, fmt.Errorf("distance service error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed distanceResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return billing.Mileage{}, fmt.Errorf("decode distance response: %w", err)
	}
	if parsed.Miles == nil {
		return billing.Mileage{}, errors.New("distance response has no miles")
	}

	return billing.Mileage{Miles: *parsed.Miles, RouteDetails: parsed.Route}, nil
}
