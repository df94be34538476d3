package mileage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/claims-billing/billing"
)

// ErrRouteNotFound is returned by Table for a pair it doesn't know.
var ErrRouteNotFound = errors.New("route not found")

// Route is one entry of a mileage table file.
type Route struct {
	Origin      string          `json:"origin"`
	Destination string          `json:"destination"`
	Miles       decimal.Decimal `json:"miles"`
	Route       string          `json:"route,omitempty"`
}

// Table answers lookups from a fixed set of routes. Lookups ignore case and
// surrounding whitespace and work in both directions.
type Table struct {
	routes map[string]Route
}

func NewTable(routes ...Route) *Table {
	t := &Table{routes: make(map[string]Route, len(routes))}
	for _, r := range routes {
		t.routes[routeKey(r.Origin, r.Destination)] = r
	}
	return t
}

// LoadTable reads a JSON array of routes.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mileage table: %w", err)
	}
	var routes []Route
	if err := json.Unmarshal(data, &routes); err != nil {
		return nil, fmt.Errorf("decode mileage table %s: %w", path, err)
	}
	for i, r := range routes {
		if r.Miles.IsNegative() {
			return nil, fmt.Errorf("mileage table %s: route %d has negative miles", path, i)
		}
	}
	return NewTable(routes...), nil
}

func (t *Table) Len() int { return len(t.routes) }

// Roundtrip implements billing.MileageProvider.
func (t *Table) Roundtrip(ctx context.Context, origin, destination string) (billing.Mileage, error) {
	if err := ctx.Err(); err != nil {
		return billing.Mileage{}, err
	}
	r, ok := t.routes[routeKey(origin, destination)]
	if !ok {
		r, ok = t.routes[routeKey(destination, origin)]
	}
	if !ok {
		return billing.Mileage{}, fmt.Errorf("%w: %q -> %q", ErrRouteNotFound, origin, destination)
	}
	return billing.Mileage{Miles: r.Miles, RouteDetails: r.Route}, nil
}

func routeKey(origin, destination string) string {
	norm := func(s string) string { return strings.ToLower(strings.Join(strings.Fields(s), " ")) }
	return norm(origin) + "|" + norm(destination)
}
