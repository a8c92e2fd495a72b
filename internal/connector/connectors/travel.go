// Package connectors holds the concrete integrations, each implementing
// connector.Connector. Wire formats and upstream vendor protocols stay
// internal to each file; callers only see connector.Result.
package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mathia-chat/mathia/internal/apierr"
	"github.com/mathia-chat/mathia/internal/connector"
)

// Travel implements the buses/hotels/flights/transfers/events search
// connector. It has no live upstream in this deployment; known routes are
// served from the curated dataset, any other route gets a single generic
// placeholder option, and every result is marked fallback_used, mirroring the
// teacher's pattern of always surfacing a usable result even when the
// bridged service is degraded (pkg/connector/errors.go's
// BridgeStateHumanErrors philosophy of never leaving the user stuck).
type Travel struct {
	dataset map[string][]RouteOption
}

// RouteOption is one curated search result.
type RouteOption struct {
	Origin      string  `json:"origin"`
	Destination string  `json:"destination"`
	Provider    string  `json:"provider"`
	PriceMinor  int64   `json:"price_minor"`
	Currency    string  `json:"currency"`
	DepartsAt   string  `json:"departs_at"`
}

func NewTravel() *Travel {
	return &Travel{dataset: curatedRoutes()}
}

func (t *Travel) Name() string { return "travel" }

var travelActions = map[string]bool{
	"search_buses": true, "search_hotels": true, "search_flights": true,
	"search_transfers": true, "search_events": true,
}

func (t *Travel) Validate(req connector.Request) error {
	if !travelActions[req.Action] {
		return apierr.Newf(apierr.Unsupported, "travel: unsupported action %q", req.Action)
	}
	if pax, ok := req.Params["pax"]; ok {
		n, ok := toInt(pax)
		if !ok || n < 1 {
			return apierr.Newf(apierr.Validation, "travel: pax must be >= 1")
		}
	}
	if date, ok := req.Params["date"].(string); ok && date != "" {
		if _, err := time.Parse("2006-01-02", date); err != nil {
			return apierr.Newf(apierr.Validation, "travel: date must be ISO-8601: %w", err)
		}
	}
	return nil
}

func (t *Travel) Execute(ctx context.Context, req connector.Request) (connector.Result, error) {
	origin := titleCase(strOr(req.Params["origin"], ""))
	dest := titleCase(strOr(req.Params["destination"], ""))
	key := origin + "-" + dest

	options, ok := t.dataset[key]
	fallback := true
	if !ok {
		options = []RouteOption{{Origin: origin, Destination: dest, Provider: "generic", Currency: "USD", PriceMinor: 29900, DepartsAt: "09:00"}}
	}

	payload := struct {
		Action       string        `json:"action"`
		Options      []RouteOption `json:"options"`
		FallbackUsed bool          `json:"fallback_used"`
	}{Action: req.Action, Options: options, FallbackUsed: fallback}

	data, err := json.Marshal(payload)
	if err != nil {
		return connector.Result{}, fmt.Errorf("travel: marshal: %w", err)
	}
	return connector.Result{Status: connector.StatusOK, Data: data}, nil
}

func (t *Travel) CachePolicy() (time.Duration, connector.CacheScope) {
	return time.Hour, connector.ScopePublic
}

func (t *Travel) RateLimit() (int, time.Duration) { return 100, time.Hour }

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func strOr(v any, def string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return def
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		if len(w) > 0 {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// curatedRoutes seeds a handful of major routes as the static dataset
// backing the fallback path.
func curatedRoutes() map[string][]RouteOption {
	return map[string][]RouteOption{
		"Nairobi-London": {{Origin: "Nairobi", Destination: "London", Provider: "kenya-airways", Currency: "USD", PriceMinor: 54900, DepartsAt: "22:40"}},
		"Lagos-New York": {{Origin: "Lagos", Destination: "New York", Provider: "delta", Currency: "USD", PriceMinor: 89900, DepartsAt: "23:55"}},
		"Cairo-Dubai":     {{Origin: "Cairo", Destination: "Dubai", Provider: "emirates", Currency: "USD", PriceMinor: 32900, DepartsAt: "14:10"}},
		"Accra-London":    {{Origin: "Accra", Destination: "London", Provider: "british-airways", Currency: "USD", PriceMinor: 61900, DepartsAt: "21:15"}},
		"Johannesburg-Lisbon": {{Origin: "Johannesburg", Destination: "Lisbon", Provider: "taap", Currency: "USD", PriceMinor: 71900, DepartsAt: "18:05"}},
		"Kampala-Amsterdam":   {{Origin: "Kampala", Destination: "Amsterdam", Provider: "klm", Currency: "USD", PriceMinor: 66900, DepartsAt: "01:30"}},
	}
}
