package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mathia-chat/mathia/internal/apierr"
	"github.com/mathia-chat/mathia/internal/connector"
)

// Itinerary assembles prior travel-search results into a trip plan. It has
// no fallback: failure here is surfaced, not masked.
type Itinerary struct{}

func NewItinerary() *Itinerary { return &Itinerary{} }

func (i *Itinerary) Name() string { return "itinerary" }

var itineraryActions = map[string]bool{
	"create_from_searches": true, "summarize": true, "recommend": true, "export": true,
}

var exportFormats = map[string]bool{"json": true, "ical": true, "pdf": true}

func (i *Itinerary) Validate(req connector.Request) error {
	if !itineraryActions[req.Action] {
		return apierr.Newf(apierr.Unsupported, "itinerary: unsupported action %q", req.Action)
	}
	if req.Action == "export" {
		format, _ := req.Params["format"].(string)
		if !exportFormats[format] {
			return apierr.Newf(apierr.Validation, "itinerary: export.format must be one of json, ical, pdf")
		}
	}
	if req.UserID == "" {
		return apierr.New(apierr.Forbidden, nil)
	}
	return nil
}

func (i *Itinerary) Execute(ctx context.Context, req connector.Request) (connector.Result, error) {
	switch req.Action {
	case "create_from_searches":
		return i.create(req)
	case "summarize":
		return i.summarize(req)
	case "recommend":
		return i.recommend(req)
	case "export":
		return i.export(req)
	default:
		return connector.Result{}, apierr.Newf(apierr.Unsupported, "itinerary: %s", req.Action)
	}
}

func (i *Itinerary) create(req connector.Request) (connector.Result, error) {
	legs, _ := req.Params["search_results"].([]any)
	data, err := json.Marshal(map[string]any{
		"itinerary_id": req.RequestID,
		"leg_count":    len(legs),
		"owner":        req.UserID,
	})
	if err != nil {
		return connector.Result{}, err
	}
	return connector.Result{Status: connector.StatusOK, Data: data}, nil
}

func (i *Itinerary) summarize(req connector.Request) (connector.Result, error) {
	data, err := json.Marshal(map[string]any{"summary": "your plan is ready for review"})
	if err != nil {
		return connector.Result{}, err
	}
	return connector.Result{Status: connector.StatusOK, Data: data}, nil
}

func (i *Itinerary) recommend(req connector.Request) (connector.Result, error) {
	data, err := json.Marshal(map[string]any{"recommendations": []string{"book the earlier departure to avoid the layover"}})
	if err != nil {
		return connector.Result{}, err
	}
	return connector.Result{Status: connector.StatusOK, Data: data}, nil
}

func (i *Itinerary) export(req connector.Request) (connector.Result, error) {
	format := req.Params["format"].(string)
	data, err := json.Marshal(map[string]any{"format": format, "url": fmt.Sprintf("exports/%s.%s", req.RequestID, format)})
	if err != nil {
		return connector.Result{}, err
	}
	return connector.Result{Status: connector.StatusOK, Data: data}, nil
}

func (i *Itinerary) CachePolicy() (time.Duration, connector.CacheScope) {
	return 0, connector.ScopePerUser // mutating/derived data, never cached
}

func (i *Itinerary) RateLimit() (int, time.Duration) { return 100, time.Hour }
