package connectors

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mathia-chat/mathia/internal/apierr"
	"github.com/mathia-chat/mathia/internal/cache"
	"github.com/mathia-chat/mathia/internal/connector"
	"github.com/mathia-chat/mathia/internal/kv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Fetcher performs one upstream info lookup (weather, currency, gif,
// websearch) and returns its raw JSON-able payload.
type Fetcher func(ctx context.Context, params map[string]any) (any, error)

// Info implements the get_weather/get_currency/get_gif/get_websearch
// public-scope connector. On upstream failure it serves the last-good
// stored value for the action with status partial; with no stored value
// the call fails with upstream_failure.
type Info struct {
	store    kv.Store
	fetchers map[string]Fetcher
	log      zerolog.Logger
	sf       singleflight.Group
}

func NewInfo(store kv.Store, log zerolog.Logger) *Info {
	return &Info{store: store, fetchers: make(map[string]Fetcher), log: log.With().Str("component", "info_connector").Logger()}
}

// RegisterFetcher binds action (e.g. "get_weather") to its upstream call.
func (i *Info) RegisterFetcher(action string, f Fetcher) {
	i.fetchers[action] = f
}

func (i *Info) Name() string { return "info" }

func (i *Info) Validate(req connector.Request) error {
	if _, ok := i.fetchers[req.Action]; !ok {
		return apierr.Newf(apierr.Unsupported, "info: unsupported action %q", req.Action)
	}
	return nil
}

const lastGoodTTL = 24 * time.Hour

func (i *Info) Execute(ctx context.Context, req connector.Request) (connector.Result, error) {
	fetch := i.fetchers[req.Action]
	lastGoodKey := "info:last_good:" + req.Action

	// Concurrent calls for the same action+params (e.g. a burst of chats
	// all asking for the weather at once) collapse into a single upstream
	// fetch instead of each hammering the provider independently.
	sfKey := cache.Key(req.Action, req.Params, "")
	value, err, _ := i.sf.Do(sfKey, func() (any, error) {
		return fetch(ctx, req.Params)
	})
	if err != nil {
		raw, getErr := i.store.Get(ctx, lastGoodKey)
		if getErr != nil {
			return connector.Result{}, apierr.New(apierr.UpstreamFailure, err)
		}
		i.log.Warn().Err(err).Str("action", req.Action).Msg("info: upstream failed, serving last-good value")
		return connector.Result{Status: connector.StatusPartial, Data: json.RawMessage(raw)}, nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return connector.Result{}, apierr.New(apierr.Internal, err)
	}
	if err := i.store.Set(ctx, lastGoodKey, string(data), lastGoodTTL); err != nil {
		i.log.Warn().Err(err).Msg("info: failed to persist last-good value")
	}
	return connector.Result{Status: connector.StatusOK, Data: data}, nil
}

func (i *Info) CachePolicy() (time.Duration, connector.CacheScope) {
	return 10 * time.Minute, connector.ScopePublic
}

func (i *Info) RateLimit() (int, time.Duration) { return 500, time.Hour }
