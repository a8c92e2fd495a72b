// Package connector implements the connector framework: a uniform
// Connector interface behind a middleware pipeline of validate ->
// cache-check -> rate-check -> execute -> normalize -> cache-store,
// generalized from bridgev2.NetworkConnector-style plumbing into a
// transport-agnostic shape.
package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mathia-chat/mathia/internal/apierr"
	"github.com/mathia-chat/mathia/internal/cache"
	"github.com/mathia-chat/mathia/internal/ratelimit"
	"github.com/rs/zerolog"
)

// Status is the closed set of outcomes a connector invocation can report
// in its ConnectorResult envelope.
type Status string

const (
	StatusOK              Status = "ok"
	StatusRateLimited     Status = "rate_limited"
	StatusUnsupported     Status = "unsupported"
	StatusUpstreamFailure Status = "upstream_failure"
	StatusPartial         Status = "partial"
)

// Request is one connector invocation, dispatched by internal/router after
// intent parsing resolves an action to a connector.
type Request struct {
	UserID    string
	RoomID    string
	Action    string
	Params    map[string]any
	RequestID string
}

// Result is the uniform envelope every connector invocation produces.
type Result struct {
	Status  Status          `json:"status"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Cached  bool            `json:"cached"`
}

// Connector is implemented by each concrete integration in
// internal/connector/connectors.
type Connector interface {
	// Name identifies the connector for logging, rate-limit keys and the
	// action->connector registry in internal/router.
	Name() string
	// Validate checks req.Params before any cache lookup or external call.
	// A *apierr.Error with code Validation should be returned on failure.
	Validate(req Request) error
	// Execute performs the integration call. It must not touch the cache
	// or rate limiter itself — the Framework owns that.
	Execute(ctx context.Context, req Request) (Result, error)
	// CachePolicy reports whether and how long results should be cached,
	// and the scope (user-specific vs public) used for the cache key.
	CachePolicy() (ttl time.Duration, scope CacheScope)
	// RateLimit reports the sliding-window budget for this connector.
	RateLimit() (limit int, window time.Duration)
}

// CacheScope controls whether cached results are shared across users.
type CacheScope int

const (
	ScopePublic CacheScope = iota
	ScopePerUser
)

// Framework runs the validate/cache/rate-limit/execute/normalize/store
// pipeline uniformly over any registered Connector.
type Framework struct {
	cache   *cache.Cache
	limiter *ratelimit.Limiter
	log     zerolog.Logger
}

func NewFramework(c *cache.Cache, l *ratelimit.Limiter, log zerolog.Logger) *Framework {
	return &Framework{cache: c, limiter: l, log: log.With().Str("component", "connector_framework").Logger()}
}

// Invoke runs the full pipeline for one request against conn.
func (f *Framework) Invoke(ctx context.Context, conn Connector, req Request) (Result, error) {
	log := f.log.With().Str("connector", conn.Name()).Str("action", req.Action).Str("user_id", req.UserID).Logger()

	if err := conn.Validate(req); err != nil {
		log.Debug().Err(err).Msg("connector: validation failed")
		return Result{}, err
	}

	ttl, scope := conn.CachePolicy()
	cacheKey := f.cacheKey(conn.Name(), req, scope)
	if ttl > 0 {
		var cached Result
		if err := f.cache.Get(ctx, cacheKey, &cached); err == nil {
			cached.Cached = true
			return cached, nil
		}
	}

	limit, window := conn.RateLimit()
	if limit > 0 {
		res, err := f.limiter.Take(ctx, ratelimit.ConnectorKey(req.UserID, conn.Name()), limit, window)
		if err != nil {
			return Result{}, fmt.Errorf("connector: rate check: %w", err)
		}
		if !res.Allowed {
			log.Info().Dur("retry_after", res.RetryAfter).Msg("connector: rate limited")
			return Result{Status: StatusRateLimited, Message: apierr.HumanMessages[apierr.RateLimited]},
				apierr.RateLimitedErr(int64(res.RetryAfter.Seconds()))
		}
	}

	result, err := conn.Execute(ctx, req)
	if err != nil {
		log.Warn().Err(err).Msg("connector: execute failed")
		return normalizeError(err), err
	}
	result = normalize(result)

	if ttl > 0 && result.Status == StatusOK {
		if err := f.cache.Set(ctx, cacheKey, result, ttl); err != nil {
			log.Warn().Err(err).Msg("connector: cache store failed")
		}
	}
	return result, nil
}

func (f *Framework) cacheKey(name string, req Request, scope CacheScope) string {
	userScope := ""
	if scope == ScopePerUser {
		userScope = req.UserID
	}
	return cache.Key(name+":"+req.Action, req.Params, userScope)
}

// normalize fills in defaults so every connector returns a complete
// envelope regardless of what Execute populated.
func normalize(r Result) Result {
	if r.Status == "" {
		r.Status = StatusOK
	}
	return r
}

func normalizeError(err error) Result {
	code := apierr.CodeOf(err)
	status := StatusUpstreamFailure
	if code == apierr.Unsupported {
		status = StatusUnsupported
	}
	return Result{Status: status, Message: apierr.HumanMessages[code]}
}
