// Package router resolves an intent action to its connector, enforces
// authentication and user-scoped authorization, and emits one structured
// log record per call.
package router

import (
	"context"
	"time"

	"github.com/mathia-chat/mathia/internal/apierr"
	"github.com/mathia-chat/mathia/internal/connector"
	"github.com/rs/zerolog"
)

// OwnerResolver reports whether userScope is owned by, or delegated to,
// requester — used for actions whose params reference a user other than
// the caller (e.g. calendar's booking_link_of).
type OwnerResolver func(ctx context.Context, requester, userScope string) (bool, error)

// Router dispatches resolved intents to their connector through the
// connector framework.
type Router struct {
	registry  *connector.Registry
	framework *connector.Framework
	owner     OwnerResolver
	log       zerolog.Logger
}

func New(registry *connector.Registry, framework *connector.Framework, owner OwnerResolver, log zerolog.Logger) *Router {
	return &Router{registry: registry, framework: framework, owner: owner, log: log.With().Str("component", "mcp_router").Logger()}
}

// Route looks up action's connector, checks authorization, invokes it, and
// logs the call as one structured record.
func (r *Router) Route(ctx context.Context, action string, params map[string]any, userID, roomID string) (connector.Result, error) {
	start := time.Now()

	conn, err := r.registry.Resolve(action)
	if err != nil {
		r.logCall(action, "", userID, 0, false, string(connector.StatusUnsupported))
		return connector.Result{Status: connector.StatusUnsupported}, apierr.New(apierr.Unsupported, err)
	}

	if userID == "" {
		r.logCall(action, conn.Name(), userID, time.Since(start), false, "unauthenticated")
		return connector.Result{}, apierr.New(apierr.Unauthenticated, nil)
	}

	if targetUser, ok := params["target_user"].(string); ok && targetUser != userID && r.owner != nil {
		allowed, err := r.owner(ctx, userID, targetUser)
		if err != nil {
			return connector.Result{}, apierr.New(apierr.UpstreamFailure, err)
		}
		if !allowed {
			r.logCall(action, conn.Name(), userID, time.Since(start), false, "forbidden")
			return connector.Result{}, apierr.New(apierr.Forbidden, nil)
		}
	}

	result, err := r.framework.Invoke(ctx, conn, connector.Request{
		UserID: userID, RoomID: roomID, Action: action, Params: params,
	})
	r.logCall(action, conn.Name(), userID, time.Since(start), result.Cached, string(result.Status))
	return result, err
}

func (r *Router) logCall(action, connectorName, userID string, latency time.Duration, cacheHit bool, status string) {
	r.log.Info().
		Str("action", action).
		Str("connector", connectorName).
		Str("user", userID).
		Int64("latency_ms", latency.Milliseconds()).
		Bool("cache_hit", cacheHit).
		Str("status", status).
		Msg("router: call completed")
}
