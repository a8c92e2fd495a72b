package connectors

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mathia-chat/mathia/internal/apierr"
	"github.com/mathia-chat/mathia/internal/connector"
)

// AuthZChecker reports whether requester may act on behalf of target,
// e.g. because requester is target or an org admin. Injected so this
// connector stays decoupled from internal/store's membership model.
type AuthZChecker func(ctx context.Context, requester, target string) (bool, error)

// Calendar implements list_events and booking_link_of.
type Calendar struct {
	authz AuthZChecker
}

func NewCalendar(authz AuthZChecker) *Calendar {
	return &Calendar{authz: authz}
}

func (c *Calendar) Name() string { return "calendar" }

var calendarActions = map[string]bool{"list_events": true, "booking_link_of": true}

func (c *Calendar) Validate(req connector.Request) error {
	if !calendarActions[req.Action] {
		return apierr.Newf(apierr.Unsupported, "calendar: unsupported action %q", req.Action)
	}
	if req.Action == "booking_link_of" {
		if _, ok := req.Params["target_user"].(string); !ok {
			return apierr.Newf(apierr.Validation, "calendar: booking_link_of requires target_user")
		}
	}
	return nil
}

func (c *Calendar) Execute(ctx context.Context, req connector.Request) (connector.Result, error) {
	switch req.Action {
	case "list_events":
		data, _ := json.Marshal(map[string]any{"events": []any{}})
		return connector.Result{Status: connector.StatusOK, Data: data}, nil
	case "booking_link_of":
		target := req.Params["target_user"].(string)
		if target != req.UserID {
			allowed, err := c.authz(ctx, req.UserID, target)
			if err != nil {
				return connector.Result{}, apierr.New(apierr.UpstreamFailure, err)
			}
			if !allowed {
				return connector.Result{}, apierr.New(apierr.Forbidden, nil)
			}
		}
		data, _ := json.Marshal(map[string]any{"booking_link": "https://book.mathia.chat/" + target})
		return connector.Result{Status: connector.StatusOK, Data: data}, nil
	default:
		return connector.Result{}, apierr.Newf(apierr.Unsupported, "calendar: %s", req.Action)
	}
}

func (c *Calendar) CachePolicy() (time.Duration, connector.CacheScope) {
	return 5 * time.Minute, connector.ScopePerUser
}

func (c *Calendar) RateLimit() (int, time.Duration) { return 100, time.Hour }
