package router

import (
	"context"
	"testing"
	"time"

	"github.com/mathia-chat/mathia/internal/apierr"
	"github.com/mathia-chat/mathia/internal/cache"
	"github.com/mathia-chat/mathia/internal/connector"
	"github.com/mathia-chat/mathia/internal/kv"
	"github.com/mathia-chat/mathia/internal/ratelimit"
	"github.com/rs/zerolog"
)

type noopConnector struct{ name string }

func (c *noopConnector) Name() string                      { return c.name }
func (c *noopConnector) Validate(connector.Request) error  { return nil }
func (c *noopConnector) CachePolicy() (time.Duration, connector.CacheScope) { return 0, connector.ScopePublic }
func (c *noopConnector) RateLimit() (int, time.Duration)   { return 100, time.Hour }
func (c *noopConnector) Execute(ctx context.Context, req connector.Request) (connector.Result, error) {
	return connector.Result{Status: connector.StatusOK}, nil
}

func newTestRouter(owner OwnerResolver) (*Router, *connector.Registry) {
	store := kv.NewFake()
	framework := connector.NewFramework(cache.New(store), ratelimit.New(store), zerolog.Nop())
	registry := connector.NewRegistry()
	registry.Register(&noopConnector{name: "wallet"}, "balance")
	registry.Register(&noopConnector{name: "calendar"}, "booking_link_of")
	return New(registry, framework, owner, zerolog.Nop()), registry
}

func TestRouteRejectsUnregisteredAction(t *testing.T) {
	r, _ := newTestRouter(nil)
	_, err := r.Route(context.Background(), "unknown_action", nil, "u1", "room1")
	if apierr.CodeOf(err) != apierr.Unsupported {
		t.Fatalf("expected unsupported, got %v", err)
	}
}

func TestRouteRejectsUnauthenticated(t *testing.T) {
	r, _ := newTestRouter(nil)
	_, err := r.Route(context.Background(), "balance", nil, "", "room1")
	if apierr.CodeOf(err) != apierr.Unauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
}

func TestRouteEnforcesDelegateAuthorization(t *testing.T) {
	r, _ := newTestRouter(func(ctx context.Context, requester, target string) (bool, error) {
		return false, nil
	})
	_, err := r.Route(context.Background(), "booking_link_of", map[string]any{"target_user": "other"}, "u1", "room1")
	if apierr.CodeOf(err) != apierr.Forbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestRouteSucceedsForOwnedAction(t *testing.T) {
	r, _ := newTestRouter(nil)
	result, err := r.Route(context.Background(), "balance", nil, "u1", "room1")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if result.Status != connector.StatusOK {
		t.Fatalf("expected ok, got %s", result.Status)
	}
}
