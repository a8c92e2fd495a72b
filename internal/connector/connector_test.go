package connector

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mathia-chat/mathia/internal/apierr"
	"github.com/mathia-chat/mathia/internal/cache"
	"github.com/mathia-chat/mathia/internal/kv"
	"github.com/mathia-chat/mathia/internal/ratelimit"
	"github.com/rs/zerolog"
)

type fakeConnector struct {
	name      string
	ttl       time.Duration
	scope     CacheScope
	limit     int
	window    time.Duration
	calls     int32
	execErr   error
	validates func(Request) error
}

func (f *fakeConnector) Name() string { return f.name }
func (f *fakeConnector) Validate(req Request) error {
	if f.validates != nil {
		return f.validates(req)
	}
	return nil
}
func (f *fakeConnector) CachePolicy() (time.Duration, CacheScope) { return f.ttl, f.scope }
func (f *fakeConnector) RateLimit() (int, time.Duration)          { return f.limit, f.window }
func (f *fakeConnector) Execute(ctx context.Context, req Request) (Result, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.execErr != nil {
		return Result{}, f.execErr
	}
	return Result{Status: StatusOK, Data: json.RawMessage(`{"ok":true}`)}, nil
}

func newTestFramework() *Framework {
	store := kv.NewFake()
	return NewFramework(cache.New(store), ratelimit.New(store), zerolog.Nop())
}

func TestInvokeRejectsValidationFailure(t *testing.T) {
	f := newTestFramework()
	conn := &fakeConnector{name: "travel", validates: func(Request) error {
		return apierr.New(apierr.Validation, nil)
	}}
	_, err := f.Invoke(context.Background(), conn, Request{UserID: "u1", Action: "search_flights"})
	if apierr.CodeOf(err) != apierr.Validation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if conn.calls != 0 {
		t.Error("execute should not run after validation failure")
	}
}

func TestInvokeCachesSuccessfulResult(t *testing.T) {
	f := newTestFramework()
	conn := &fakeConnector{name: "weather", ttl: time.Minute, scope: ScopePublic, limit: 100, window: time.Hour}
	req := Request{UserID: "u1", Action: "get_weather", Params: map[string]any{"city": "lisbon"}}

	r1, err := f.Invoke(context.Background(), conn, req)
	if err != nil {
		t.Fatalf("first invoke: %v", err)
	}
	if r1.Cached {
		t.Error("first invocation should not be served from cache")
	}

	r2, err := f.Invoke(context.Background(), conn, req)
	if err != nil {
		t.Fatalf("second invoke: %v", err)
	}
	if !r2.Cached {
		t.Error("second invocation should be served from cache")
	}
	if conn.calls != 1 {
		t.Errorf("expected execute called once, got %d", conn.calls)
	}
}

func TestInvokeEnforcesRateLimit(t *testing.T) {
	f := newTestFramework()
	conn := &fakeConnector{name: "travel", limit: 1, window: time.Hour}
	req := Request{UserID: "u1", Action: "search_flights", Params: map[string]any{"dest": "nyc"}}

	if _, err := f.Invoke(context.Background(), conn, req); err != nil {
		t.Fatalf("first invoke should pass: %v", err)
	}
	req2 := Request{UserID: "u1", Action: "search_flights", Params: map[string]any{"dest": "lax"}}
	result, err := f.Invoke(context.Background(), conn, req2)
	if apierr.CodeOf(err) != apierr.RateLimited {
		t.Fatalf("expected rate_limited error, got %v", err)
	}
	if result.Status != StatusRateLimited {
		t.Errorf("expected rate_limited status, got %s", result.Status)
	}
}

func TestInvokeNormalizesUpstreamFailure(t *testing.T) {
	f := newTestFramework()
	conn := &fakeConnector{name: "calendar", execErr: apierr.New(apierr.UpstreamFailure, nil)}
	result, err := f.Invoke(context.Background(), conn, Request{UserID: "u1", Action: "create_event"})
	if err == nil {
		t.Fatal("expected error")
	}
	if result.Status != StatusUpstreamFailure {
		t.Errorf("expected upstream_failure status, got %s", result.Status)
	}
}
