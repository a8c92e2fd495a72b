package intent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mathia-chat/mathia/internal/cache"
	"github.com/mathia-chat/mathia/internal/connector"
	"github.com/mathia-chat/mathia/internal/connector/connectors"
	"github.com/mathia-chat/mathia/internal/kv"
	"github.com/mathia-chat/mathia/internal/llm"
	"github.com/mathia-chat/mathia/internal/ratelimit"
	"github.com/mathia-chat/mathia/internal/router"
	"github.com/mathia-chat/mathia/internal/store"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

func compileSchema(t *testing.T, raw string) *jsonschema.Schema {
	t.Helper()
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(raw)); err != nil {
		t.Fatalf("add resource: %v", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return schema
}

func TestQuickMatchRemindShortCircuitsLLM(t *testing.T) {
	p := NewParser(nil, cache.New(kv.NewFake()), zerolog.Nop())
	pattern, build := QuickMatchRemind()
	p.RegisterQuickMatch(pattern, build)

	intent, err := p.Parse(context.Background(), Input{Utterance: `/remind "standup" in 70 seconds`})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if intent.Action != "set" {
		t.Fatalf("expected quick-matched set action, got %q", intent.Action)
	}
	if intent.Params["content"] != "standup" {
		t.Errorf("expected content=standup, got %v", intent.Params["content"])
	}
	if _, ok := intent.Params["due_at"].(string); !ok {
		t.Fatalf("expected due_at to be resolved to an absolute timestamp, got %v", intent.Params["due_at"])
	}
	if intent.Params["channel"] != "inapp" {
		t.Errorf("expected default channel=inapp, got %v", intent.Params["channel"])
	}
}

// TestQuickMatchRemindCreatesReminderEndToEnd drives the exact phrase a
// member would type through intent parsing and the MCP router into the
// reminders connector, confirming the quick-matched relative duration and
// default channel actually clear Reminders.Validate and persist a row —
// not just that the raw Intent shape looks right.
func TestQuickMatchRemindCreatesReminderEndToEnd(t *testing.T) {
	p := NewParser(nil, cache.New(kv.NewFake()), zerolog.Nop())
	pattern, build := QuickMatchRemind()
	p.RegisterQuickMatch(pattern, build)

	resolved, err := p.Parse(context.Background(), Input{Utterance: `@mathia remind me "standup" in 70 seconds via inapp`})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	reminders := store.NewReminderRepo(db)

	registry := connector.NewRegistry()
	registry.Register(connectors.NewReminders(reminders), "set", "list", "cancel")
	kvStore := kv.NewFake()
	framework := connector.NewFramework(cache.New(kvStore), ratelimit.New(kvStore), zerolog.Nop())
	rt := router.New(registry, framework, nil, zerolog.Nop())

	result, err := rt.Route(context.Background(), resolved.Action, resolved.Params, "user1", "room1")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if result.Status != connector.StatusOK {
		t.Fatalf("expected ok status, got %s", result.Status)
	}

	due, err := reminders.DueBefore(context.Background(), time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 1 || due[0].Content != "standup" || due[0].Channel != store.ChannelInApp {
		t.Fatalf("expected one in-app standup reminder, got %+v", due)
	}
}

func TestParseFallsBackToChatAfterTwoInvalidPasses(t *testing.T) {
	fail := &stubProvider{name: "primary", fail: -1}
	client := llm.NewClient(fail, nil, zerolog.Nop())
	p := NewParser(client, cache.New(kv.NewFake()), zerolog.Nop())
	p.RegisterAction("set", compileSchema(t, `{"type":"object"}`), "create a reminder")

	intent, err := p.Parse(context.Background(), Input{Utterance: "do something ambiguous"})
	if err != nil {
		t.Fatalf("parse should not error, got %v", err)
	}
	if intent.Action != ActionChat {
		t.Fatalf("expected fallback to chat action, got %q", intent.Action)
	}
}

type stubProvider struct {
	name string
	fail int
}

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) Complete(ctx context.Context, params llm.CompleteParams) (<-chan llm.Chunk, error) {
	return nil, errTransport
}
func (s *stubProvider) CountTokens(ctx context.Context, messages []llm.Message, model string) (int, error) {
	return 0, nil
}

var errTransport = stubErr("transport error")

type stubErr string

func (e stubErr) Error() string { return string(e) }
