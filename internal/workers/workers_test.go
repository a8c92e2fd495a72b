package workers

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mathia-chat/mathia/internal/cache"
	"github.com/mathia-chat/mathia/internal/connector"
	"github.com/mathia-chat/mathia/internal/connector/connectors"
	"github.com/mathia-chat/mathia/internal/hub"
	"github.com/mathia-chat/mathia/internal/intent"
	"github.com/mathia-chat/mathia/internal/jobqueue"
	"github.com/mathia-chat/mathia/internal/kv"
	"github.com/mathia-chat/mathia/internal/llm"
	"github.com/mathia-chat/mathia/internal/pipeline"
	"github.com/mathia-chat/mathia/internal/ratelimit"
	"github.com/mathia-chat/mathia/internal/router"
	"github.com/mathia-chat/mathia/internal/store"
	"github.com/rs/zerolog"
)

type chatStubProvider struct{ reply string }

func (s *chatStubProvider) Name() string { return "stub" }
func (s *chatStubProvider) Complete(ctx context.Context, params llm.CompleteParams) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk, 2)
	ch <- llm.Chunk{Type: llm.ChunkDelta, Delta: s.reply}
	ch <- llm.Chunk{Type: llm.ChunkFinal, Final: []byte(`{}`)}
	close(ch)
	return ch, nil
}
func (s *chatStubProvider) CountTokens(ctx context.Context, messages []llm.Message, model string) (int, error) {
	return 0, nil
}

func newTestPipeline(t *testing.T, roomID, ownerID string) (*pipeline.Pipeline, *store.DB, *jobqueue.Queue) {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	rooms := store.NewRoomRepo(db)
	memberships := store.NewMembershipRepo(db)
	messages := store.NewMessageRepo(db)

	roomKey := []byte("0123456789abcdef0123456789abcdef")[:32]
	if err := rooms.Create(context.Background(), store.Room{
		ID: roomID, Kind: store.RoomDirect, OwnerID: ownerID, CreatedAt: time.Now(), EncryptedRoomKey: roomKey, ActiveKeyVersion: 1,
	}, []store.Membership{{RoomID: roomID, UserID: ownerID, Role: store.RoleOwner, JoinedAt: time.Now()}}); err != nil {
		t.Fatalf("create room: %v", err)
	}

	resolver := pipeline.RoomKeyResolver(func(ctx context.Context, rid string) ([]byte, int, error) {
		return roomKey, 1, nil
	})
	resolverAt := pipeline.RoomKeyVersionResolver(func(ctx context.Context, rid string, version int) ([]byte, error) {
		return roomKey, nil
	})
	kvStore := kv.NewFake()
	h := hub.New(func(ctx context.Context, userID, rid string) (bool, error) {
		_, err := memberships.Get(ctx, rid, userID)
		return err == nil, nil
	}, zerolog.Nop())
	jobs := jobqueue.New(kvStore, zerolog.Nop())
	limiter := ratelimit.New(kvStore)

	p := pipeline.New(h, messages, memberships, resolver, resolverAt, limiter, kvStore, jobs, zerolog.Nop())
	return p, db, jobs
}

func TestAssistantWorkerPersistsChatReply(t *testing.T) {
	p, _, jobs := newTestPipeline(t, "room1", "owner1")

	kvStore := kv.NewFake()
	parser := intent.NewParser(llm.NewClient(&chatStubProvider{reply: "hi"}, nil, zerolog.Nop()), cache.New(kvStore), zerolog.Nop())
	registry := connector.NewRegistry()
	framework := connector.NewFramework(cache.New(kvStore), ratelimit.New(kvStore), zerolog.Nop())
	r := router.New(registry, framework, nil, zerolog.Nop())
	client := llm.NewClient(&chatStubProvider{reply: "general kenobi"}, nil, zerolog.Nop())

	w := NewAssistantWorker(parser, r, client, p, zerolog.Nop())
	w.Register(jobs)

	if _, err := jobs.Enqueue(context.Background(), pipeline.IntentJobName, pipeline.IntentJobPayload{
		CorrelationID: uuid.NewString(), RoomID: "room1", UserID: "owner1", Utterance: "@mathia hello",
	}, jobqueue.EnqueueOpts{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	jobs.Run(contextWithTimeout(t), 10*time.Millisecond)

	out, err := p.FetchMessages(context.Background(), "room1", time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("fetch messages: %v", err)
	}
	if len(out) != 1 || out[0].SenderID != pipeline.AssistantSenderID {
		t.Fatalf("expected one assistant message, got %+v", out)
	}
}

func contextWithTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	t.Cleanup(cancel)
	return ctx
}

func TestReminderDispatcherFiresDueReminder(t *testing.T) {
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	reminders := store.NewReminderRepo(db)
	rem := store.Reminder{ID: uuid.NewString(), UserID: "u1", RoomID: "room1", Content: "stand up", DueAt: time.Now().Add(-time.Minute), Channel: store.ChannelInApp, Status: store.ReminderPending}
	if err := reminders.Create(context.Background(), rem); err != nil {
		t.Fatalf("create reminder: %v", err)
	}

	kvStore := kv.NewFake()
	jobs := jobqueue.New(kvStore, zerolog.Nop())
	delivered := false
	d := NewReminderDispatcher(reminders, jobs, map[store.ReminderChannel]ReminderChannelSender{
		store.ChannelInApp: func(ctx context.Context, r store.Reminder) error { delivered = true; return nil },
	}, zerolog.Nop())

	d.RunOnce(context.Background())
	jobs.Run(contextWithTimeout(t), 10*time.Millisecond)

	if !delivered {
		t.Fatal("expected reminder to be delivered")
	}
	got, err := reminders.Get(context.Background(), rem.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.ReminderFired {
		t.Fatalf("expected fired status, got %s", got.Status)
	}
}

func TestReminderDispatcherKeepsClaimDuringRetryBackoff(t *testing.T) {
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	reminders := store.NewReminderRepo(db)
	rem := store.Reminder{ID: uuid.NewString(), UserID: "u1", RoomID: "room1", Content: "stand up", DueAt: time.Now().Add(-time.Minute), Channel: store.ChannelInApp, Status: store.ReminderPending}
	if err := reminders.Create(context.Background(), rem); err != nil {
		t.Fatalf("create reminder: %v", err)
	}

	kvStore := kv.NewFake()
	jobs := jobqueue.New(kvStore, zerolog.Nop())
	d := NewReminderDispatcher(reminders, jobs, map[store.ReminderChannel]ReminderChannelSender{
		store.ChannelInApp: func(ctx context.Context, r store.Reminder) error { return assertAlwaysFails() },
	}, zerolog.Nop())

	d.RunOnce(context.Background())
	jobs.Run(contextWithTimeout(t), 10*time.Millisecond)

	// The first attempt fails and is re-enqueued with a minutes-long
	// backoff, which this short-lived test cannot fast-forward through —
	// so the reminder stays claimed rather than reverting or completing.
	got, err := reminders.Get(context.Background(), rem.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.ReminderDispatching {
		t.Fatalf("expected reminder to remain dispatching pending its retry backoff, got %s", got.Status)
	}
}

func assertAlwaysFails() error {
	return context.DeadlineExceeded
}

func TestReminderDispatcherBothChannelSurvivesOneLegFailure(t *testing.T) {
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	reminders := store.NewReminderRepo(db)
	rem := store.Reminder{ID: uuid.NewString(), UserID: "u1", RoomID: "room1", Content: "stand up", DueAt: time.Now().Add(-time.Minute), Channel: store.ChannelBoth, Status: store.ReminderPending}
	if err := reminders.Create(context.Background(), rem); err != nil {
		t.Fatalf("create reminder: %v", err)
	}

	kvStore := kv.NewFake()
	jobs := jobqueue.New(kvStore, zerolog.Nop())
	var whatsappDelivered bool
	d := NewReminderDispatcher(reminders, jobs, map[store.ReminderChannel]ReminderChannelSender{
		store.ChannelEmail:    func(ctx context.Context, r store.Reminder) error { return assertAlwaysFails() },
		store.ChannelWhatsApp: func(ctx context.Context, r store.Reminder) error { whatsappDelivered = true; return nil },
	}, zerolog.Nop())

	d.RunOnce(context.Background())
	jobs.Run(contextWithTimeout(t), 10*time.Millisecond)

	if !whatsappDelivered {
		t.Fatal("expected the surviving whatsapp leg to be delivered")
	}
	got, err := reminders.Get(context.Background(), rem.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.ReminderFired {
		t.Fatalf("expected a surviving leg to still mark the reminder fired, got %s", got.Status)
	}
	if got.Metadata != `{"partial_channel":"email"}` {
		t.Fatalf("expected the failed leg recorded in metadata, got %q", got.Metadata)
	}
}

func TestReminderDispatcherBothChannelFailsOnlyWhenBothLegsFail(t *testing.T) {
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	reminders := store.NewReminderRepo(db)
	rem := store.Reminder{ID: uuid.NewString(), UserID: "u1", RoomID: "room1", Content: "stand up", DueAt: time.Now().Add(-time.Minute), Channel: store.ChannelBoth, Status: store.ReminderPending}
	if err := reminders.Create(context.Background(), rem); err != nil {
		t.Fatalf("create reminder: %v", err)
	}

	kvStore := kv.NewFake()
	jobs := jobqueue.New(kvStore, zerolog.Nop())
	d := NewReminderDispatcher(reminders, jobs, map[store.ReminderChannel]ReminderChannelSender{
		store.ChannelEmail:    func(ctx context.Context, r store.Reminder) error { return assertAlwaysFails() },
		store.ChannelWhatsApp: func(ctx context.Context, r store.Reminder) error { return assertAlwaysFails() },
	}, zerolog.Nop())

	d.RunOnce(context.Background())
	jobs.Run(contextWithTimeout(t), 10*time.Millisecond)

	got, err := reminders.Get(context.Background(), rem.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.ReminderDispatching {
		t.Fatalf("expected reminder to remain dispatching pending its retry backoff, got %s", got.Status)
	}
}

func TestModerationBatchFlagsBlockedMessage(t *testing.T) {
	p, db, _ := newTestPipeline(t, "room1", "owner1")
	if err := p.HandleNewMessage(context.Background(), pipeline.IncomingMessage{UserID: "owner1", RoomID: "room1", Body: "bad content"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	messages := store.NewMessageRepo(db)
	flags := store.NewModerationFlagRepo(db)
	resolver := pipeline.RoomKeyVersionResolver(func(ctx context.Context, rid string, version int) ([]byte, error) {
		return []byte("0123456789abcdef0123456789abcdef")[:32], nil
	})
	classify := connectors.Classifier(func(ctx context.Context, text string) (connectors.Verdict, error) {
		return connectors.Verdict{Action: "block", Reason: "test"}, nil
	})

	b := NewModerationBatch(messages, flags, resolver, classify, nil, zerolog.Nop())
	b.RunOnce(context.Background())

	unresolved, err := flags.ListUnresolved(context.Background(), 10)
	if err != nil {
		t.Fatalf("list unresolved: %v", err)
	}
	if len(unresolved) != 1 {
		t.Fatalf("expected one flag, got %d", len(unresolved))
	}
}

func TestSummarizerSkipsThinRooms(t *testing.T) {
	p, db, _ := newTestPipeline(t, "room1", "owner1")
	if err := p.HandleNewMessage(context.Background(), pipeline.IncomingMessage{UserID: "owner1", RoomID: "room1", Body: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	rooms := store.NewRoomRepo(db)
	messages := store.NewMessageRepo(db)
	summaries := store.NewRoomSummaryRepo(db)
	resolver := pipeline.RoomKeyVersionResolver(func(ctx context.Context, rid string, version int) ([]byte, error) {
		return []byte("0123456789abcdef0123456789abcdef")[:32], nil
	})
	client := llm.NewClient(&chatStubProvider{reply: "summary"}, nil, zerolog.Nop())

	s := NewSummarizer(rooms, messages, summaries, resolver, client, zerolog.Nop())
	s.RunOnce(context.Background())

	if _, err := summaries.Latest(context.Background(), "room1"); err != store.ErrNotFound {
		t.Fatalf("expected no summary for a thin room, got err=%v", err)
	}
}
