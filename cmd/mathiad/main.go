// Command mathiad runs Mathia's full server: the chat hub, message
// pipeline, assistant/reminder/moderation/summarization workers, and the
// HTTP/WebSocket boundary, all sharing one SQLite store and Redis-backed
// cache/rate-limit/job-queue layer.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mathia-chat/mathia/internal/api"
	"github.com/mathia-chat/mathia/internal/authtoken"
	"github.com/mathia-chat/mathia/internal/cache"
	"github.com/mathia-chat/mathia/internal/config"
	"github.com/mathia-chat/mathia/internal/connector"
	"github.com/mathia-chat/mathia/internal/connector/connectors"
	"github.com/mathia-chat/mathia/internal/crypto"
	"github.com/mathia-chat/mathia/internal/hub"
	"github.com/mathia-chat/mathia/internal/intent"
	"github.com/mathia-chat/mathia/internal/jobqueue"
	"github.com/mathia-chat/mathia/internal/kv"
	"github.com/mathia-chat/mathia/internal/llm"
	"github.com/mathia-chat/mathia/internal/pipeline"
	"github.com/mathia-chat/mathia/internal/ratelimit"
	"github.com/mathia-chat/mathia/internal/router"
	"github.com/mathia-chat/mathia/internal/store"
	"github.com/mathia-chat/mathia/internal/workers"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const sessionTokenTTL = 30 * 24 * time.Hour

func main() {
	configPath := flag.String("config", "mathia.yaml", "path to the YAML config file")
	flag.Parse()

	log := newLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("mathiad: failed to load config")
	}

	app, err := build(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("mathiad: failed to build application")
	}
	defer app.db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go app.jobs.Run(ctx, 500*time.Millisecond)

	srv := &http.Server{Addr: cfg.Bridge.ListenAddr, Handler: app.api.Router()}
	go func() {
		log.Info().Str("addr", cfg.Bridge.ListenAddr).Msg("mathiad: listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("mathiad: server exited")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("mathiad: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

func newLogger() zerolog.Logger {
	var w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// app holds every long-lived component main needs to start and stop the
// server cleanly.
type app struct {
	db  *store.DB
	jobs *jobqueue.Queue
	api *api.Server
}

func build(cfg *config.Config, log zerolog.Logger) (*app, error) {
	db, err := store.Open(cfg.Store.SQLitePath)
	if err != nil {
		return nil, err
	}

	kvStore, err := kv.NewRedisStore(cfg.Redis.URL)
	if err != nil {
		return nil, err
	}

	rooms := store.NewRoomRepo(db)
	memberships := store.NewMembershipRepo(db)
	messages := store.NewMessageRepo(db)
	wallets := store.NewWalletRepo(db)
	reminders := store.NewReminderRepo(db)
	flags := store.NewModerationFlagRepo(db)
	summaries := store.NewRoomSummaryRepo(db)

	keystore, err := crypto.NewKeystore(cfg.MasterKey, cfg.LegacyKeys, log)
	if err != nil {
		return nil, err
	}
	roomKeyResolver := pipeline.RoomKeyResolver(func(ctx context.Context, roomID string) ([]byte, int, error) {
		room, err := rooms.Get(ctx, roomID)
		if err != nil {
			return nil, 0, err
		}
		key, err := keystore.UnwrapRoomKey(room.EncryptedRoomKey)
		if err != nil {
			return nil, 0, err
		}
		return key, room.ActiveKeyVersion, nil
	})
	roomKeyAtVersion := pipeline.RoomKeyVersionResolver(func(ctx context.Context, roomID string, version int) ([]byte, error) {
		wrapped, err := rooms.KeyVersion(ctx, roomID, version)
		if err != nil {
			return nil, err
		}
		return keystore.UnwrapRoomKey(wrapped)
	})

	limiter := ratelimit.New(kvStore)
	memCache := cache.New(kvStore)
	jobs := jobqueue.New(kvStore, log)

	h := hub.New(func(ctx context.Context, userID, roomID string) (bool, error) {
		_, err := memberships.Get(ctx, roomID, userID)
		if err == store.ErrNotFound {
			return false, nil
		}
		return err == nil, err
	}, log)

	pl := pipeline.New(h, messages, memberships, roomKeyResolver, roomKeyAtVersion, limiter, kvStore, jobs, log)

	llmClient := buildLLMClient(cfg, log)
	parser := buildIntentParser(llmClient, memCache, log)
	registry, framework := buildConnectors(cfg, reminders, wallets, jobs, limiter, memCache, kvStore, log)
	rt := router.New(registry, framework, func(ctx context.Context, requester, target string) (bool, error) {
		return requester == target, nil
	}, log)

	assistantWorker := workers.NewAssistantWorker(parser, rt, llmClient, pl, log)
	assistantWorker.Register(jobs)

	reminderSenders := map[store.ReminderChannel]workers.ReminderChannelSender{
		store.ChannelInApp: func(ctx context.Context, rem store.Reminder) error {
			h.Broadcast(rem.RoomID, hub.Frame{Command: "reminder_fired", Data: map[string]any{
				"reminder_id": rem.ID, "content": rem.Content,
			}})
			return nil
		},
		store.ChannelWhatsApp: func(ctx context.Context, rem store.Reminder) error {
			return errors.New("no whatsapp transport configured") // no outbound channel wired in this deployment; retried by the job queue
		},
		store.ChannelEmail: func(ctx context.Context, rem store.Reminder) error {
			return errors.New("no email transport configured") // no outbound channel wired in this deployment; retried by the job queue
		},
	}
	reminderDispatcher := workers.NewReminderDispatcher(reminders, jobs, reminderSenders, log)

	moderationBatch := workers.NewModerationBatch(messages, flags, roomKeyAtVersion, func(ctx context.Context, text string) (connectors.Verdict, error) {
		return classifyText(ctx, llmClient, text)
	}, func(ctx context.Context, flag store.ModerationFlag, roomID string) {
		h.Broadcast(roomID, hub.Frame{Command: "moderation_flag", Data: map[string]any{
			"message_id": flag.MessageID, "reason": flag.Reason,
		}})
	}, log)

	summarizer := workers.NewSummarizer(rooms, messages, summaries, roomKeyAtVersion, llmClient, log)

	registerPeriodicTicks(jobs, cfg, reminderDispatcher, moderationBatch, summarizer, log)

	jobs.RegisterConsumer("tick:hub_sweep", func(ctx context.Context, _ json.RawMessage, _ int) jobqueue.Outcome {
		h.SweepStaleTransports(ctx)
		return jobqueue.Ok()
	})
	if err := jobs.SchedulePeriodic("@every 30s", "tick:hub_sweep", nil); err != nil {
		return nil, err
	}

	webhookHandler := api.NewWebhookHandler(
		func(provider string) ([]byte, string, bool) { return nil, "", false }, // no webhook providers configured by default
		func(ctx context.Context, provider string, body []byte) error { return nil },
		"X-Mathia-Signature", log,
	)

	sessionIssuer := authtoken.New(cfg.SessionSigningKey, sessionTokenTTL)
	apiServer := api.NewServer(h, pl, rooms, memberships, wallets, sessionResolver(sessionIssuer), cfg.API.CSRFHeader, webhookHandler, log)

	return &app{db: db, jobs: jobs, api: apiServer}, nil
}

func sessionResolver(issuer *authtoken.Issuer) api.SessionResolver {
	return func(ctx context.Context, cookie string) (string, bool, error) {
		userID, err := issuer.Verify(cookie)
		if err == authtoken.ErrInvalid {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		return userID, true, nil
	}
}

func buildLLMClient(cfg *config.Config, log zerolog.Logger) *llm.Client {
	var primary, secondary llm.Provider
	providers := map[string]func() llm.Provider{
		"openai":    func() llm.Provider { return llm.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.LLM.DefaultModel, log) },
		"anthropic": func() llm.Provider { return llm.NewAnthropicProvider(cfg.AnthropicKey, cfg.LLM.DefaultModel, log) },
	}
	if make_, ok := providers[cfg.LLM.PrimaryProvider]; ok {
		primary = make_()
	}
	if make_, ok := providers[cfg.LLM.SecondaryProvider]; ok {
		secondary = make_()
	}
	return llm.NewClient(primary, secondary, log)
}

func buildIntentParser(client *llm.Client, memCache *cache.Cache, log zerolog.Logger) *intent.Parser {
	p := intent.NewParser(client, memCache, log)

	remindPattern, remindBuild := intent.QuickMatchRemind()
	p.RegisterQuickMatch(remindPattern, remindBuild)
	balancePattern, balanceBuild := intent.QuickMatchBalance()
	p.RegisterQuickMatch(balancePattern, balanceBuild)

	for action, raw := range actionSchemas {
		schema := mustCompileSchema(action, raw)
		p.RegisterAction(action, schema, actionDescriptions[action])
	}
	return p
}

// actionSchemas gives every connector action the permissive JSON Schema
// its params must satisfy; each connector's own Validate then enforces
// the tighter, action-specific rules.
var actionSchemas = map[string]string{
	"search_buses": `{"type":"object","required":["origin","destination"]}`, "search_hotels": `{"type":"object","required":["destination"]}`,
	"search_flights": `{"type":"object","required":["origin","destination"]}`, "search_transfers": `{"type":"object","required":["origin","destination"]}`,
	"search_events": `{"type":"object","required":["destination"]}`,
	"create_from_searches": `{"type":"object"}`, "summarize": `{"type":"object"}`, "recommend": `{"type":"object"}`, "export": `{"type":"object","required":["format"]}`,
	"list_events": `{"type":"object"}`, "booking_link_of": `{"type":"object","required":["target_user"]}`,
	"set": `{"type":"object","required":["content","due_at"]}`, "list": `{"type":"object"}`, "cancel": `{"type":"object","required":["id"]}`,
	"send_whatsapp": `{"type":"object","required":["to","content"]}`, "send_email": `{"type":"object","required":["to","content"]}`,
	"balance": `{"type":"object"}`, "list_txns": `{"type":"object"}`,
	"get_weather": `{"type":"object","required":["location"]}`, "get_currency": `{"type":"object","required":["from","to"]}`,
	"get_gif": `{"type":"object","required":["query"]}`, "get_websearch": `{"type":"object","required":["query"]}`,
}

var actionDescriptions = map[string]string{
	"search_buses": "search for bus routes", "search_hotels": "search for hotels", "search_flights": "search for flights",
	"search_transfers": "search for airport transfers", "search_events": "search for local events",
	"create_from_searches": "assemble an itinerary from prior searches", "summarize": "summarize a saved itinerary",
	"recommend": "recommend an itinerary option", "export": "export an itinerary",
	"list_events": "list calendar events", "booking_link_of": "get another user's booking link",
	"set": "set a reminder", "list": "list reminders", "cancel": "cancel a reminder",
	"send_whatsapp": "send a WhatsApp message", "send_email": "send an email",
	"balance": "check wallet balance", "list_txns": "list wallet transactions",
	"get_weather": "look up the weather", "get_currency": "convert currency", "get_gif": "find a gif", "get_websearch": "search the web",
}

func mustCompileSchema(action, raw string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	resource := action + ".json"
	if err := c.AddResource(resource, strings.NewReader(raw)); err != nil {
		panic(err) // programmer error: a hardcoded schema failed to parse
	}
	schema, err := c.Compile(resource)
	if err != nil {
		panic(err)
	}
	return schema
}

func buildConnectors(cfg *config.Config, reminders *store.ReminderRepo, wallets *store.WalletRepo, jobs *jobqueue.Queue,
	limiter *ratelimit.Limiter, memCache *cache.Cache, kvStore kv.Store, log zerolog.Logger) (*connector.Registry, *connector.Framework) {

	framework := connector.NewFramework(memCache, limiter, log)
	registry := connector.NewRegistry()

	travel := connectors.NewTravel()
	registry.Register(travel, "search_buses", "search_hotels", "search_flights", "search_transfers", "search_events")

	itinerary := connectors.NewItinerary()
	registry.Register(itinerary, "create_from_searches", "summarize", "recommend", "export")

	calendar := connectors.NewCalendar(func(ctx context.Context, requester, target string) (bool, error) {
		return requester == target, nil
	})
	registry.Register(calendar, "list_events", "booking_link_of")

	reminderConn := connectors.NewReminders(reminders)
	registry.Register(reminderConn, "set", "list", "cancel")

	messaging := connectors.NewMessaging(jobs, noopSender, noopSender)
	registry.Register(messaging, "send_whatsapp", "send_email")

	wallet := connectors.NewWallet(wallets)
	registry.Register(wallet, "balance", "list_txns")

	info := connectors.NewInfo(kvStore, log)
	info.RegisterFetcher("get_weather", stubFetcher("weather"))
	info.RegisterFetcher("get_currency", stubFetcher("currency"))
	info.RegisterFetcher("get_gif", stubFetcher("gif"))
	info.RegisterFetcher("get_websearch", connectors.DuckDuckGoFetcher)
	registry.Register(info, "get_weather", "get_currency", "get_gif", "get_websearch")

	for _, server := range cfg.MCP.Servers {
		timeout := time.Duration(server.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		bridge := connectors.NewMCPBridge(connectors.MCPServerConfig{
			Name:        server.Name,
			Endpoint:    server.Endpoint,
			AuthToken:   server.AuthToken,
			Timeout:     timeout,
			ActionTools: server.ActionTools,
		}, log)
		actions := make([]string, 0, len(server.ActionTools))
		for action := range server.ActionTools {
			actions = append(actions, action)
		}
		registry.Register(bridge, actions...)
	}

	return registry, framework
}

// noopSender stands in for a real WhatsApp/email transport; callers see a
// queued-for-retry failure until a provider is configured.
func noopSender(ctx context.Context, to, content string) error {
	return errNoTransportConfigured
}

var errNoTransportConfigured = &transportError{}

type transportError struct{}

func (*transportError) Error() string { return "no outbound transport configured for this channel" }

// stubFetcher returns a connectors.Fetcher that reports the given source
// is unavailable; operators wire a real upstream call (weather API,
// currency API, GIF/websearch provider) per the source name in
// production config.
func stubFetcher(source string) connectors.Fetcher {
	return func(ctx context.Context, params map[string]any) (any, error) {
		return nil, &transportError{}
	}
}

func classifyText(ctx context.Context, client *llm.Client, text string) (connectors.Verdict, error) {
	stream, err := client.Complete(ctx, llm.CompleteParams{
		Mode:   llm.ModeJSON,
		Schema: []byte(`{"type":"object","required":["action","reason"]}`),
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "Classify the message as allow, flag, or block. Respond as JSON with action and reason."},
			{Role: llm.RoleUser, Content: text},
		},
	})
	if err != nil {
		return connectors.Verdict{}, err
	}
	var final []byte
	for chunk := range stream {
		switch chunk.Type {
		case llm.ChunkFinal:
			final = chunk.Final
		case llm.ChunkError:
			return connectors.Verdict{}, chunk.Err
		}
	}
	var verdict connectors.Verdict
	if err := json.Unmarshal(final, &verdict); err != nil {
		return connectors.Verdict{}, err
	}
	return verdict, nil
}

func registerPeriodicTicks(jobs *jobqueue.Queue, cfg *config.Config, reminders *workers.ReminderDispatcher,
	moderation *workers.ModerationBatch, summarizer *workers.Summarizer, log zerolog.Logger) {

	const (
		reminderTickJob      = "tick:reminder_dispatch"
		moderationTickJob    = "tick:moderation_batch"
		summarizationTickJob = "tick:summarization"
	)

	jobs.RegisterConsumer(reminderTickJob, func(ctx context.Context, payload json.RawMessage, attempt int) jobqueue.Outcome {
		reminders.RunOnce(ctx)
		return jobqueue.Ok()
	})
	jobs.RegisterConsumer(moderationTickJob, func(ctx context.Context, payload json.RawMessage, attempt int) jobqueue.Outcome {
		moderation.RunOnce(ctx)
		return jobqueue.Ok()
	})
	jobs.RegisterConsumer(summarizationTickJob, func(ctx context.Context, payload json.RawMessage, attempt int) jobqueue.Outcome {
		summarizer.RunOnce(ctx)
		return jobqueue.Ok()
	})

	mustSchedule := func(spec, name string) {
		if err := jobs.SchedulePeriodic(spec, name, nil); err != nil {
			log.Fatal().Err(err).Str("job", name).Msg("mathiad: failed to schedule periodic job")
		}
	}
	mustSchedule(everySeconds(cfg.Cron.ReminderTick), reminderTickJob)
	mustSchedule(everySeconds(cfg.Cron.ModerationTick), moderationTickJob)
	mustSchedule(everySeconds(cfg.Cron.SummarizationTick), summarizationTickJob)
}

func everySeconds(d time.Duration) string {
	return "@every " + d.String()
}
