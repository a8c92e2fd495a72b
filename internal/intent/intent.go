// Package intent implements the intent parser: a regex quick-match
// pre-pass followed by a strict-JSON LLM pass validated against a
// per-action JSON Schema, with a determinism cache keyed on (utterance,
// profile hash, context hash).
package intent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/mathia-chat/mathia/internal/cache"
	"github.com/mathia-chat/mathia/internal/llm"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Intent is the parser's output: either a resolved action with validated
// params, or the zero value when nothing matched (ActionNone).
type Intent struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

const ActionNone = ""
const ActionChat = "chat"

// ActionSchema pairs an action name with the JSON Schema its params must
// satisfy. Parser itself receives schemas one at a time via RegisterAction.
type ActionSchema struct {
	Action string
	Schema *jsonschema.Schema
}

// QuickMatcher recognizes unambiguous utterance forms without invoking the
// LLM at all (e.g. "/remind ...", "@mathia balance").
type QuickMatcher struct {
	pattern *regexp.Regexp
	build   func(matches []string) Intent
}

// Parser runs the two-pass algorithm: quick-match then strict-JSON LLM.
type Parser struct {
	client      *llm.Client
	quickMatch  []QuickMatcher
	schemas     map[string]*jsonschema.Schema
	actionsDesc string // rendered for the LLM system prompt
	cache       *cache.Cache
	log         zerolog.Logger
}

func NewParser(client *llm.Client, c *cache.Cache, log zerolog.Logger) *Parser {
	return &Parser{
		client:  client,
		schemas: make(map[string]*jsonschema.Schema),
		cache:   c,
		log:     log.With().Str("component", "intent_parser").Logger(),
	}
}

// RegisterAction adds one action's schema to the pool the LLM pass may
// choose from, and its description line for the system prompt.
func (p *Parser) RegisterAction(action string, schema *jsonschema.Schema, description string) {
	p.schemas[action] = schema
	if p.actionsDesc != "" {
		p.actionsDesc += "\n"
	}
	p.actionsDesc += fmt.Sprintf("- %s: %s", action, description)
}

// RegisterQuickMatch adds one regex pre-pass rule, tried before the LLM.
func (p *Parser) RegisterQuickMatch(pattern string, build func(matches []string) Intent) {
	p.quickMatch = append(p.quickMatch, QuickMatcher{pattern: regexp.MustCompile(pattern), build: build})
}

// Input bundles the parser's request.
type Input struct {
	Utterance    string
	ProfileHash  string
	ContextHash  string
	RequestingUser string // injected by the caller, never trusted from LLM output
	Room           string
}

// Parse resolves utterance into an Intent. On the LLM path, in.RequestingUser
// and in.Room are stamped onto the params as requesting_user and room,
// overwriting any values the model returned; quick-matched intents carry
// only the params their builder sets.
func (p *Parser) Parse(ctx context.Context, in Input) (Intent, error) {
	for _, qm := range p.quickMatch {
		if matches := qm.pattern.FindStringSubmatch(in.Utterance); matches != nil {
			return qm.build(matches), nil
		}
	}

	key := determinismKey(in.Utterance, in.ProfileHash, in.ContextHash)
	var cached Intent
	if err := p.cache.Get(ctx, key, &cached); err == nil {
		return cached, nil
	}

	intent, err := p.llmPass(ctx, in, "")
	if err != nil {
		intent, err = p.llmPass(ctx, in, err.Error())
		if err != nil {
			p.log.Warn().Err(err).Msg("intent: two LLM passes failed validation, falling back to chat")
			intent = Intent{Action: ActionChat, Params: map[string]any{}}
		}
	}

	if err := p.cache.Set(ctx, key, intent, time.Hour); err != nil {
		p.log.Warn().Err(err).Msg("intent: failed to persist determinism cache entry")
	}
	return intent, nil
}

func (p *Parser) llmPass(ctx context.Context, in Input, priorError string) (Intent, error) {
	system := "You are an intent classifier. Choose exactly one action from:\n" + p.actionsDesc +
		"\nRespond with strict JSON: {\"action\": string, \"params\": object}. Use action \"chat\" if nothing else fits."
	prompt := in.Utterance
	if priorError != "" {
		prompt = fmt.Sprintf("%s\n\nYour previous response was invalid: %s\nTry again with strictly valid JSON.", prompt, priorError)
	}

	stream, err := p.client.Complete(ctx, llm.CompleteParams{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: prompt},
		},
		Mode:        llm.ModeJSON,
		Temperature: 0,
		MaxTokens:   512,
	})
	if err != nil {
		return Intent{}, fmt.Errorf("intent: llm call failed: %w", err)
	}

	var raw []byte
	for chunk := range stream {
		switch chunk.Type {
		case llm.ChunkFinal:
			raw = chunk.Final
		case llm.ChunkError:
			return Intent{}, fmt.Errorf("intent: llm stream error: %w", chunk.Err)
		}
	}

	if !gjson.ValidBytes(raw) {
		return Intent{}, fmt.Errorf("intent: invalid JSON from model")
	}
	action := gjson.GetBytes(raw, "action").String()
	if action == ActionChat || action == ActionNone {
		return Intent{Action: ActionChat, Params: map[string]any{}}, nil
	}

	schema, ok := p.schemas[action]
	if !ok {
		return Intent{}, fmt.Errorf("intent: model chose unknown action %q", action)
	}

	paramsResult := gjson.GetBytes(raw, "params")
	paramsJSON := []byte(paramsResult.Raw)
	if !paramsResult.IsObject() {
		paramsJSON = []byte("{}")
	}

	var asAny any
	if err := json.Unmarshal(paramsJSON, &asAny); err != nil {
		return Intent{}, fmt.Errorf("intent: unmarshal params: %w", err)
	}
	if err := schema.Validate(asAny); err != nil {
		return Intent{}, fmt.Errorf("intent: params failed schema validation for %q: %w", action, err)
	}

	// Stamp the caller-supplied identity onto the validated params via
	// direct JSON surgery rather than round-tripping through a map, so a
	// model-supplied "requesting_user" or "room" field is always
	// overwritten, never trusted.
	stamped, err := sjson.SetBytes(paramsJSON, "requesting_user", in.RequestingUser)
	if err != nil {
		return Intent{}, fmt.Errorf("intent: stamp requesting_user: %w", err)
	}
	stamped, err = sjson.SetBytes(stamped, "room", in.Room)
	if err != nil {
		return Intent{}, fmt.Errorf("intent: stamp room: %w", err)
	}

	var params map[string]any
	if err := json.Unmarshal(stamped, &params); err != nil {
		return Intent{}, fmt.Errorf("intent: unmarshal stamped params: %w", err)
	}

	return Intent{Action: action, Params: params}, nil
}

func determinismKey(utterance, profileHash, contextHash string) string {
	sum := sha256.Sum256([]byte(utterance + "|" + profileHash + "|" + contextHash))
	return "intent:" + hex.EncodeToString(sum[:])
}

const defaultQuickMatchReminderChannel = "inapp"

var relativeUnitDurations = map[string]time.Duration{
	"second": time.Second, "minute": time.Minute, "hour": time.Hour,
}

// QuickMatchRemind recognizes "/remind <content> in <duration>" and
// "@mathia remind me ... in ..." forms, with an optional trailing
// "via <channel>" clause, without invoking the LLM. The relative duration
// is resolved to an absolute due_at here, at match time, since nothing
// downstream of the quick-match pass sees the utterance's original wall
// clock again.
func QuickMatchRemind() (string, func([]string) Intent) {
	pattern := `(?i)^(?:/remind|@mathia remind me)\s+"?([^"]+?)"?\s+in\s+(\d+)\s*(second|minute|hour)s?(?:\s+via\s+(inapp|email|whatsapp|both))?\s*$`
	return pattern, func(m []string) Intent {
		amount, _ := strconv.Atoi(m[2])
		dueAt := time.Now().Add(time.Duration(amount) * relativeUnitDurations[m[3]])
		channel := m[4]
		if channel == "" {
			channel = defaultQuickMatchReminderChannel
		}
		return Intent{Action: "set", Params: map[string]any{
			"content": m[1],
			"due_at":  dueAt.Format(time.RFC3339),
			"channel": channel,
		}}
	}
}

// QuickMatchBalance recognizes "@mathia balance" verbatim.
func QuickMatchBalance() (string, func([]string) Intent) {
	pattern := `(?i)^@mathia\s+balance\s*$`
	return pattern, func(m []string) Intent { return Intent{Action: "balance", Params: map[string]any{}} }
}
