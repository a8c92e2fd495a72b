// Package pipeline authenticates, authorizes, rate-limits, encrypts,
// persists and broadcasts one incoming chat message, forking to the
// intent pipeline when it targets the assistant.
package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/mathia-chat/mathia/internal/apierr"
	"github.com/mathia-chat/mathia/internal/crypto"
	"github.com/mathia-chat/mathia/internal/hub"
	"github.com/mathia-chat/mathia/internal/jobqueue"
	"github.com/mathia-chat/mathia/internal/kv"
	"github.com/mathia-chat/mathia/internal/ratelimit"
	"github.com/mathia-chat/mathia/internal/store"
	"github.com/rs/zerolog"
)

const (
	messagesPerWindow  = 30
	messageWindow      = 60 * time.Second
	idempotencyTTL     = 10 * time.Minute
	defaultHistoryPage = 50
)

var assistantTrigger = regexp.MustCompile(`(?i)(?:^|\s)@mathia\b`)

// RoomKeyResolver returns the currently active room key (already unwrapped)
// for roomID, along with its version.
type RoomKeyResolver func(ctx context.Context, roomID string) (key []byte, version int, err error)

// RoomKeyVersionResolver returns roomID's room key (already unwrapped) as
// it stood at version — used to decrypt messages encrypted under a key
// that has since been rotated out, since rotation retains prior wrapped
// versions precisely so older history stays readable.
type RoomKeyVersionResolver func(ctx context.Context, roomID string, version int) (key []byte, err error)

// IntentJobPayload is enqueued to the assistant-intent worker when a
// message targets the assistant.
type IntentJobPayload struct {
	CorrelationID string `json:"correlation_id"`
	RoomID        string `json:"room_id"`
	UserID        string `json:"user_id"`
	Utterance     string `json:"utterance"`
}

const IntentJobName = "assistant_intent"

// Pipeline wires the hub, persistence, crypto and rate limiting together
// for one inbound message.
type Pipeline struct {
	hub         *hub.Hub
	messages    *store.MessageRepo
	memberships *store.MembershipRepo
	roomKey     RoomKeyResolver
	roomKeyAt   RoomKeyVersionResolver
	limiter     *ratelimit.Limiter
	idempotent  kv.Store
	jobs        *jobqueue.Queue
	log         zerolog.Logger
	now         func() time.Time
}

func New(h *hub.Hub, messages *store.MessageRepo, memberships *store.MembershipRepo, roomKey RoomKeyResolver, roomKeyAt RoomKeyVersionResolver,
	limiter *ratelimit.Limiter, idempotent kv.Store, jobs *jobqueue.Queue, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		hub: h, messages: messages, memberships: memberships, roomKey: roomKey, roomKeyAt: roomKeyAt,
		limiter: limiter, idempotent: idempotent, jobs: jobs,
		log: log.With().Str("component", "pipeline").Logger(), now: time.Now,
	}
}

// IncomingMessage is one new_message frame from a connected transport.
type IncomingMessage struct {
	UserID         string
	RoomID         string
	Body           string
	ParentID       string
	IdempotencyKey string
}

// HandleNewMessage runs the full pipeline: authorize, rate-limit, encrypt,
// persist, broadcast, and fork to the intent worker when the assistant is
// addressed.
func (p *Pipeline) HandleNewMessage(ctx context.Context, in IncomingMessage) error {
	if in.UserID == "" {
		return apierr.New(apierr.Unauthenticated, nil)
	}

	if _, err := p.memberships.Get(ctx, in.RoomID, in.UserID); err != nil {
		if err == store.ErrNotFound {
			return apierr.New(apierr.Forbidden, nil)
		}
		return apierr.New(apierr.Internal, err)
	}

	if in.IdempotencyKey != "" {
		dupKey := "idempotency:" + in.RoomID + ":" + in.UserID + ":" + in.IdempotencyKey
		if _, err := p.idempotent.Get(ctx, dupKey); err == nil {
			p.log.Debug().Str("idempotency_key", in.IdempotencyKey).Msg("pipeline: duplicate send suppressed")
			return nil
		}
		if err := p.idempotent.Set(ctx, dupKey, "1", idempotencyTTL); err != nil {
			p.log.Warn().Err(err).Msg("pipeline: failed to record idempotency key")
		}
	}

	rateKey := ratelimit.RoomMessageKey(in.UserID, in.RoomID)
	res, err := p.limiter.Take(ctx, rateKey, messagesPerWindow, messageWindow)
	if err != nil {
		return apierr.New(apierr.Internal, err)
	}
	if !res.Allowed {
		p.hub.Broadcast(in.RoomID, hub.Frame{Command: "system_message", Data: map[string]any{
			"to": in.UserID, "text": apierr.HumanMessages[apierr.RateLimited],
		}})
		return apierr.RateLimitedErr(int64(res.RetryAfter.Seconds()))
	}

	roomKey, version, err := p.roomKey(ctx, in.RoomID)
	if err != nil {
		return apierr.New(apierr.Internal, fmt.Errorf("pipeline: resolve room key: %w", err))
	}
	ciphertext, nonce, err := crypto.Encrypt(roomKey, []byte(in.Body))
	if err != nil {
		return apierr.New(apierr.Internal, err)
	}

	msg := store.Message{
		ID: uuid.NewString(), RoomID: in.RoomID, SenderID: in.UserID,
		Ciphertext: ciphertext, Nonce: nonce, KeyVersion: version,
		Timestamp: p.now(), ParentID: in.ParentID,
	}
	if err := p.messages.Append(ctx, msg); err != nil {
		return apierr.New(apierr.Internal, err)
	}

	p.hub.Broadcast(in.RoomID, hub.Frame{Command: "new_message", Data: map[string]any{
		"message_id": msg.ID, "sender_id": msg.SenderID, "body": in.Body,
		"timestamp": msg.Timestamp, "parent_id": msg.ParentID,
	}})

	if assistantTrigger.MatchString(in.Body) {
		payload := IntentJobPayload{CorrelationID: msg.ID, RoomID: in.RoomID, UserID: in.UserID, Utterance: in.Body}
		if _, err := p.jobs.Enqueue(ctx, IntentJobName, payload, jobqueue.EnqueueOpts{DedupKey: "intent:" + msg.ID}); err != nil {
			p.log.Error().Err(err).Str("message_id", msg.ID).Msg("pipeline: failed to enqueue assistant intent job")
		}
	}
	return nil
}

// AssistantSenderID marks messages the assistant worker writes back into a
// room, distinguishing them from member-authored messages in the feed.
const AssistantSenderID = "mathia"

// PersistAssistantMessage encrypts, persists and broadcasts the
// assistant's final reply to a prior intent job, bypassing the member
// rate limit and the @mathia trigger check that apply to user-authored
// sends: the worker, not a connected transport, owns this write.
func (p *Pipeline) PersistAssistantMessage(ctx context.Context, roomID, body, correlationID string) (string, error) {
	roomKey, version, err := p.roomKey(ctx, roomID)
	if err != nil {
		return "", apierr.New(apierr.Internal, fmt.Errorf("pipeline: resolve room key: %w", err))
	}
	ciphertext, nonce, err := crypto.Encrypt(roomKey, []byte(body))
	if err != nil {
		return "", apierr.New(apierr.Internal, err)
	}

	msg := store.Message{
		ID: uuid.NewString(), RoomID: roomID, SenderID: AssistantSenderID,
		Ciphertext: ciphertext, Nonce: nonce, KeyVersion: version,
		Timestamp: p.now(), ParentID: correlationID, Flags: store.MessageFlags{Assistant: true},
	}
	if err := p.messages.Append(ctx, msg); err != nil {
		return "", apierr.New(apierr.Internal, err)
	}

	p.hub.Broadcast(roomID, hub.Frame{Command: "ai_message_saved", Data: map[string]any{
		"message_id": msg.ID, "correlation_id": correlationID, "body": body, "timestamp": msg.Timestamp,
	}})
	return msg.ID, nil
}

// BroadcastAssistantChunk relays one streamed token chunk to roomID without
// persisting it, capped by the worker to maxStreamChunkBytes.
func (p *Pipeline) BroadcastAssistantChunk(roomID, correlationID, delta string) {
	p.hub.Broadcast(roomID, hub.Frame{Command: "ai_stream", Data: map[string]any{
		"correlation_id": correlationID, "delta": delta,
	}})
}

// DecryptedMessage is a message with its body recovered at the egress
// boundary only — the store itself never holds plaintext.
type DecryptedMessage struct {
	ID        string
	SenderID  string
	Body      string
	Timestamp time.Time
	ParentID  string
}

// FetchMessages returns up to limit messages in roomID older than before,
// newest first, decrypted for transport.
func (p *Pipeline) FetchMessages(ctx context.Context, roomID string, before time.Time, limit int) ([]DecryptedMessage, error) {
	if limit <= 0 {
		limit = defaultHistoryPage
	}
	page, err := p.messages.PageBefore(ctx, roomID, before, limit)
	if err != nil {
		return nil, apierr.New(apierr.Internal, err)
	}

	out := make([]DecryptedMessage, 0, len(page))
	for _, msg := range page {
		roomKey, err := p.roomKeyAt(ctx, roomID, msg.KeyVersion)
		if err != nil {
			return nil, apierr.New(apierr.Internal, err)
		}
		plaintext, err := crypto.Decrypt(roomKey, msg.Ciphertext, msg.Nonce)
		body := string(plaintext)
		if err != nil {
			crypto.LogDecryptFailure(p.log, roomID, msg.SenderID, err)
			body = "[unable to decrypt]"
		}
		out = append(out, DecryptedMessage{ID: msg.ID, SenderID: msg.SenderID, Body: body, Timestamp: msg.Timestamp, ParentID: msg.ParentID})
	}
	return out, nil
}
