// Package workers implements the scheduled and job-driven background
// operations: the assistant intent worker, reminder dispatcher,
// moderation batch pass and context summarizer.
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/mathia-chat/mathia/internal/connector"
	"github.com/mathia-chat/mathia/internal/intent"
	"github.com/mathia-chat/mathia/internal/jobqueue"
	"github.com/mathia-chat/mathia/internal/llm"
	"github.com/mathia-chat/mathia/internal/pipeline"
	"github.com/mathia-chat/mathia/internal/router"
	"github.com/rs/zerolog"
)

const maxStreamChunkBytes = 2048

// AssistantWorker consumes pipeline.IntentJobPayload jobs: it classifies
// the utterance, routes resolved actions through the MCP router, and
// otherwise streams a direct chat reply, persisting the final text as one
// assistant message.
type AssistantWorker struct {
	parser   *intent.Parser
	router   *router.Router
	client   *llm.Client
	pipeline *pipeline.Pipeline
	log      zerolog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc // room_id -> cancel of its in-flight correlation
}

func NewAssistantWorker(parser *intent.Parser, r *router.Router, client *llm.Client, p *pipeline.Pipeline, log zerolog.Logger) *AssistantWorker {
	return &AssistantWorker{
		parser: parser, router: r, client: client, pipeline: p,
		log:    log.With().Str("component", "assistant_worker").Logger(),
		active: make(map[string]context.CancelFunc),
	}
}

// Register attaches this worker as the consumer for pipeline.IntentJobName.
func (w *AssistantWorker) Register(queue *jobqueue.Queue) {
	queue.RegisterConsumer(pipeline.IntentJobName, w.consume)
}

// consume is the jobqueue.Consumer entrypoint. A new request landing in a
// room preempts any reply still streaming for that room: only one
// assistant reply is ever in flight per room.
func (w *AssistantWorker) consume(ctx context.Context, payload json.RawMessage, attempt int) jobqueue.Outcome {
	var job pipeline.IntentJobPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		w.log.Error().Err(err).Msg("assistant_worker: corrupt job payload")
		return jobqueue.Dead()
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	if prior, ok := w.active[job.RoomID]; ok {
		prior()
	}
	w.active[job.RoomID] = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		if w.active[job.RoomID] != nil {
			delete(w.active, job.RoomID)
		}
		w.mu.Unlock()
		cancel()
	}()

	if err := w.handle(runCtx, job); err != nil {
		if runCtx.Err() != nil {
			w.log.Debug().Str("correlation_id", job.CorrelationID).Msg("assistant_worker: superseded by a newer request")
			return jobqueue.Ok()
		}
		w.log.Error().Err(err).Str("correlation_id", job.CorrelationID).Msg("assistant_worker: reply failed")
		if attempt >= 3 {
			return jobqueue.Dead()
		}
		return jobqueue.Retry(0)
	}
	return jobqueue.Ok()
}

func (w *AssistantWorker) handle(ctx context.Context, job pipeline.IntentJobPayload) error {
	in := intent.Input{Utterance: job.Utterance, RequestingUser: job.UserID, Room: job.RoomID}
	resolved, err := w.parser.Parse(ctx, in)
	if err != nil {
		return fmt.Errorf("assistant_worker: parse intent: %w", err)
	}

	if resolved.Action != intent.ActionChat && resolved.Action != intent.ActionNone {
		return w.handleToolAction(ctx, job, resolved)
	}
	return w.handleChatReply(ctx, job)
}

func (w *AssistantWorker) handleToolAction(ctx context.Context, job pipeline.IntentJobPayload, in intent.Intent) error {
	result, err := w.router.Route(ctx, in.Action, in.Params, job.UserID, job.RoomID)
	if err != nil {
		reply := "I couldn't complete that: " + err.Error()
		_, perr := w.pipeline.PersistAssistantMessage(ctx, job.RoomID, reply, job.CorrelationID)
		return perr
	}
	reply := summarizeConnectorResult(in.Action, result)
	_, err = w.pipeline.PersistAssistantMessage(ctx, job.RoomID, reply, job.CorrelationID)
	return err
}

func (w *AssistantWorker) handleChatReply(ctx context.Context, job pipeline.IntentJobPayload) error {
	stream, err := w.client.Complete(ctx, llm.CompleteParams{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You are mathia, a helpful assistant in a group chat. Keep replies concise."},
			{Role: llm.RoleUser, Content: job.Utterance},
		},
		Mode: llm.ModeText,
	})
	if err != nil {
		return fmt.Errorf("assistant_worker: open stream: %w", err)
	}

	var full []byte
	var pending []byte
	for chunk := range stream {
		switch chunk.Type {
		case llm.ChunkDelta:
			full = append(full, chunk.Delta...)
			pending = append(pending, chunk.Delta...)
			for len(pending) >= maxStreamChunkBytes {
				cut := maxStreamChunkBytes
				for cut > 1 && cut < len(pending) && !utf8.RuneStart(pending[cut]) {
					cut--
				}
				w.pipeline.BroadcastAssistantChunk(job.RoomID, job.CorrelationID, string(pending[:cut]))
				pending = pending[cut:]
			}
		case llm.ChunkError:
			return fmt.Errorf("assistant_worker: stream error: %w", chunk.Err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if len(pending) > 0 {
		w.pipeline.BroadcastAssistantChunk(job.RoomID, job.CorrelationID, string(pending))
	}

	_, err = w.pipeline.PersistAssistantMessage(ctx, job.RoomID, string(full), job.CorrelationID)
	return err
}

func summarizeConnectorResult(action string, result connector.Result) string {
	if result.Message != "" {
		return result.Message
	}
	return fmt.Sprintf("done: %s (%s)", action, result.Status)
}
