package workers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mathia-chat/mathia/internal/crypto"
	"github.com/mathia-chat/mathia/internal/llm"
	"github.com/mathia-chat/mathia/internal/pipeline"
	"github.com/mathia-chat/mathia/internal/store"
	"github.com/rs/zerolog"
)

const (
	summarizationPageSize    = 200
	summarizationMinMessages = 50 // rooms thinner than this aren't worth compressing yet
)

// Summarizer periodically compresses a room's older history into a
// RoomSummary, without mutating the underlying messages.
type Summarizer struct {
	rooms     *store.RoomRepo
	messages  *store.MessageRepo
	summaries *store.RoomSummaryRepo
	roomKeyAt pipeline.RoomKeyVersionResolver
	client    *llm.Client
	log       zerolog.Logger
	now       func() time.Time
}

func NewSummarizer(rooms *store.RoomRepo, messages *store.MessageRepo, summaries *store.RoomSummaryRepo,
	roomKeyAt pipeline.RoomKeyVersionResolver, client *llm.Client, log zerolog.Logger) *Summarizer {
	return &Summarizer{
		rooms: rooms, messages: messages, summaries: summaries, roomKeyAt: roomKeyAt, client: client,
		log: log.With().Str("component", "summarizer").Logger(), now: time.Now,
	}
}

// RunOnce summarizes every active room whose history has grown past the
// last summary's watermark. Intended to be invoked every 900s.
func (s *Summarizer) RunOnce(ctx context.Context) {
	rooms, err := s.rooms.ListActive(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("summarizer: failed to list active rooms")
		return
	}
	for _, room := range rooms {
		if err := s.summarizeRoom(ctx, room.ID); err != nil {
			s.log.Error().Err(err).Str("room_id", room.ID).Msg("summarizer: failed to summarize room")
		}
	}
}

func (s *Summarizer) summarizeRoom(ctx context.Context, roomID string) error {
	page, err := s.messages.PageBefore(ctx, roomID, s.now(), summarizationPageSize)
	if err != nil {
		return fmt.Errorf("summarizer: load history: %w", err)
	}
	if len(page) < summarizationMinMessages {
		return nil
	}

	prior, err := s.summaries.Latest(ctx, roomID)
	if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("summarizer: load prior summary: %w", err)
	}
	if err == nil && prior.CoversThroughMessage == page[0].ID {
		return nil // nothing new since the last summary
	}

	var transcript strings.Builder
	for i := len(page) - 1; i >= 0; i-- {
		msg := page[i]
		if msg.Flags.Deleted {
			continue
		}
		roomKey, err := s.roomKeyAt(ctx, roomID, msg.KeyVersion)
		if err != nil {
			return fmt.Errorf("summarizer: resolve room key for version %d: %w", msg.KeyVersion, err)
		}
		plaintext, err := crypto.Decrypt(roomKey, msg.Ciphertext, msg.Nonce)
		if err != nil {
			crypto.LogDecryptFailure(s.log, roomID, msg.SenderID, err)
			continue
		}
		fmt.Fprintf(&transcript, "%s: %s\n", msg.SenderID, plaintext)
	}
	if prior.Content != "" {
		transcript.WriteString("\n(prior summary: " + prior.Content + ")")
	}

	content, err := s.compress(ctx, transcript.String())
	if err != nil {
		return fmt.Errorf("summarizer: compress: %w", err)
	}

	return s.summaries.Put(ctx, store.RoomSummary{
		RoomID: roomID, Version: prior.Version + 1, Content: content,
		CoversThroughMessage: page[0].ID, CreatedAt: s.now(),
	})
}

func (s *Summarizer) compress(ctx context.Context, transcript string) (string, error) {
	stream, err := s.client.Complete(ctx, llm.CompleteParams{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "Summarize this chat transcript in 3-5 sentences, preserving names, decisions and open questions."},
			{Role: llm.RoleUser, Content: transcript},
		},
		Mode: llm.ModeText,
	})
	if err != nil {
		return "", err
	}
	var out strings.Builder
	for chunk := range stream {
		switch chunk.Type {
		case llm.ChunkDelta:
			out.WriteString(chunk.Delta)
		case llm.ChunkError:
			return "", chunk.Err
		}
	}
	return out.String(), nil
}
