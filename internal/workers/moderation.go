package workers

import (
	"context"

	"github.com/google/uuid"
	"github.com/mathia-chat/mathia/internal/connector/connectors"
	"github.com/mathia-chat/mathia/internal/crypto"
	"github.com/mathia-chat/mathia/internal/pipeline"
	"github.com/mathia-chat/mathia/internal/store"
	"github.com/rs/zerolog"
)

const moderationBatchSize = 100

// ModerationNotifier alerts moderators a message was flagged or blocked.
type ModerationNotifier func(ctx context.Context, flag store.ModerationFlag, roomID string)

// ModerationBatch periodically decrypts and classifies messages that
// haven't yet passed moderation, recording flags for anything the
// classifier marks flag or block. It never re-evaluates a message twice.
type ModerationBatch struct {
	messages  *store.MessageRepo
	flags     *store.ModerationFlagRepo
	roomKeyAt pipeline.RoomKeyVersionResolver
	classify  connectors.Classifier
	notify    ModerationNotifier
	log       zerolog.Logger
}

func NewModerationBatch(messages *store.MessageRepo, flags *store.ModerationFlagRepo, roomKeyAt pipeline.RoomKeyVersionResolver,
	classify connectors.Classifier, notify ModerationNotifier, log zerolog.Logger) *ModerationBatch {
	return &ModerationBatch{
		messages: messages, flags: flags, roomKeyAt: roomKeyAt, classify: classify, notify: notify,
		log: log.With().Str("component", "moderation_batch").Logger(),
	}
}

// RunOnce processes one batch of unmoderated messages. Intended to be
// invoked every 300s.
func (b *ModerationBatch) RunOnce(ctx context.Context) {
	pending, err := b.messages.Unmoderated(ctx, moderationBatchSize)
	if err != nil {
		b.log.Error().Err(err).Msg("moderation_batch: failed to list unmoderated messages")
		return
	}
	for _, msg := range pending {
		b.processOne(ctx, msg)
	}
}

func (b *ModerationBatch) processOne(ctx context.Context, msg store.Message) {
	roomKey, err := b.roomKeyAt(ctx, msg.RoomID, msg.KeyVersion)
	if err != nil {
		b.log.Error().Err(err).Str("message_id", msg.ID).Msg("moderation_batch: could not resolve room key")
		return
	}
	plaintext, err := crypto.Decrypt(roomKey, msg.Ciphertext, msg.Nonce)
	if err != nil {
		crypto.LogDecryptFailure(b.log, msg.RoomID, msg.SenderID, err)
		_ = b.messages.MarkModerated(ctx, msg.ID)
		return
	}

	verdict, err := b.classify(ctx, string(plaintext))
	if err != nil {
		b.log.Error().Err(err).Str("message_id", msg.ID).Msg("moderation_batch: classifier failed, leaving unmoderated for retry")
		return
	}

	if err := b.messages.MarkModerated(ctx, msg.ID); err != nil {
		b.log.Error().Err(err).Str("message_id", msg.ID).Msg("moderation_batch: failed to mark moderated")
		return
	}
	if verdict.Action == "allow" {
		return
	}

	flag := store.ModerationFlag{ID: uuid.NewString(), MessageID: msg.ID, Reason: verdict.Reason}
	if err := b.flags.Create(ctx, flag); err != nil {
		b.log.Error().Err(err).Str("message_id", msg.ID).Msg("moderation_batch: failed to record flag")
		return
	}
	if b.notify != nil {
		b.notify(ctx, flag, msg.RoomID)
	}
}
