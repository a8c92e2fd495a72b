package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// MessageRepo persists encrypted messages. Timestamps are assigned by the
// caller (internal/pipeline) holding the per-room write lock so ordering
// within a room is monotonic.
type MessageRepo struct{ db *DB }

func NewMessageRepo(db *DB) *MessageRepo { return &MessageRepo{db: db} }

// Append inserts a message and bumps the sender's last_read_at in the same
// transaction, since sending a message implies having read up to it.
func (r *MessageRepo) Append(ctx context.Context, msg Message) error {
	tx, err := r.db.beginWrite(ctx)
	if err != nil {
		return fmt.Errorf("store: append message: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, room_id, sender_id, ciphertext, nonce, key_version, ts, parent_id,
			flag_image, flag_file, flag_voice, flag_assistant, flag_moderated, flag_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.RoomID, msg.SenderID, msg.Ciphertext, msg.Nonce, msg.KeyVersion, msg.Timestamp.UnixNano(), msg.ParentID,
		boolToInt(msg.Flags.Image), boolToInt(msg.Flags.File), boolToInt(msg.Flags.Voice),
		boolToInt(msg.Flags.Assistant), boolToInt(msg.Flags.Moderated), boolToInt(msg.Flags.Deleted))
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE memberships SET last_read_at = ? WHERE room_id = ? AND user_id = ?`,
		msg.Timestamp.UnixNano(), msg.RoomID, msg.SenderID)
	if err != nil {
		return fmt.Errorf("store: bump sender read marker: %w", err)
	}

	return tx.Commit()
}

func (r *MessageRepo) Get(ctx context.Context, id string) (Message, error) {
	row := r.db.sql.QueryRowContext(ctx, `
		SELECT id, room_id, sender_id, ciphertext, nonce, key_version, ts, parent_id,
			flag_image, flag_file, flag_voice, flag_assistant, flag_moderated, flag_deleted
		FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// PageBefore returns up to limit messages in roomID with ts < before,
// newest first — the cursor shape used by the boundary API's history
// endpoint.
func (r *MessageRepo) PageBefore(ctx context.Context, roomID string, before time.Time, limit int) ([]Message, error) {
	rows, err := r.db.sql.QueryContext(ctx, `
		SELECT id, room_id, sender_id, ciphertext, nonce, key_version, ts, parent_id,
			flag_image, flag_file, flag_voice, flag_assistant, flag_moderated, flag_deleted
		FROM messages WHERE room_id = ? AND ts < ? ORDER BY ts DESC LIMIT ?`,
		roomID, before.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("store: page before: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg, err := scanMessageRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (r *MessageRepo) SoftDelete(ctx context.Context, id string) error {
	_, err := r.db.sql.ExecContext(ctx, `UPDATE messages SET flag_deleted = 1 WHERE id = ?`, id)
	return err
}

// Unmoderated returns up to limit messages across all rooms that have not
// yet passed the moderation batch worker, oldest first, excluding the
// assistant's own replies.
func (r *MessageRepo) Unmoderated(ctx context.Context, limit int) ([]Message, error) {
	rows, err := r.db.sql.QueryContext(ctx, `
		SELECT id, room_id, sender_id, ciphertext, nonce, key_version, ts, parent_id,
			flag_image, flag_file, flag_voice, flag_assistant, flag_moderated, flag_deleted
		FROM messages WHERE flag_moderated = 0 AND flag_assistant = 0 ORDER BY ts ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: unmoderated messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg, err := scanMessageRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// MarkModerated flips flag_moderated on id, recording that the moderation
// batch worker has processed this message at least once.
func (r *MessageRepo) MarkModerated(ctx context.Context, id string) error {
	_, err := r.db.sql.ExecContext(ctx, `UPDATE messages SET flag_moderated = 1 WHERE id = ?`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row *sql.Row) (Message, error) {
	msg, err := scanMessageRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return msg, err
}

func scanMessageRows(s rowScanner) (Message, error) {
	var msg Message
	var ts int64
	var image, file, voice, assistant, moderated, deleted int
	err := s.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.Ciphertext, &msg.Nonce, &msg.KeyVersion, &ts, &msg.ParentID,
		&image, &file, &voice, &assistant, &moderated, &deleted)
	if err != nil {
		return Message{}, fmt.Errorf("store: scan message: %w", err)
	}
	msg.Timestamp = time.Unix(0, ts)
	msg.Flags = MessageFlags{
		Image: image != 0, File: file != 0, Voice: voice != 0,
		Assistant: assistant != 0, Moderated: moderated != 0, Deleted: deleted != 0,
	}
	return msg, nil
}
