package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ConnectorUsageRepo is the durable audit trail backing the in-memory
// ratelimit.Limiter — it survives process restarts for billing/reporting
// even though enforcement itself reads from internal/kv.
type ConnectorUsageRepo struct{ db *DB }

func NewConnectorUsageRepo(db *DB) *ConnectorUsageRepo { return &ConnectorUsageRepo{db: db} }

func (c *ConnectorUsageRepo) Record(ctx context.Context, userID, connector string, windowStart time.Time) error {
	_, err := c.db.sql.ExecContext(ctx, `
		INSERT INTO connector_usage (user_id, connector, window_start, count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(user_id, connector, window_start) DO UPDATE SET count = count + 1`,
		userID, connector, windowStart.UnixNano())
	return err
}

func (c *ConnectorUsageRepo) Count(ctx context.Context, userID, connector string, windowStart time.Time) (int, error) {
	var count int
	err := c.db.sql.QueryRowContext(ctx, `
		SELECT count FROM connector_usage WHERE user_id = ? AND connector = ? AND window_start = ?`,
		userID, connector, windowStart.UnixNano()).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return count, err
}

// IntegrationRepo stores per-user third-party OAuth/API credentials,
// envelope-encrypted by internal/crypto before being handed here.
type IntegrationRepo struct{ db *DB }

func NewIntegrationRepo(db *DB) *IntegrationRepo { return &IntegrationRepo{db: db} }

func (i *IntegrationRepo) Upsert(ctx context.Context, cred IntegrationCredential) error {
	_, err := i.db.sql.ExecContext(ctx, `
		INSERT INTO integration_credentials (user_id, provider, ciphertext, nonce, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, provider) DO UPDATE SET ciphertext = excluded.ciphertext, nonce = excluded.nonce, expires_at = excluded.expires_at`,
		cred.UserID, cred.Provider, cred.Ciphertext, cred.Nonce, cred.ExpiresAt.UnixNano())
	return err
}

func (i *IntegrationRepo) Get(ctx context.Context, userID, provider string) (IntegrationCredential, error) {
	row := i.db.sql.QueryRowContext(ctx, `
		SELECT user_id, provider, ciphertext, nonce, expires_at
		FROM integration_credentials WHERE user_id = ? AND provider = ?`, userID, provider)
	var cred IntegrationCredential
	var expiresAt int64
	if err := row.Scan(&cred.UserID, &cred.Provider, &cred.Ciphertext, &cred.Nonce, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return IntegrationCredential{}, ErrNotFound
		}
		return IntegrationCredential{}, fmt.Errorf("store: get credential: %w", err)
	}
	cred.ExpiresAt = time.Unix(0, expiresAt)
	return cred, nil
}

func (i *IntegrationRepo) Delete(ctx context.Context, userID, provider string) error {
	_, err := i.db.sql.ExecContext(ctx, `DELETE FROM integration_credentials WHERE user_id = ? AND provider = ?`, userID, provider)
	return err
}

// ModerationFlagRepo records flags raised by the moderation-batch worker
// against individual messages.
type ModerationFlagRepo struct{ db *DB }

func NewModerationFlagRepo(db *DB) *ModerationFlagRepo { return &ModerationFlagRepo{db: db} }

func (m *ModerationFlagRepo) Create(ctx context.Context, flag ModerationFlag) error {
	_, err := m.db.sql.ExecContext(ctx, `
		INSERT INTO moderation_flags (id, message_id, reason, moderator, resolved_at)
		VALUES (?, ?, ?, ?, NULL)`, flag.ID, flag.MessageID, flag.Reason, flag.Moderator)
	return err
}

func (m *ModerationFlagRepo) Resolve(ctx context.Context, id string, at time.Time) error {
	_, err := m.db.sql.ExecContext(ctx, `UPDATE moderation_flags SET resolved_at = ? WHERE id = ?`, at.UnixNano(), id)
	return err
}

func (m *ModerationFlagRepo) ListUnresolved(ctx context.Context, limit int) ([]ModerationFlag, error) {
	rows, err := m.db.sql.QueryContext(ctx, `
		SELECT id, message_id, reason, moderator, resolved_at FROM moderation_flags
		WHERE resolved_at IS NULL LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ModerationFlag
	for rows.Next() {
		var f ModerationFlag
		var resolvedAt sql.NullInt64
		if err := rows.Scan(&f.ID, &f.MessageID, &f.Reason, &f.Moderator, &resolvedAt); err != nil {
			return nil, err
		}
		if resolvedAt.Valid {
			t := time.Unix(0, resolvedAt.Int64)
			f.ResolvedAt = &t
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// RoomSummaryRepo stores rolling context summaries produced by the
// summarization worker.
type RoomSummaryRepo struct{ db *DB }

func NewRoomSummaryRepo(db *DB) *RoomSummaryRepo { return &RoomSummaryRepo{db: db} }

func (r *RoomSummaryRepo) Put(ctx context.Context, s RoomSummary) error {
	_, err := r.db.sql.ExecContext(ctx, `
		INSERT INTO room_summaries (room_id, version, content, covers_through_message, created_at)
		VALUES (?, ?, ?, ?, ?)`, s.RoomID, s.Version, s.Content, s.CoversThroughMessage, s.CreatedAt.UnixNano())
	return err
}

func (r *RoomSummaryRepo) Latest(ctx context.Context, roomID string) (RoomSummary, error) {
	row := r.db.sql.QueryRowContext(ctx, `
		SELECT room_id, version, content, covers_through_message, created_at
		FROM room_summaries WHERE room_id = ? ORDER BY version DESC LIMIT 1`, roomID)
	var s RoomSummary
	var createdAt int64
	if err := row.Scan(&s.RoomID, &s.Version, &s.Content, &s.CoversThroughMessage, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RoomSummary{}, ErrNotFound
		}
		return RoomSummary{}, fmt.Errorf("store: latest summary: %w", err)
	}
	s.CreatedAt = time.Unix(0, createdAt)
	return s, nil
}
