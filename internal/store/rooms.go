package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("store: not found")

// RoomRepo persists rooms and their membership roster.
type RoomRepo struct{ db *DB }

func NewRoomRepo(db *DB) *RoomRepo { return &RoomRepo{db: db} }

// Create inserts a room together with its initial membership rows in a
// single BEGIN IMMEDIATE transaction, so a concurrent reader never
// observes a room without its owner membership.
func (r *RoomRepo) Create(ctx context.Context, room Room, members []Membership) error {
	tx, err := r.db.beginWrite(ctx)
	if err != nil {
		return fmt.Errorf("store: create room: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rooms (id, kind, display_name, owner_id, created_at, encrypted_room_key, active_key_version, archived)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		room.ID, string(room.Kind), room.DisplayName, room.OwnerID, room.CreatedAt.UnixNano(),
		room.EncryptedRoomKey, room.ActiveKeyVersion, boolToInt(room.Archived))
	if err != nil {
		return fmt.Errorf("store: insert room: %w", err)
	}

	for _, m := range members {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO memberships (room_id, user_id, role, joined_at, last_read_at)
			VALUES (?, ?, ?, ?, ?)`,
			room.ID, m.UserID, string(m.Role), m.JoinedAt.UnixNano(), m.JoinedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("store: insert membership: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO room_keys (room_id, version, wrapped) VALUES (?, ?, ?)`,
		room.ID, room.ActiveKeyVersion, room.EncryptedRoomKey)
	if err != nil {
		return fmt.Errorf("store: insert room key: %w", err)
	}

	return tx.Commit()
}

func (r *RoomRepo) Get(ctx context.Context, id string) (Room, error) {
	row := r.db.sql.QueryRowContext(ctx, `
		SELECT id, kind, display_name, owner_id, created_at, encrypted_room_key, active_key_version, archived
		FROM rooms WHERE id = ?`, id)
	var room Room
	var kind string
	var createdAt int64
	var archived int
	if err := row.Scan(&room.ID, &kind, &room.DisplayName, &room.OwnerID, &createdAt,
		&room.EncryptedRoomKey, &room.ActiveKeyVersion, &archived); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Room{}, ErrNotFound
		}
		return Room{}, fmt.Errorf("store: get room: %w", err)
	}
	room.Kind = RoomKind(kind)
	room.CreatedAt = time.Unix(0, createdAt)
	room.Archived = archived != 0
	return room, nil
}

func (r *RoomRepo) Archive(ctx context.Context, id string) error {
	_, err := r.db.sql.ExecContext(ctx, `UPDATE rooms SET archived = 1 WHERE id = ?`, id)
	return err
}

// ListActive returns every non-archived room, for the summarization
// worker's periodic sweep.
func (r *RoomRepo) ListActive(ctx context.Context) ([]Room, error) {
	rows, err := r.db.sql.QueryContext(ctx, `
		SELECT id, kind, display_name, owner_id, created_at, encrypted_room_key, active_key_version, archived
		FROM rooms WHERE archived = 0`)
	if err != nil {
		return nil, fmt.Errorf("store: list active rooms: %w", err)
	}
	defer rows.Close()

	var out []Room
	for rows.Next() {
		var room Room
		var kind string
		var createdAt int64
		var archived int
		if err := rows.Scan(&room.ID, &kind, &room.DisplayName, &room.OwnerID, &createdAt,
			&room.EncryptedRoomKey, &room.ActiveKeyVersion, &archived); err != nil {
			return nil, fmt.Errorf("store: scan active room: %w", err)
		}
		room.Kind = RoomKind(kind)
		room.CreatedAt = time.Unix(0, createdAt)
		room.Archived = archived != 0
		out = append(out, room)
	}
	return out, rows.Err()
}

// RotateKey appends a new wrapped room key version and makes it active,
// leaving prior versions queryable so historical messages encrypted under
// them can still be decrypted.
func (r *RoomRepo) RotateKey(ctx context.Context, roomID string, wrapped []byte) (int, error) {
	tx, err := r.db.beginWrite(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT active_key_version FROM rooms WHERE id = ?`, roomID).Scan(&current); err != nil {
		return 0, fmt.Errorf("store: rotate key: read current: %w", err)
	}
	next := current + 1

	if _, err := tx.ExecContext(ctx, `INSERT INTO room_keys (room_id, version, wrapped) VALUES (?, ?, ?)`, roomID, next, wrapped); err != nil {
		return 0, fmt.Errorf("store: rotate key: insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE rooms SET active_key_version = ?, encrypted_room_key = ? WHERE id = ?`, next, wrapped, roomID); err != nil {
		return 0, fmt.Errorf("store: rotate key: update room: %w", err)
	}
	return next, tx.Commit()
}

func (r *RoomRepo) KeyVersion(ctx context.Context, roomID string, version int) ([]byte, error) {
	var wrapped []byte
	err := r.db.sql.QueryRowContext(ctx, `SELECT wrapped FROM room_keys WHERE room_id = ? AND version = ?`, roomID, version).Scan(&wrapped)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return wrapped, err
}

// MembershipRepo manages per-room membership rows.
type MembershipRepo struct{ db *DB }

func NewMembershipRepo(db *DB) *MembershipRepo { return &MembershipRepo{db: db} }

func (m *MembershipRepo) Get(ctx context.Context, roomID, userID string) (Membership, error) {
	row := m.db.sql.QueryRowContext(ctx, `
		SELECT room_id, user_id, role, joined_at, last_read_at
		FROM memberships WHERE room_id = ? AND user_id = ?`, roomID, userID)
	var mem Membership
	var role string
	var joinedAt, lastReadAt int64
	if err := row.Scan(&mem.RoomID, &mem.UserID, &role, &joinedAt, &lastReadAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Membership{}, ErrNotFound
		}
		return Membership{}, fmt.Errorf("store: get membership: %w", err)
	}
	mem.Role = MemberRole(role)
	mem.JoinedAt = time.Unix(0, joinedAt)
	mem.LastReadAt = time.Unix(0, lastReadAt)
	return mem, nil
}

func (m *MembershipRepo) ListRoomMembers(ctx context.Context, roomID string) ([]Membership, error) {
	rows, err := m.db.sql.QueryContext(ctx, `
		SELECT room_id, user_id, role, joined_at, last_read_at FROM memberships WHERE room_id = ?`, roomID)
	if err != nil {
		return nil, fmt.Errorf("store: list members: %w", err)
	}
	defer rows.Close()
	var out []Membership
	for rows.Next() {
		var mem Membership
		var role string
		var joinedAt, lastReadAt int64
		if err := rows.Scan(&mem.RoomID, &mem.UserID, &role, &joinedAt, &lastReadAt); err != nil {
			return nil, err
		}
		mem.Role = MemberRole(role)
		mem.JoinedAt = time.Unix(0, joinedAt)
		mem.LastReadAt = time.Unix(0, lastReadAt)
		out = append(out, mem)
	}
	return out, rows.Err()
}

func (m *MembershipRepo) Add(ctx context.Context, mem Membership) error {
	_, err := m.db.sql.ExecContext(ctx, `
		INSERT INTO memberships (room_id, user_id, role, joined_at, last_read_at)
		VALUES (?, ?, ?, ?, ?)`,
		mem.RoomID, mem.UserID, string(mem.Role), mem.JoinedAt.UnixNano(), mem.JoinedAt.UnixNano())
	return err
}

func (m *MembershipRepo) MarkRead(ctx context.Context, roomID, userID string, at time.Time) error {
	_, err := m.db.sql.ExecContext(ctx, `
		UPDATE memberships SET last_read_at = ? WHERE room_id = ? AND user_id = ?`,
		at.UnixNano(), roomID, userID)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
