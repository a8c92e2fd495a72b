package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a SQLite connection pool. Multi-row writes open an explicit
// transaction with BEGIN IMMEDIATE (via the _txlock=immediate DSN param,
// mattn/go-sqlite3's documented substitute for SELECT ... FOR UPDATE) so
// concurrent writers to the same aggregate serialize instead of racing.
type DB struct {
	sql *sql.DB
}

// Open opens (and migrates) the SQLite database at path. path may be
// ":memory:" for tests.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_journal_mode=WAL&_foreign_keys=on", path)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	sqlDB.SetMaxOpenConns(1) // SQLite single-writer; readers share the one conn's WAL view
	db := &DB{sql: sqlDB}
	if err := db.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return db, nil
}

func (db *DB) Close() error { return db.sql.Close() }

// beginWrite opens a transaction that takes SQLite's RESERVED lock
// immediately rather than on first write, per the DSN's _txlock=immediate.
func (db *DB) beginWrite(ctx context.Context) (*sql.Tx, error) {
	return db.sql.BeginTx(ctx, nil)
}

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	display_name TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	encrypted_room_key BLOB,
	active_key_version INTEGER NOT NULL DEFAULT 1,
	archived INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS memberships (
	room_id TEXT NOT NULL REFERENCES rooms(id),
	user_id TEXT NOT NULL,
	role TEXT NOT NULL,
	joined_at INTEGER NOT NULL,
	last_read_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (room_id, user_id)
);

CREATE TABLE IF NOT EXISTS room_keys (
	room_id TEXT NOT NULL REFERENCES rooms(id),
	version INTEGER NOT NULL,
	wrapped BLOB NOT NULL,
	PRIMARY KEY (room_id, version)
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL REFERENCES rooms(id),
	sender_id TEXT NOT NULL,
	ciphertext BLOB NOT NULL,
	nonce BLOB NOT NULL,
	key_version INTEGER NOT NULL,
	ts INTEGER NOT NULL,
	parent_id TEXT NOT NULL DEFAULT '',
	flag_image INTEGER NOT NULL DEFAULT 0,
	flag_file INTEGER NOT NULL DEFAULT 0,
	flag_voice INTEGER NOT NULL DEFAULT 0,
	flag_assistant INTEGER NOT NULL DEFAULT 0,
	flag_moderated INTEGER NOT NULL DEFAULT 0,
	flag_deleted INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_room_ts ON messages(room_id, ts);

CREATE TABLE IF NOT EXISTS reminders (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	room_id TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	due_at INTEGER NOT NULL,
	channel TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	metadata TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders(status, due_at);

CREATE TABLE IF NOT EXISTS wallets (
	user_id TEXT PRIMARY KEY,
	currency TEXT NOT NULL,
	balance_minor INTEGER NOT NULL DEFAULT 0,
	overdraft INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS wallet_txns (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES wallets(user_id),
	delta_minor INTEGER NOT NULL,
	reason TEXT NOT NULL,
	external_ref TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_wallet_txns_user ON wallet_txns(user_id);

CREATE TABLE IF NOT EXISTS connector_usage (
	user_id TEXT NOT NULL,
	connector TEXT NOT NULL,
	window_start INTEGER NOT NULL,
	count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, connector, window_start)
);

CREATE TABLE IF NOT EXISTS integration_credentials (
	user_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	ciphertext BLOB NOT NULL,
	nonce BLOB NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, provider)
);

CREATE TABLE IF NOT EXISTS moderation_flags (
	id TEXT PRIMARY KEY,
	message_id TEXT NOT NULL REFERENCES messages(id),
	reason TEXT NOT NULL,
	moderator TEXT NOT NULL,
	resolved_at INTEGER
);

CREATE TABLE IF NOT EXISTS room_summaries (
	room_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	content TEXT NOT NULL,
	covers_through_message TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (room_id, version)
);
`

func (db *DB) migrate(ctx context.Context) error {
	_, err := db.sql.ExecContext(ctx, schema)
	return err
}
