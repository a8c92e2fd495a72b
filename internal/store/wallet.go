package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// WalletRepo enforces the invariant that a wallet's balance always equals
// the sum of its transaction deltas, by writing the balance and its
// backing transaction row in the same BEGIN IMMEDIATE transaction.
type WalletRepo struct{ db *DB }

func NewWalletRepo(db *DB) *WalletRepo { return &WalletRepo{db: db} }

func (w *WalletRepo) Ensure(ctx context.Context, userID, currency string, now time.Time) error {
	_, err := w.db.sql.ExecContext(ctx, `
		INSERT INTO wallets (user_id, currency, balance_minor, overdraft, updated_at)
		VALUES (?, ?, 0, 0, ?)
		ON CONFLICT(user_id) DO NOTHING`, userID, currency, now.UnixNano())
	return err
}

func (w *WalletRepo) Get(ctx context.Context, userID string) (Wallet, error) {
	row := w.db.sql.QueryRowContext(ctx, `
		SELECT user_id, currency, balance_minor, overdraft, updated_at FROM wallets WHERE user_id = ?`, userID)
	var wallet Wallet
	var overdraft int
	var updatedAt int64
	if err := row.Scan(&wallet.UserID, &wallet.Currency, &wallet.BalanceMinor, &overdraft, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Wallet{}, ErrNotFound
		}
		return Wallet{}, fmt.Errorf("store: get wallet: %w", err)
	}
	wallet.Overdraft = overdraft != 0
	wallet.UpdatedAt = time.Unix(0, updatedAt)
	return wallet, nil
}

// ApplyTxn atomically records txn and adjusts the wallet balance by its
// delta. It returns the resulting wallet. allowOverdraft, when false,
// rejects a debit that would take the balance below zero.
func (w *WalletRepo) ApplyTxn(ctx context.Context, txn WalletTxn, allowOverdraft bool) (Wallet, error) {
	tx, err := w.db.beginWrite(ctx)
	if err != nil {
		return Wallet{}, err
	}
	defer tx.Rollback()

	var balance int64
	var overdraft int
	if err := tx.QueryRowContext(ctx, `SELECT balance_minor, overdraft FROM wallets WHERE user_id = ?`, txn.UserID).
		Scan(&balance, &overdraft); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Wallet{}, ErrNotFound
		}
		return Wallet{}, fmt.Errorf("store: apply txn: read wallet: %w", err)
	}

	next := balance + txn.DeltaMinor
	if next < 0 && !allowOverdraft {
		return Wallet{}, fmt.Errorf("store: apply txn: insufficient balance")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_txns (id, user_id, delta_minor, reason, external_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.UserID, txn.DeltaMinor, txn.Reason, txn.ExternalRef, txn.CreatedAt.UnixNano()); err != nil {
		return Wallet{}, fmt.Errorf("store: apply txn: insert: %w", err)
	}

	nextOverdraft := overdraft != 0 || next < 0
	if _, err := tx.ExecContext(ctx, `
		UPDATE wallets SET balance_minor = ?, overdraft = ?, updated_at = ? WHERE user_id = ?`,
		next, boolToInt(nextOverdraft), txn.CreatedAt.UnixNano(), txn.UserID); err != nil {
		return Wallet{}, fmt.Errorf("store: apply txn: update wallet: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Wallet{}, err
	}
	return Wallet{UserID: txn.UserID, BalanceMinor: next, Overdraft: nextOverdraft, UpdatedAt: txn.CreatedAt}, nil
}

func (w *WalletRepo) ListTxns(ctx context.Context, userID string, limit int) ([]WalletTxn, error) {
	rows, err := w.db.sql.QueryContext(ctx, `
		SELECT id, user_id, delta_minor, reason, external_ref, created_at
		FROM wallet_txns WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list txns: %w", err)
	}
	defer rows.Close()

	var out []WalletTxn
	for rows.Next() {
		var t WalletTxn
		var createdAt int64
		if err := rows.Scan(&t.ID, &t.UserID, &t.DeltaMinor, &t.Reason, &t.ExternalRef, &createdAt); err != nil {
			return nil, err
		}
		t.CreatedAt = time.Unix(0, createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// SumTxns recomputes a wallet's balance from its transaction log, used by
// the invariant test and consistency checks.
func (w *WalletRepo) SumTxns(ctx context.Context, userID string) (int64, error) {
	var sum sql.NullInt64
	err := w.db.sql.QueryRowContext(ctx, `SELECT SUM(delta_minor) FROM wallet_txns WHERE user_id = ?`, userID).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return sum.Int64, nil
}
