package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ReminderRepo persists reminders created by the reminders connector and
// consumed by the reminder-dispatch worker.
type ReminderRepo struct{ db *DB }

func NewReminderRepo(db *DB) *ReminderRepo { return &ReminderRepo{db: db} }

func (r *ReminderRepo) Create(ctx context.Context, rem Reminder) error {
	_, err := r.db.sql.ExecContext(ctx, `
		INSERT INTO reminders (id, user_id, room_id, content, due_at, channel, status, attempts, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rem.ID, rem.UserID, rem.RoomID, rem.Content, rem.DueAt.UnixNano(), string(rem.Channel), string(rem.Status), rem.Attempts, rem.Metadata)
	return err
}

// DueBefore returns pending reminders with due_at <= at, oldest first, for
// the dispatcher's periodic sweep.
func (r *ReminderRepo) DueBefore(ctx context.Context, at time.Time, limit int) ([]Reminder, error) {
	rows, err := r.db.sql.QueryContext(ctx, `
		SELECT id, user_id, room_id, content, due_at, channel, status, attempts, metadata
		FROM reminders WHERE status = ? AND due_at <= ? ORDER BY due_at ASC LIMIT ?`,
		string(ReminderPending), at.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("store: due reminders: %w", err)
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		rem, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rem)
	}
	return out, rows.Err()
}

// TransitionStatus moves a reminder forward (pending -> dispatching ->
// fired|failed, or -> canceled at any point before fired); it refuses to
// write a transition that would move status backward.
func (r *ReminderRepo) TransitionStatus(ctx context.Context, id string, to ReminderStatus, attempts int) error {
	return r.transition(ctx, id, to, attempts, nil)
}

// TransitionFiredPartial marks a `both`-channel reminder fired with one
// leg failing, recording which channel failed in metadata so the failure
// is visible without penalizing the reminder as a whole.
func (r *ReminderRepo) TransitionFiredPartial(ctx context.Context, id string, attempts int, failedChannel ReminderChannel) error {
	metadata := fmt.Sprintf(`{"partial_channel":%q}`, string(failedChannel))
	return r.transition(ctx, id, ReminderFired, attempts, &metadata)
}

func (r *ReminderRepo) transition(ctx context.Context, id string, to ReminderStatus, attempts int, metadata *string) error {
	tx, err := r.db.beginWrite(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM reminders WHERE id = ?`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("store: read reminder status: %w", err)
	}
	if !reminderTransitionAllowed(ReminderStatus(current), to) {
		return fmt.Errorf("store: illegal reminder transition %s -> %s", current, to)
	}

	if metadata != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE reminders SET status = ?, attempts = ?, metadata = ? WHERE id = ?`, string(to), attempts, *metadata, id); err != nil {
			return fmt.Errorf("store: update reminder status: %w", err)
		}
	} else if _, err := tx.ExecContext(ctx, `UPDATE reminders SET status = ?, attempts = ? WHERE id = ?`, string(to), attempts, id); err != nil {
		return fmt.Errorf("store: update reminder status: %w", err)
	}
	return tx.Commit()
}

var reminderRank = map[ReminderStatus]int{
	ReminderPending:     0,
	ReminderDispatching: 1,
	ReminderFired:       2,
	ReminderFailed:      2,
	ReminderCanceled:    2,
}

func reminderTransitionAllowed(from, to ReminderStatus) bool {
	if from == to {
		return false
	}
	return reminderRank[to] >= reminderRank[from]
}

func (r *ReminderRepo) Get(ctx context.Context, id string) (Reminder, error) {
	row := r.db.sql.QueryRowContext(ctx, `
		SELECT id, user_id, room_id, content, due_at, channel, status, attempts, metadata FROM reminders WHERE id = ?`, id)
	rem, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Reminder{}, ErrNotFound
	}
	return rem, err
}

func scanReminder(s rowScanner) (Reminder, error) {
	var rem Reminder
	var dueAt int64
	var channel, status string
	err := s.Scan(&rem.ID, &rem.UserID, &rem.RoomID, &rem.Content, &dueAt, &channel, &status, &rem.Attempts, &rem.Metadata)
	if err != nil {
		return Reminder{}, err
	}
	rem.DueAt = time.Unix(0, dueAt)
	rem.Channel = ReminderChannel(channel)
	rem.Status = ReminderStatus(status)
	return rem, nil
}
