package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertThread inserts or replaces a thread. The read state of an existing
// thread is owned by SetThreadReadState and left untouched.
func (tx *Tx) UpsertThread(t *Thread) error {
	_, err := tx.Exec(`
		INSERT INTO threads (id, variant, priority, should_be_visible, last_read, marked_unread,
			muted_until, expiry_mode, expiry_seconds, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			variant = excluded.variant,
			priority = excluded.priority,
			should_be_visible = excluded.should_be_visible,
			muted_until = excluded.muted_until,
			expiry_mode = excluded.expiry_mode,
			expiry_seconds = excluded.expiry_seconds,
			updated_at = excluded.updated_at`,
		t.ID, t.Variant, t.Priority, boolInt(t.ShouldBeVisible), t.LastRead, boolInt(t.MarkedUnread),
		t.MutedUntil, t.ExpiryMode, t.ExpirySeconds, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert thread %q: %w", t.ID, err)
	}
	return nil
}

// SetThreadReadState records the volatile read state of a thread, creating
// a hidden placeholder of variant if the thread is not known yet. LastRead
// never moves backwards.
func (tx *Tx) SetThreadReadState(id, variant string, lastRead int64, markedUnread bool) error {
	_, err := tx.Exec(`
		INSERT INTO threads (id, variant, should_be_visible, last_read, marked_unread, updated_at)
		VALUES (?, ?, 0, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_read = MAX(threads.last_read, excluded.last_read),
			marked_unread = excluded.marked_unread,
			updated_at = excluded.updated_at`,
		id, variant, lastRead, boolInt(markedUnread), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set read state %q: %w", id, err)
	}
	return nil
}

// GetThread returns a thread by id, or nil if unknown.
func (tx *Tx) GetThread(id string) (*Thread, error) {
	var t Thread
	err := tx.QueryRow(`
		SELECT id, variant, priority, should_be_visible, last_read, marked_unread, muted_until,
			expiry_mode, expiry_seconds
		FROM threads WHERE id = ?`, id).
		Scan(&t.ID, &t.Variant, &t.Priority, &t.ShouldBeVisible, &t.LastRead, &t.MarkedUnread,
			&t.MutedUntil, &t.ExpiryMode, &t.ExpirySeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Threads returns threads of variant, or all threads if variant is empty,
// pinned first.
func (tx *Tx) Threads(variant string) ([]Thread, error) {
	rows, err := tx.Query(`
		SELECT id, variant, priority, should_be_visible, last_read, marked_unread, muted_until,
			expiry_mode, expiry_seconds
		FROM threads WHERE ? = '' OR variant = ?
		ORDER BY priority DESC, id`, variant, variant)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Thread
	for rows.Next() {
		var t Thread
		if err := rows.Scan(&t.ID, &t.Variant, &t.Priority, &t.ShouldBeVisible, &t.LastRead, &t.MarkedUnread,
			&t.MutedUntil, &t.ExpiryMode, &t.ExpirySeconds); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteThread removes a thread.
func (tx *Tx) DeleteThread(id string) error {
	_, err := tx.Exec(`DELETE FROM threads WHERE id = ?`, id)
	return err
}
