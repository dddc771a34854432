package store

import (
	"context"
	"time"

	"github.com/matheus3301/sessync/internal/namespace"
)

// QueueOutbox adds a direct send to the outbox.
func (db *DB) QueueOutbox(ctx context.Context, e *OutboxEntry) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO outbox (client_id, destination, namespace, kind, payload, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'queued', ?, ?)`,
		e.ClientID, e.Destination, int16(e.Namespace), e.Kind, e.Payload, now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(ctx context.Context, clientID string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE outbox SET status = 'sending', attempts = attempts + 1, updated_at = ?
		WHERE client_id = ?`, time.Now().UnixMilli(), clientID)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the relay hash.
func (db *DB) MarkOutboxSent(ctx context.Context, clientID, serverHash string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE outbox SET status = 'sent', server_hash = ?, error_message = '', updated_at = ?
		WHERE client_id = ?`, serverHash, time.Now().UnixMilli(), clientID)
	return err
}

// MarkOutboxRetry puts an entry back in the queue after a transient failure.
func (db *DB) MarkOutboxRetry(ctx context.Context, clientID, errMsg string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE outbox SET status = 'queued', error_message = ?, updated_at = ?
		WHERE client_id = ?`, errMsg, time.Now().UnixMilli(), clientID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(ctx context.Context, clientID, errMsg string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ?
		WHERE client_id = ?`, errMsg, time.Now().UnixMilli(), clientID)
	return err
}

// PendingOutbox returns entries still queued, oldest first.
func (db *DB) PendingOutbox(ctx context.Context) ([]OutboxEntry, error) {
	return db.outboxWhere(ctx, `status = 'queued'`)
}

// OutboxByClientID returns one entry, or nil if unknown.
func (db *DB) OutboxByClientID(ctx context.Context, clientID string) (*OutboxEntry, error) {
	entries, err := db.outboxWhere(ctx, `client_id = ?`, clientID)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

// ResetSendingOutbox requeues entries left 'sending' by a crash.
func (db *DB) ResetSendingOutbox(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `UPDATE outbox SET status = 'queued' WHERE status = 'sending'`)
	return err
}

func (db *DB) outboxWhere(ctx context.Context, where string, args ...any) ([]OutboxEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, client_id, destination, namespace, kind, payload, status, attempts, error_message, server_hash
		FROM outbox WHERE `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var ns int16
		if err := rows.Scan(&e.ID, &e.ClientID, &e.Destination, &ns, &e.Kind, &e.Payload, &e.Status,
			&e.Attempts, &e.ErrorMessage, &e.ServerHash); err != nil {
			return nil, err
		}
		e.Namespace = namespace.Namespace(ns)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
