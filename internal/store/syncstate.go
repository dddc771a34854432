package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/sessync/internal/namespace"
)

// SetSyncState stores a checkpoint value.
func (db *DB) SetSyncState(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// SyncState returns a checkpoint value, or "" if unset.
func (db *DB) SyncState(ctx context.Context, key string) (string, error) {
	var v string
	err := db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// DeleteSyncStatePrefix removes checkpoints whose key starts with prefix.
func (db *DB) DeleteSyncStatePrefix(ctx context.Context, prefix string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM sync_state WHERE substr(key, 1, ?) = ?`, len(prefix), prefix)
	return err
}

// LastHashKey is the checkpoint key holding the newest message hash polled
// for (identity, namespace).
func LastHashKey(identity string, ns namespace.Namespace) string {
	return fmt.Sprintf("%s%d", LastHashPrefix(identity), int16(ns))
}

// LastHashPrefix prefixes every last-hash checkpoint of identity.
func LastHashPrefix(identity string) string {
	return "last_hash/" + identity + "/"
}
