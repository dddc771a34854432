package store

import (
	"context"
	"fmt"

	"github.com/matheus3301/sessync/internal/namespace"
)

// UpsertDump replaces the stored dump for (namespace, identity).
func (tx *Tx) UpsertDump(d *ConfigDump) error {
	_, err := tx.Exec(`
		INSERT INTO config_dumps (namespace, identity, data, timestamp)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, identity) DO UPDATE SET
			data = excluded.data,
			timestamp = excluded.timestamp`,
		int16(d.Namespace), d.Identity, d.Data, d.Timestamp)
	if err != nil {
		return fmt.Errorf("upsert dump %s/%s: %w", d.Namespace, d.Identity, err)
	}
	return nil
}

// DeleteDumps removes every dump owned by identity.
func (tx *Tx) DeleteDumps(identity string) error {
	_, err := tx.Exec(`DELETE FROM config_dumps WHERE identity = ?`, identity)
	return err
}

// Dumps returns every stored dump.
func (db *DB) Dumps(ctx context.Context) ([]ConfigDump, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT namespace, identity, data, timestamp
		FROM config_dumps ORDER BY identity, namespace`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var dumps []ConfigDump
	for rows.Next() {
		var d ConfigDump
		var ns int16
		if err := rows.Scan(&ns, &d.Identity, &d.Data, &d.Timestamp); err != nil {
			return nil, err
		}
		d.Namespace = namespace.Namespace(ns)
		dumps = append(dumps, d)
	}
	return dumps, rows.Err()
}

// DumpsFor returns the dumps owned by identity.
func (db *DB) DumpsFor(ctx context.Context, identity string) ([]ConfigDump, error) {
	all, err := db.Dumps(ctx)
	if err != nil {
		return nil, err
	}
	var out []ConfigDump
	for _, d := range all {
		if d.Identity == identity {
			out = append(out, d)
		}
	}
	return out, nil
}
