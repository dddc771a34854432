package swarm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/matheus3301/sessync/internal/namespace"
)

const postgresInitTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores messages in PostgreSQL. The connection and schema
// are set up on first use.
type PostgresBackend struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresBackend returns a backend for dsn without connecting.
func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	return &PostgresBackend{dsn: dsn, openDB: sql.Open}, nil
}

func (b *PostgresBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresInitTimeout)
		defer cancel()

		for _, q := range []string{
			`CREATE TABLE IF NOT EXISTS relay_messages (
				seq BIGSERIAL PRIMARY KEY,
				hash TEXT NOT NULL UNIQUE,
				identity TEXT NOT NULL,
				namespace SMALLINT NOT NULL,
				ts BIGINT NOT NULL,
				data BYTEA NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS relay_messages_owner ON relay_messages (identity, namespace, seq)`,
			`CREATE TABLE IF NOT EXISTS relay_seqnos (
				identity TEXT NOT NULL,
				namespace SMALLINT NOT NULL,
				seqno BIGINT NOT NULL,
				PRIMARY KEY (identity, namespace)
			)`,
		} {
			if _, err := db.ExecContext(ctx, q); err != nil {
				_ = db.Close()
				b.initErr = fmt.Errorf("create relay schema: %w", err)
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func (b *PostgresBackend) Store(ctx context.Context, identity string, seqno int64, msg Message) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM relay_messages WHERE hash = $1`, msg.Hash).Scan(&one)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if seqno > 0 && msg.Namespace.IsConfig() {
		// The upsert only writes when seqno moves forward; no row back means
		// a stale push.
		var stored int64
		err = tx.QueryRowContext(ctx, `
			INSERT INTO relay_seqnos (identity, namespace, seqno) VALUES ($1, $2, $3)
			ON CONFLICT (identity, namespace) DO UPDATE SET seqno = EXCLUDED.seqno
			WHERE relay_seqnos.seqno < EXCLUDED.seqno
			RETURNING seqno`, identity, int16(msg.Namespace), seqno).Scan(&stored)
		if errors.Is(err, sql.ErrNoRows) {
			var highest int64
			_ = tx.QueryRowContext(ctx, `SELECT seqno FROM relay_seqnos WHERE identity = $1 AND namespace = $2`,
				identity, int16(msg.Namespace)).Scan(&highest)
			return staleSeqno(seqno, highest)
		}
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO relay_messages (hash, identity, namespace, ts, data) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (hash) DO NOTHING`,
		msg.Hash, identity, int16(msg.Namespace), msg.Timestamp, msg.Data)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (b *PostgresBackend) Retrieve(ctx context.Context, req *RetrieveRequest) ([]Message, bool, error) {
	if err := b.ensureReady(); err != nil {
		return nil, false, err
	}
	var after int64
	if req.LastHash != "" {
		err := b.db.QueryRowContext(ctx, `
			SELECT seq FROM relay_messages WHERE hash = $1 AND identity = $2 AND namespace = $3`,
			req.LastHash, req.Identity, int16(req.Namespace)).Scan(&after)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, false, err
		}
	}

	limit := pageLimit(req.Limit)
	rows, err := b.db.QueryContext(ctx, `
		SELECT hash, namespace, ts, data FROM relay_messages
		WHERE identity = $1 AND namespace = $2 AND seq > $3
		ORDER BY seq LIMIT $4`, req.Identity, int16(req.Namespace), after, limit+1)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var ns int16
		if err := rows.Scan(&m.Hash, &ns, &m.Timestamp, &m.Data); err != nil {
			return nil, false, err
		}
		m.Namespace = namespace.Namespace(ns)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	more := len(msgs) > limit
	if more {
		msgs = msgs[:limit]
	}
	return msgs, more, nil
}

func (b *PostgresBackend) Delete(ctx context.Context, identity string, hashes []string) ([]string, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := b.db.QueryContext(ctx, `
		DELETE FROM relay_messages WHERE identity = $1 AND hash = ANY($2)
		RETURNING hash`, identity, pq.Array(hashes))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deleted []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		deleted = append(deleted, h)
	}
	return deleted, rows.Err()
}

func (b *PostgresBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}
