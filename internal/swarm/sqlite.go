package swarm

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/matheus3301/sessync/internal/namespace"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	hash      TEXT    NOT NULL UNIQUE,
	identity  TEXT    NOT NULL,
	namespace INTEGER NOT NULL,
	timestamp INTEGER NOT NULL,
	data      BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_owner ON messages(identity, namespace, seq);
CREATE TABLE IF NOT EXISTS seqnos (
	identity  TEXT    NOT NULL,
	namespace INTEGER NOT NULL,
	seqno     INTEGER NOT NULL,
	PRIMARY KEY (identity, namespace)
);
`

// SQLiteBackend stores messages in a SQLite file through a connection pool.
type SQLiteBackend struct {
	pool *sqlitex.Pool
}

// NewSQLiteBackend opens or creates the database at path.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    4,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("open relay db %s: %w", path, err)
	}
	b := &SQLiteBackend{pool: pool}

	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open relay db: %w", err)
	}
	err = sqlitex.ExecuteScript(conn, sqliteSchema, nil)
	pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create relay schema: %w", err)
	}
	return b, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func (b *SQLiteBackend) Store(ctx context.Context, identity string, seqno int64, msg Message) (err error) {
	conn, err := b.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer b.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return err
	}
	defer endTransaction(&err)

	exists := false
	err = sqlitex.Execute(conn, `SELECT 1 FROM messages WHERE hash = ?`, &sqlitex.ExecOptions{
		Args:       []any{msg.Hash},
		ResultFunc: func(*sqlite.Stmt) error { exists = true; return nil },
	})
	if err != nil || exists {
		return err
	}

	if seqno > 0 && msg.Namespace.IsConfig() {
		var highest int64
		err = sqlitex.Execute(conn, `SELECT seqno FROM seqnos WHERE identity = ? AND namespace = ?`, &sqlitex.ExecOptions{
			Args: []any{identity, int64(msg.Namespace)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				highest = stmt.ColumnInt64(0)
				return nil
			},
		})
		if err != nil {
			return err
		}
		if seqno <= highest {
			return staleSeqno(seqno, highest)
		}
		err = sqlitex.Execute(conn, `
			INSERT INTO seqnos (identity, namespace, seqno) VALUES (?, ?, ?)
			ON CONFLICT(identity, namespace) DO UPDATE SET seqno = excluded.seqno`,
			&sqlitex.ExecOptions{Args: []any{identity, int64(msg.Namespace), seqno}})
		if err != nil {
			return err
		}
	}

	return sqlitex.Execute(conn, `
		INSERT INTO messages (hash, identity, namespace, timestamp, data) VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{msg.Hash, identity, int64(msg.Namespace), msg.Timestamp, msg.Data}})
}

func (b *SQLiteBackend) Retrieve(ctx context.Context, req *RetrieveRequest) ([]Message, bool, error) {
	conn, err := b.pool.Take(ctx)
	if err != nil {
		return nil, false, err
	}
	defer b.pool.Put(conn)

	var after int64
	if req.LastHash != "" {
		err = sqlitex.Execute(conn, `SELECT seq FROM messages WHERE hash = ? AND identity = ? AND namespace = ?`, &sqlitex.ExecOptions{
			Args: []any{req.LastHash, req.Identity, int64(req.Namespace)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				after = stmt.ColumnInt64(0)
				return nil
			},
		})
		if err != nil {
			return nil, false, err
		}
	}

	limit := pageLimit(req.Limit)
	var msgs []Message
	err = sqlitex.Execute(conn, `
		SELECT hash, namespace, timestamp, data FROM messages
		WHERE identity = ? AND namespace = ? AND seq > ?
		ORDER BY seq LIMIT ?`, &sqlitex.ExecOptions{
		Args: []any{req.Identity, int64(req.Namespace), after, limit + 1},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			data := make([]byte, stmt.ColumnLen(3))
			stmt.ColumnBytes(3, data)
			msgs = append(msgs, Message{
				Hash:      stmt.ColumnText(0),
				Namespace: namespace.Namespace(stmt.ColumnInt64(1)),
				Timestamp: stmt.ColumnInt64(2),
				Data:      data,
			})
			return nil
		},
	})
	if err != nil {
		return nil, false, err
	}
	more := len(msgs) > limit
	if more {
		msgs = msgs[:limit]
	}
	return msgs, more, nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, identity string, hashes []string) (deleted []string, err error) {
	conn, err := b.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer b.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, err
	}
	defer endTransaction(&err)

	for _, h := range hashes {
		err = sqlitex.Execute(conn, `DELETE FROM messages WHERE hash = ? AND identity = ?`, &sqlitex.ExecOptions{
			Args: []any{h, identity},
		})
		if err != nil {
			return nil, err
		}
		if conn.Changes() > 0 {
			deleted = append(deleted, h)
		}
	}
	return deleted, nil
}

func (b *SQLiteBackend) Close() error {
	return b.pool.Close()
}
