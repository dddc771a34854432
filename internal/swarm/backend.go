package swarm

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Backend persists relay messages.
type Backend interface {
	// Store saves msg. For a positive seqno it fails with ErrStaleSeqno
	// unless seqno exceeds every seqno stored for (identity, namespace).
	// Storing a hash twice is a no-op.
	Store(ctx context.Context, identity string, seqno int64, msg Message) error
	// Retrieve returns up to limit messages after lastHash in storage
	// order, and whether more remain.
	Retrieve(ctx context.Context, req *RetrieveRequest) ([]Message, bool, error)
	// Delete removes messages and returns the hashes removed.
	Delete(ctx context.Context, identity string, hashes []string) ([]string, error)
	Close() error
}

// OpenBackend selects a backend by DSN: memory://, sqlite:///path or
// postgres://...
func OpenBackend(dsn string) (Backend, error) {
	switch {
	case dsn == "" || strings.HasPrefix(dsn, "memory://"):
		return NewMemoryBackend(), nil
	case strings.HasPrefix(dsn, "sqlite://"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		if path == "" {
			return nil, fmt.Errorf("sqlite dsn %q: missing path", dsn)
		}
		return NewSQLiteBackend(path)
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresBackend(dsn)
	}
	return nil, fmt.Errorf("unsupported relay dsn %q", dsn)
}

// RedactDSN hides the password of a postgres DSN for logging.
func RedactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}

func pageLimit(n int) int {
	if n <= 0 || n > DefaultRetrieveLimit {
		return DefaultRetrieveLimit
	}
	return n
}

func staleSeqno(seqno, highest int64) error {
	return &StatusError{Code: StatusConflict, Msg: fmt.Sprintf("seqno %d not above %d: %v", seqno, highest, ErrStaleSeqno)}
}
