package swarm

import (
	"context"
	"slices"
	"sync"

	"github.com/matheus3301/sessync/internal/namespace"
)

type memKey struct {
	identity string
	ns       namespace.Namespace
}

// MemoryBackend keeps messages in process memory.
type MemoryBackend struct {
	mu     sync.Mutex
	msgs   map[memKey][]Message
	seqnos map[memKey]int64
	owner  map[string]memKey
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		msgs:   make(map[memKey][]Message),
		seqnos: make(map[memKey]int64),
		owner:  make(map[string]memKey),
	}
}

func (b *MemoryBackend) Store(_ context.Context, identity string, seqno int64, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := memKey{identity, msg.Namespace}
	if _, ok := b.owner[msg.Hash]; ok {
		return nil
	}
	if seqno > 0 && msg.Namespace.IsConfig() {
		if highest := b.seqnos[k]; seqno <= highest {
			return staleSeqno(seqno, highest)
		}
		b.seqnos[k] = seqno
	}
	b.msgs[k] = append(b.msgs[k], msg)
	b.owner[msg.Hash] = k
	return nil
}

func (b *MemoryBackend) Retrieve(_ context.Context, req *RetrieveRequest) ([]Message, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.msgs[memKey{req.Identity, req.Namespace}]
	if i := slices.IndexFunc(msgs, func(m Message) bool { return m.Hash == req.LastHash }); i >= 0 {
		msgs = msgs[i+1:]
	}
	limit := pageLimit(req.Limit)
	more := len(msgs) > limit
	if more {
		msgs = msgs[:limit]
	}
	return slices.Clone(msgs), more, nil
}

func (b *MemoryBackend) Delete(_ context.Context, identity string, hashes []string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var deleted []string
	for _, h := range hashes {
		k, ok := b.owner[h]
		if !ok || k.identity != identity {
			continue
		}
		b.msgs[k] = slices.DeleteFunc(b.msgs[k], func(m Message) bool { return m.Hash == h })
		delete(b.owner, h)
		deleted = append(deleted, h)
	}
	return deleted, nil
}

func (b *MemoryBackend) Close() error { return nil }
