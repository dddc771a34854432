package outbox

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/sessync/internal/bus"
	"github.com/matheus3301/sessync/internal/namespace"
	"github.com/matheus3301/sessync/internal/store"
	"github.com/matheus3301/sessync/internal/swarm"
)

// mockClient records Store calls and returns configurable results.
type mockClient struct {
	mu    sync.Mutex
	calls []*swarm.StoreRequest
	err   error
}

func (m *mockClient) Store(_ context.Context, req *swarm.StoreRequest) (*swarm.StoreResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if m.err != nil {
		return nil, m.err
	}
	return &swarm.StoreResponse{Hash: "hash-" + req.Identity, Timestamp: time.Now().UnixMilli()}, nil
}

func (m *mockClient) Retrieve(context.Context, *swarm.RetrieveRequest) (*swarm.RetrieveResponse, error) {
	return &swarm.RetrieveResponse{}, nil
}

func (m *mockClient) Delete(context.Context, *swarm.DeleteRequest) (*swarm.DeleteResponse, error) {
	return &swarm.DeleteResponse{}, nil
}

func (m *mockClient) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var member = "05" + strings.Repeat("ab", 32)

func queue(t *testing.T, db *store.DB, clientID string) {
	t.Helper()
	err := db.QueueOutbox(context.Background(), &store.OutboxEntry{
		ClientID:    clientID,
		Destination: member,
		Namespace:   namespace.Direct,
		Kind:        "key_supplement",
		Payload:     []byte("payload"),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSenderDeliversPendingEntries(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockClient{}
	s := NewSender(db, mock, b, zap.NewNop())

	ch, unsub := b.Subscribe(EventSent, 10)
	defer unsub()

	queue(t, db, "c1")
	s.Start(context.Background())
	defer s.Stop()

	select {
	case evt := <-ch:
		r, ok := evt.Payload.(Result)
		if !ok || r.ClientID != "c1" || r.Hash != "hash-"+member {
			t.Errorf("payload = %+v", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for sent event")
	}

	if mock.count() != 1 {
		t.Fatalf("got %d store calls, want 1", mock.count())
	}
	req := mock.calls[0]
	if req.Identity != member || req.Namespace != namespace.Direct || string(req.Data) != "payload" {
		t.Errorf("request = %+v", req)
	}
	entry, err := db.OutboxByClientID(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != "sent" || entry.ServerHash != "hash-"+member {
		t.Errorf("entry = %s %q, want sent", entry.Status, entry.ServerHash)
	}
}

func TestSenderRetriesTransientFailures(t *testing.T) {
	db := testDB(t)
	mock := &mockClient{err: fmt.Errorf("network error")}
	s := NewSender(db, mock, nil, zap.NewNop())
	ctx := context.Background()

	queue(t, db, "c1")
	s.processPending(ctx)

	entry, err := db.OutboxByClientID(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != "queued" || entry.Attempts != 1 || entry.ErrorMessage != "network error" {
		t.Errorf("entry = %+v, want queued after one attempt", entry)
	}

	mock.err = nil
	s.processPending(ctx)
	if entry, _ = db.OutboxByClientID(ctx, "c1"); entry.Status != "sent" {
		t.Errorf("status = %s, want sent", entry.Status)
	}
}

func TestSenderGivesUp(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		calls int
	}{
		{"attempts exhausted", fmt.Errorf("network error"), DefaultMaxAttempts},
		{"rejected", &swarm.StatusError{Code: swarm.StatusBadRequest, Msg: "invalid identity"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := testDB(t)
			b := bus.New()
			mock := &mockClient{err: tt.err}
			s := NewSender(db, mock, b, zap.NewNop())
			ctx := context.Background()

			ch, unsub := b.Subscribe(EventSendFailed, 10)
			defer unsub()

			queue(t, db, "c1")
			for range DefaultMaxAttempts + 2 {
				s.processPending(ctx)
			}
			if mock.count() != tt.calls {
				t.Errorf("got %d store calls, want %d", mock.count(), tt.calls)
			}
			entry, err := db.OutboxByClientID(ctx, "c1")
			if err != nil {
				t.Fatal(err)
			}
			if entry.Status != "failed" {
				t.Errorf("status = %s, want failed", entry.Status)
			}

			select {
			case evt := <-ch:
				if r := evt.Payload.(Result); r.Err == "" {
					t.Error("failure event without error")
				}
			case <-time.After(time.Second):
				t.Fatal("timeout waiting for send_failed event")
			}
		})
	}
}

func TestStartRequeuesInterruptedEntries(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	queue(t, db, "c1")
	if err := db.MarkOutboxSending(ctx, "c1"); err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	ch, unsub := b.Subscribe(EventSent, 10)
	defer unsub()
	s := NewSender(db, &mockClient{}, b, zap.NewNop())
	s.Start(ctx)
	defer s.Stop()

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("interrupted entry was not resent")
	}
}

func TestDeliversToRelay(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	srv := swarm.NewServer(swarm.NewMemoryBackend(), zap.NewNop())
	client := swarm.NewLocalClient(srv)
	s := NewSender(db, client, nil, zap.NewNop())

	queue(t, db, "c1")
	s.processPending(ctx)

	resp, err := client.Retrieve(ctx, &swarm.RetrieveRequest{Identity: member, Namespace: namespace.Direct})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Messages) != 1 || string(resp.Messages[0].Data) != "payload" {
		t.Fatalf("relay holds %d messages", len(resp.Messages))
	}
	entry, _ := db.OutboxByClientID(ctx, "c1")
	if entry.ServerHash != resp.Messages[0].Hash {
		t.Errorf("server hash %q, relay hash %q", entry.ServerHash, resp.Messages[0].Hash)
	}
}
