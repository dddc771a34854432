package api

import (
	"context"
	"encoding/hex"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/matheus3301/sessync/internal/account"
	"github.com/matheus3301/sessync/internal/groupkeys"
	"github.com/matheus3301/sessync/internal/handlers"
	"github.com/matheus3301/sessync/internal/state"
	"github.com/matheus3301/sessync/internal/status"
	"github.com/matheus3301/sessync/internal/store"
)

type fakeSyncer struct {
	calls int
}

func (f *fakeSyncer) SyncNow(context.Context) error {
	f.calls++
	return nil
}

func (f *fakeSyncer) Pollers() []string { return []string{"05aa"} }

type harness struct {
	client  *Client
	state   *state.Manager
	machine *status.Machine
	syncer  *fakeSyncer
	keyPath string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := zap.NewNop()
	h := &harness{
		state:   state.NewManager(db, handlers.NewRegistry(logger), logger, state.Options{}),
		machine: status.NewMachine(nil),
		syncer:  &fakeSyncer{},
		keyPath: filepath.Join(dir, "keys.toml"),
	}
	if err := h.machine.Transition(status.KeysRequired); err != nil {
		t.Fatal(err)
	}
	ctl := NewControl(Params{
		Account: "test",
		KeyPath: h.keyPath,
		Machine: h.machine,
		State:   h.state,
		DB:      db,
		Sync:    h.syncer,
		Groups:  groupkeys.NewManager(h.state, db, nil, logger),
		Activate: func(ctx context.Context, keys *account.Keys) error {
			if err := h.state.Load(ctx, keys); err != nil {
				return err
			}
			return h.machine.Transition(status.Syncing)
		},
		Logger: logger,
	})

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	ctl.Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	h.client = NewClient(conn)
	t.Cleanup(func() { _ = h.client.Close() })
	return h
}

func (h *harness) call(t *testing.T, method string, fields map[string]any) map[string]any {
	t.Helper()
	resp, err := h.client.Call(context.Background(), method, fields)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	return resp.AsMap()
}

func wantCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	if got := grpcstatus.Code(err); got != code {
		t.Errorf("code = %s, want %s (err %v)", got, code, err)
	}
}

func TestStatusBeforeAccount(t *testing.T) {
	h := newHarness(t)
	got := h.call(t, MethodStatus, nil)
	if got["status"] != string(status.KeysRequired) {
		t.Errorf("status = %v, want keys_required", got["status"])
	}
	if got["account_id"] != "" || got["account"] != "test" {
		t.Errorf("account = %v %v", got["account"], got["account_id"])
	}

	_, err := h.client.Call(context.Background(), MethodSetProfile, map[string]any{"name": "Ann"})
	wantCode(t, err, codes.FailedPrecondition)
}

func TestCreateAccount(t *testing.T) {
	h := newHarness(t)
	got := h.call(t, MethodCreateAccount, nil)
	id, _ := got["account_id"].(string)
	if !strings.HasPrefix(id, "05") || id != h.state.UserID() {
		t.Fatalf("account_id = %q, state has %q", id, h.state.UserID())
	}
	keys, err := account.LoadKeys(h.keyPath)
	if err != nil {
		t.Fatal(err)
	}
	if keys.ID != id {
		t.Errorf("saved keys for %s, want %s", keys.ID, id)
	}
	if h.machine.Current() != status.Syncing {
		t.Errorf("status = %s, want syncing", h.machine.Current())
	}

	_, err = h.client.Call(context.Background(), MethodCreateAccount, nil)
	wantCode(t, err, codes.AlreadyExists)
}

func TestCreateAccountFromSeed(t *testing.T) {
	other, err := account.Generate()
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t)
	got := h.call(t, MethodCreateAccount, map[string]any{"seed": hexString(other.Seed)})
	if got["account_id"] != other.ID {
		t.Errorf("restored %v, want %s", got["account_id"], other.ID)
	}
}

func TestContactsAndThreads(t *testing.T) {
	h := newHarness(t)
	h.call(t, MethodCreateAccount, nil)
	peer, err := account.Generate()
	if err != nil {
		t.Fatal(err)
	}

	h.call(t, MethodSetContact, map[string]any{"id": peer.ID, "name": "Bob", "approved": true})
	h.call(t, MethodSetThreadPriority, map[string]any{"id": peer.ID, "priority": 3})

	contacts := h.call(t, MethodListContacts, nil)["contacts"].([]any)
	if len(contacts) != 1 {
		t.Fatalf("got %d contacts, want 1", len(contacts))
	}
	c := contacts[0].(map[string]any)
	if c["id"] != peer.ID || c["name"] != "Bob" || c["approved"] != true {
		t.Errorf("contact = %v", c)
	}

	threads := h.call(t, MethodListThreads, map[string]any{"variant": store.VariantContact})["threads"].([]any)
	if len(threads) != 1 {
		t.Fatalf("got %d threads, want 1", len(threads))
	}
	if p := threads[0].(map[string]any)["priority"]; p != float64(3) {
		t.Errorf("priority = %v, want 3", p)
	}

	h.call(t, MethodSetContact, map[string]any{"id": peer.ID, "erase": true})
	if contacts := h.call(t, MethodListContacts, nil)["contacts"].([]any); len(contacts) != 0 {
		t.Errorf("got %d contacts after erase, want 0", len(contacts))
	}
}

func TestInvalidArguments(t *testing.T) {
	h := newHarness(t)
	h.call(t, MethodCreateAccount, nil)

	tests := []struct {
		name   string
		method string
		fields map[string]any
		code   codes.Code
	}{
		{"contact id", MethodSetContact, map[string]any{"id": "bob"}, codes.InvalidArgument},
		{"priority missing", MethodSetThreadPriority, map[string]any{"id": h.state.UserID()}, codes.InvalidArgument},
		{"no members", MethodAddMembers, map[string]any{"group_id": "03aa"}, codes.InvalidArgument},
		{"unknown group", MethodRekey, map[string]any{"group_id": "03" + strings.Repeat("0", 64)}, codes.NotFound},
		{"member id", MethodCreateGroup, map[string]any{"name": "x", "members": []any{"nope"}}, codes.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.client.Call(context.Background(), tt.method, tt.fields)
			wantCode(t, err, tt.code)
		})
	}
}

func TestGroups(t *testing.T) {
	h := newHarness(t)
	h.call(t, MethodCreateAccount, nil)
	member, err := account.Generate()
	if err != nil {
		t.Fatal(err)
	}

	gid, _ := h.call(t, MethodCreateGroup, map[string]any{"name": "team"})["group_id"].(string)
	if gid == "" {
		t.Fatal("no group id")
	}
	h.call(t, MethodAddMembers, map[string]any{"group_id": gid, "members": []any{member.ID}})
	h.call(t, MethodRekey, map[string]any{"group_id": gid})

	groups := h.call(t, MethodListGroups, nil)["groups"].([]any)
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(groups))
	}
	g := groups[0].(map[string]any)
	if g["id"] != gid || g["name"] != "team" || g["admin"] != true || g["members"] != float64(2) {
		t.Errorf("group = %v", g)
	}
	if g["key_status"] != string(groupkeys.RekeyedPendingAck) {
		t.Errorf("key_status = %v", g["key_status"])
	}

	h.call(t, MethodRemoveMembers, map[string]any{"group_id": gid, "members": []any{member.ID}, "purge": true})
}

func TestSyncNow(t *testing.T) {
	h := newHarness(t)
	h.call(t, MethodSyncNow, nil)
	if h.syncer.calls != 1 {
		t.Errorf("SyncNow calls = %d, want 1", h.syncer.calls)
	}
	pollers := h.call(t, MethodStatus, nil)["pollers"].([]any)
	if len(pollers) != 1 {
		t.Errorf("pollers = %v", pollers)
	}
}

func hexString(b []byte) string {
	return hex.EncodeToString(b)
}
