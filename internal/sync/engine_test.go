package sync

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/matheus3301/sessync/internal/account"
	"github.com/matheus3301/sessync/internal/configs"
	"github.com/matheus3301/sessync/internal/handlers"
	"github.com/matheus3301/sessync/internal/mergeable"
	"github.com/matheus3301/sessync/internal/namespace"
	"github.com/matheus3301/sessync/internal/state"
	"github.com/matheus3301/sessync/internal/store"
	"github.com/matheus3301/sessync/internal/swarm"
)

var contactX = "05" + strings.Repeat("1f", 32)

type device struct {
	db    *store.DB
	state *state.Manager
	svc   *Service
	id    string
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testRelay() swarm.Client {
	return swarm.NewLocalClient(swarm.NewServer(swarm.NewMemoryBackend(), zap.NewNop()))
}

func newDevice(t *testing.T, keys *account.Keys, relay swarm.Client) *device {
	t.Helper()
	logger := zap.NewNop()
	db := testDB(t)
	m := state.NewManager(db, handlers.NewRegistry(logger), logger, state.Options{})
	if err := m.Load(context.Background(), keys); err != nil {
		t.Fatal(err)
	}
	svc := NewService(m, db, relay, nil, nil, logger, Options{PushTimeout: time.Second})
	return &device{db: db, state: m, svc: svc, id: keys.ID}
}

func testKeys(t *testing.T) *account.Keys {
	t.Helper()
	k, err := account.Generate()
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func (d *device) change(t *testing.T, ch handlers.Change) {
	t.Helper()
	if err := handlers.ApplyLocalChange(context.Background(), d.state, d.id, ch); err != nil {
		t.Fatal(err)
	}
}

func (d *device) config(t *testing.T, ns namespace.Namespace) mergeable.Config {
	t.Helper()
	c, ok := d.state.Store().Get(ns, d.id)
	if !ok {
		t.Fatalf("no %s object", ns)
	}
	return c
}

func (d *device) contacts(t *testing.T) []configs.Contact {
	t.Helper()
	var out []configs.Contact
	err := d.state.Read(d.id, func(objs state.Objects) error {
		c, err := objs.Get(namespace.Contacts)
		if err != nil {
			return err
		}
		v, err := configs.AsContacts(c)
		if err != nil {
			return err
		}
		out = v.All()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func block(blocked bool) func(*configs.Contact) {
	return func(c *configs.Contact) {
		c.Approved = true
		c.Blocked = blocked
	}
}

func TestContactBlockUnblock(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, testKeys(t), testRelay())
	e := d.svc.Engine()

	d.change(t, handlers.ContactChange{ID: contactX, Update: block(true)})

	var pushes []*mergeable.PushData
	err := d.state.Update(ctx, d.id, func(objs state.Objects) error {
		pushes = e.PendingChanges(objs, nil)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(pushes) != 1 || pushes[0].Namespace != namespace.Contacts {
		t.Fatalf("pending = %+v, want one contacts push", pushes)
	}
	pd := pushes[0]

	err = d.state.Update(ctx, d.id, func(objs state.Objects) error {
		dump, err := e.MarkingAsPushed(objs, namespace.Contacts, pd.Seqno, "hash-1", time.Now())
		if dump != nil {
			t.Error("unexpected fresh dump without concurrent change")
		}
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.config(t, namespace.Contacts).NeedsPush() {
		t.Fatal("needs push after confirmation")
	}

	// The same message echoed back by the relay changes nothing.
	accepted, err := e.HandleConfigMessages(ctx, d.id, []mergeable.Message{
		{Namespace: namespace.Contacts, Hash: "hash-1", Timestamp: time.Now(), Data: pd.Data},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(accepted) != 0 {
		t.Errorf("accepted %v, want nothing new", accepted)
	}
	if d.config(t, namespace.Contacts).NeedsPush() {
		t.Error("echo made the object dirty")
	}

	var local *store.Contact
	_ = d.db.InTx(ctx, func(tx *store.Tx) error {
		local, err = tx.GetContact(contactX)
		return err
	})
	if local == nil || !local.IsBlocked {
		t.Errorf("local contact = %+v, want blocked", local)
	}

	d.change(t, handlers.ContactChange{ID: contactX, Update: block(false)})
	if !d.config(t, namespace.Contacts).NeedsPush() {
		t.Error("unblock did not produce a pending change")
	}
}

func TestMutateDuringPushReturnsDump(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, testKeys(t), testRelay())
	e := d.svc.Engine()
	name := "one"
	d.change(t, handlers.ProfileChange{Name: &name})

	var pd *mergeable.PushData
	_ = d.state.Update(ctx, d.id, func(objs state.Objects) error {
		pd = e.PendingChanges(objs, nil)[0]
		return nil
	})
	name = "two"
	d.change(t, handlers.ProfileChange{Name: &name})

	err := d.state.Update(ctx, d.id, func(objs state.Objects) error {
		dump, err := e.MarkingAsPushed(objs, namespace.UserProfile, pd.Seqno, "h", time.Now())
		if err != nil {
			return err
		}
		if dump == nil || dump.Namespace != namespace.UserProfile {
			t.Errorf("dump = %+v, want a fresh user profile dump", dump)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !d.config(t, namespace.UserProfile).NeedsPush() {
		t.Error("change made during the push was lost")
	}
}

func TestHandleConfigMessagesRejectsForeignNamespace(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, testKeys(t), testRelay())
	e := d.svc.Engine()

	if got, err := e.HandleConfigMessages(ctx, d.id, nil); err != nil || got != nil {
		t.Errorf("empty batch = %v, %v", got, err)
	}
	_, err := e.HandleConfigMessages(ctx, d.id, []mergeable.Message{
		{Namespace: namespace.Contacts, Hash: "a", Data: []byte("x")},
		{Namespace: namespace.GroupKeys, Hash: "b", Data: []byte("y")},
	})
	if !errors.Is(err, ErrCannotMergeInvalidMessageType) {
		t.Errorf("got %v, want ErrCannotMergeInvalidMessageType", err)
	}
}

func TestUndecryptableMessageIsSkipped(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, testKeys(t), testRelay())
	accepted, err := d.svc.Engine().HandleConfigMessages(ctx, d.id, []mergeable.Message{
		{Namespace: namespace.UserProfile, Hash: "junk", Data: []byte("not a config message")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(accepted) != 0 {
		t.Errorf("accepted %v", accepted)
	}
}

func TestTwoDevicesConverge(t *testing.T) {
	ctx := context.Background()
	keys := testKeys(t)
	relay := testRelay()
	a := newDevice(t, keys, relay)
	b := newDevice(t, keys, relay)
	contactY := "05" + strings.Repeat("2e", 32)

	a.change(t, handlers.ContactChange{ID: contactX, Update: block(false)})
	b.change(t, handlers.ContactChange{ID: contactY, Update: block(true)})

	if err := a.svc.pusher.Flush(ctx, a.id); err != nil {
		t.Fatal(err)
	}
	// b pushed against a seqno a already used.
	if err := b.svc.pusher.Flush(ctx, b.id); !errors.Is(err, swarm.ErrStaleSeqno) {
		t.Fatalf("b push = %v, want ErrStaleSeqno", err)
	}
	if err := b.svc.Cycle(ctx, b.id); err != nil {
		t.Fatal(err)
	}
	if err := b.svc.pusher.Flush(ctx, b.id); err != nil {
		t.Fatalf("b retry: %v", err)
	}
	if err := a.svc.Cycle(ctx, a.id); err != nil {
		t.Fatal(err)
	}

	for _, d := range []*device{a, b} {
		got := d.contacts(t)
		if len(got) != 2 {
			t.Errorf("device has %d contacts, want 2", len(got))
		}
		if d.config(t, namespace.Contacts).NeedsPush() {
			t.Error("device still needs push after convergence")
		}
	}
	da, _ := a.config(t, namespace.Contacts).(*mergeable.Object)
	db, _ := b.config(t, namespace.Contacts).(*mergeable.Object)
	if !da.Equal(db) {
		t.Error("devices diverged")
	}
}

func TestCycleCheckpointsLastHash(t *testing.T) {
	ctx := context.Background()
	keys := testKeys(t)
	relay := testRelay()
	a := newDevice(t, keys, relay)
	b := newDevice(t, keys, relay)

	name := "alice"
	a.change(t, handlers.ProfileChange{Name: &name})
	if err := a.svc.pusher.Flush(ctx, a.id); err != nil {
		t.Fatal(err)
	}
	if err := b.svc.Cycle(ctx, b.id); err != nil {
		t.Fatal(err)
	}
	h, err := b.db.SyncState(ctx, store.LastHashKey(b.id, namespace.UserProfile))
	if err != nil {
		t.Fatal(err)
	}
	if h == "" {
		t.Fatal("no checkpoint after poll")
	}

	var p *store.Profile
	_ = b.db.InTx(ctx, func(tx *store.Tx) error {
		p, err = tx.GetProfile(b.id)
		return err
	})
	if p == nil || p.Name != "alice" {
		t.Errorf("projected profile = %+v", p)
	}
}

// flakyClient fails Store in a rotating set of ways.
type flakyClient struct {
	swarm.Client
	calls atomic.Int64
}

func (c *flakyClient) Store(ctx context.Context, req *swarm.StoreRequest) (*swarm.StoreResponse, error) {
	switch c.calls.Add(1) % 5 {
	case 0:
		return nil, errors.New("connection reset")
	case 1:
		<-ctx.Done()
		return nil, ctx.Err()
	case 2:
		return nil, nil
	case 3:
		panic("transport bug")
	}
	return &swarm.StoreResponse{Hash: "h", Timestamp: 1}, nil
}

func TestCallbackFiresExactlyOnce(t *testing.T) {
	const attempts = 100
	client := &flakyClient{}
	p := NewPusher(NewEngine(nil, zap.NewNop()), client, zap.NewNop(), 20*time.Millisecond, nil)

	var counts [attempts]atomic.Int32
	var wg sync.WaitGroup
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		pd := &mergeable.PushData{Namespace: namespace.Contacts, Seqno: int64(i), Data: []byte("payload")}
		if i%7 == 0 {
			pd.Data = nil // request construction fails
		}
		p.send(context.Background(), contactX, pd, p.once(contactX, pd, func(bool, []byte, error) {
			counts[i].Add(1)
			wg.Done()
		}))
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for callbacks")
	}
	time.Sleep(50 * time.Millisecond)
	for i := range counts {
		if n := counts[i].Load(); n != 1 {
			t.Errorf("attempt %d: callback fired %d times", i, n)
		}
	}
}

func TestDuplicateCallbackIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	p := NewPusher(NewEngine(nil, zap.NewNop()), &flakyClient{}, zap.New(core), time.Second, nil)
	pd := &mergeable.PushData{Namespace: namespace.UserProfile, Seqno: 3}

	var n int
	cb := p.once(contactX, pd, func(bool, []byte, error) { n++ })
	cb(true, nil, nil)
	cb(false, nil, errors.New("late"))

	if n != 1 {
		t.Errorf("callback ran %d times, want 1", n)
	}
	if got := logs.FilterMessage("push callback invoked more than once").Len(); got != 1 {
		t.Errorf("logged %d duplicate warnings, want 1", got)
	}
}

func TestNextBackoff(t *testing.T) {
	tests := []struct {
		cur, base, limit, want time.Duration
	}{
		{0, time.Second, time.Minute, time.Second},
		{time.Second, time.Second, time.Minute, 2 * time.Second},
		{40 * time.Second, time.Second, time.Minute, time.Minute},
	}
	for _, tt := range tests {
		if got := nextBackoff(tt.cur, tt.base, tt.limit); got != tt.want {
			t.Errorf("nextBackoff(%v, %v, %v) = %v, want %v", tt.cur, tt.base, tt.limit, got, tt.want)
		}
	}
}
