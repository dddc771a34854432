package groupkeys

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/sessync/internal/account"
	"github.com/matheus3301/sessync/internal/bus"
	"github.com/matheus3301/sessync/internal/configs"
	"github.com/matheus3301/sessync/internal/cryptobox"
	"github.com/matheus3301/sessync/internal/handlers"
	"github.com/matheus3301/sessync/internal/mergeable"
	"github.com/matheus3301/sessync/internal/namespace"
	"github.com/matheus3301/sessync/internal/state"
	"github.com/matheus3301/sessync/internal/store"
	"github.com/matheus3301/sessync/internal/swarm"
	syncer "github.com/matheus3301/sessync/internal/sync"
)

type node struct {
	id     string
	db     *store.DB
	bus    *bus.Bus
	state  *state.Manager
	keys   *Manager
	engine *syncer.Engine
}

func newNode(t *testing.T, acct *account.Keys) *node {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := zap.NewNop()
	b := bus.New()
	m := state.NewManager(db, handlers.NewRegistry(logger), logger, state.Options{Bus: b})
	if err := m.Load(context.Background(), acct); err != nil {
		t.Fatal(err)
	}
	return &node{
		id:     acct.ID,
		db:     db,
		bus:    b,
		state:  m,
		keys:   NewManager(m, db, b, logger),
		engine: syncer.NewEngine(m, logger),
	}
}

func newAccount(t *testing.T) *account.Keys {
	t.Helper()
	k, err := account.Generate()
	if err != nil {
		t.Fatal(err)
	}
	return k
}

// join adds g to the node's UserGroups, which loads the group objects.
func (n *node) join(t *testing.T, g configs.Group) {
	t.Helper()
	err := handlers.ApplyLocalChange(context.Background(), n.state, n.id, handlers.GroupEntryChange{
		ID:     g.ID,
		Update: func(e *configs.Group) { e.SecretKey = g.SecretKey },
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (n *node) entry(t *testing.T, groupID string) configs.Group {
	t.Helper()
	var g configs.Group
	err := n.state.Read(n.id, func(objs state.Objects) error {
		c, err := objs.Get(namespace.UserGroups)
		if err != nil {
			return err
		}
		v, err := configs.AsUserGroups(c)
		if err != nil {
			return err
		}
		g, _ = v.Group(groupID)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

// push computes the pending pushes of identity and returns them as relay
// messages, confirming each so the objects end clean.
func (n *node) push(t *testing.T, identity string) []mergeable.Message {
	t.Helper()
	var out []mergeable.Message
	err := n.state.Update(context.Background(), identity, func(objs state.Objects) error {
		for _, pd := range n.engine.PendingChanges(objs, nil) {
			hash := cryptobox.MessageHash(identity, int16(pd.Namespace), pd.Data)
			if _, err := n.engine.MarkingAsPushed(objs, pd.Namespace, pd.Seqno, hash, time.Now()); err != nil {
				return err
			}
			out = append(out, mergeable.Message{Namespace: pd.Namespace, Hash: hash, Timestamp: time.Now(), Data: pd.Data})
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func (n *node) merge(t *testing.T, identity string, msgs []mergeable.Message) {
	t.Helper()
	if _, err := n.engine.HandleConfigMessages(context.Background(), identity, msgs); err != nil {
		t.Fatal(err)
	}
}

func (n *node) ring(t *testing.T, groupID string) (gen int64, newest []byte, needsRekey bool) {
	t.Helper()
	err := n.state.Read(groupID, func(objs state.Objects) error {
		r, err := objs.Keys()
		if err != nil {
			return err
		}
		gen, needsRekey = r.Generation(), r.NeedsRekey()
		if keys := r.GroupKeys(); len(keys) > 0 {
			newest = keys[0]
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return gen, newest, needsRekey
}

func (n *node) members(t *testing.T, groupID string) []configs.Member {
	t.Helper()
	var out []configs.Member
	err := n.state.Read(groupID, func(objs state.Objects) error {
		mv, err := membersView(objs)
		if err != nil {
			return err
		}
		out = mv.All()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func keysOnly(msgs []mergeable.Message) []mergeable.Message {
	var out []mergeable.Message
	for _, m := range msgs {
		if m.Namespace == namespace.GroupKeys {
			out = append(out, m)
		}
	}
	return out
}

func TestCreateGroup(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, newAccount(t))
	member := newAccount(t)

	id, err := a.keys.CreateGroup(ctx, "team", []string{member.ID})
	if err != nil {
		t.Fatal(err)
	}
	if namespace.Classify(id) != namespace.KindGroup {
		t.Fatalf("group id %q", id)
	}
	if !a.entry(t, id).Admin() {
		t.Error("creator is not admin")
	}
	st, err := a.keys.Status(id)
	if err != nil {
		t.Fatal(err)
	}
	if st != RekeyedPendingAck {
		t.Errorf("status = %s, want %s", st, RekeyedPendingAck)
	}
	if got := a.members(t, id); len(got) != 2 {
		t.Errorf("got %d members, want 2", len(got))
	}

	msgs := a.push(t, id)
	if len(msgs) != 3 || msgs[0].Namespace != namespace.GroupKeys {
		t.Fatalf("pushes = %d, want keys first then info and members", len(msgs))
	}
	if st, _ := a.keys.Status(id); st != Stable {
		t.Errorf("status after push = %s, want stable", st)
	}
}

func TestFailedRekeyLeavesKeysUnchanged(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, newAccount(t))
	id, err := a.keys.CreateGroup(ctx, "team", nil)
	if err != nil {
		t.Fatal(err)
	}
	a.push(t, id)
	gen, key, _ := a.ring(t, id)

	// Dropping the secret key turns the device into a plain member.
	err = handlers.ApplyLocalChange(ctx, a.state, a.id, handlers.GroupEntryChange{
		ID:     id,
		Update: func(g *configs.Group) { g.SecretKey = nil },
	})
	if err != nil {
		t.Fatal(err)
	}

	err = a.keys.Rekey(ctx, id)
	if !errors.Is(err, ErrFailedToRekeyGroup) || !errors.Is(err, configs.ErrNotAdmin) {
		t.Fatalf("got %v, want ErrFailedToRekeyGroup wrapping ErrNotAdmin", err)
	}
	gotGen, gotKey, _ := a.ring(t, id)
	if gotGen != gen || !bytes.Equal(gotKey, key) {
		t.Error("failed rekey changed the key ring")
	}
	if st, _ := a.keys.Status(id); st != Stable {
		t.Errorf("status = %s, want stable", st)
	}
}

func TestAddMembersRollsBackOnInvalidID(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, newAccount(t))
	id, err := a.keys.CreateGroup(ctx, "team", nil)
	if err != nil {
		t.Fatal(err)
	}
	a.push(t, id)
	gen, _, _ := a.ring(t, id)

	err = a.keys.AddMembers(ctx, id, []string{newAccount(t).ID, "not-an-id"}, false)
	if !errors.Is(err, configs.ErrInvalidID) {
		t.Fatalf("got %v, want ErrInvalidID", err)
	}
	if got, _, _ := a.ring(t, id); got != gen {
		t.Errorf("generation %d, want %d", got, gen)
	}
	if got := a.members(t, id); len(got) != 1 {
		t.Errorf("got %d members after failed add, want 1", len(got))
	}
}

func TestCollisionResolution(t *testing.T) {
	for _, aFirst := range []bool{true, false} {
		name := "b_resolves"
		if aFirst {
			name = "a_resolves"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			acct := newAccount(t)
			a, b := newNode(t, acct), newNode(t, acct)
			memberAcct := newAccount(t)
			c := newNode(t, memberAcct)

			id, err := a.keys.CreateGroup(ctx, "team", []string{memberAcct.ID})
			if err != nil {
				t.Fatal(err)
			}
			b.join(t, a.entry(t, id))
			c.join(t, configs.Group{ID: id})
			initial := a.push(t, id)
			b.merge(t, id, initial)
			c.merge(t, id, initial)

			// Both admins rekey at the same generation.
			if err := a.keys.Rekey(ctx, id); err != nil {
				t.Fatal(err)
			}
			if err := b.keys.Rekey(ctx, id); err != nil {
				t.Fatal(err)
			}
			fromA, fromB := keysOnly(a.push(t, id)), keysOnly(b.push(t, id))

			first, second := a, b
			firstIn, secondIn := fromB, fromA
			if !aFirst {
				first, second = b, a
				firstIn, secondIn = fromA, fromB
			}

			first.merge(t, id, firstIn)
			if _, _, collided := first.ring(t, id); !collided {
				t.Fatal("merging the concurrent rekey did not collide")
			}
			if ok, err := first.keys.ResolveCollisions(ctx, id); err != nil || !ok {
				t.Fatalf("ResolveCollisions = %v, %v", ok, err)
			}
			resolution := keysOnly(first.push(t, id))

			second.merge(t, id, append(secondIn, resolution...))
			if ok, err := second.keys.ResolveCollisions(ctx, id); err != nil || ok {
				t.Fatalf("second device rekeyed again: %v, %v", ok, err)
			}

			genA, keyA, rekeyA := a.ring(t, id)
			genB, keyB, rekeyB := b.ring(t, id)
			if rekeyA || rekeyB {
				t.Error("collision still reported after resolution")
			}
			if genA != genB || !bytes.Equal(keyA, keyB) {
				t.Errorf("admins disagree: gen %d vs %d", genA, genB)
			}

			c.merge(t, id, append(append(fromA, fromB...), resolution...))
			genC, keyC, _ := c.ring(t, id)
			if genC != genA || !bytes.Equal(keyC, keyA) {
				t.Errorf("member has gen %d, want %d with the same key", genC, genA)
			}
		})
	}
}

// A member removed while a collision is unresolved holds every colliding
// key, yet must not be able to compute the generation that excludes it.
func TestRemovalDuringCollisionExcludesMember(t *testing.T) {
	ctx := context.Background()
	acct := newAccount(t)
	a, b := newNode(t, acct), newNode(t, acct)
	memberAcct := newAccount(t)
	c := newNode(t, memberAcct)

	id, err := a.keys.CreateGroup(ctx, "team", []string{memberAcct.ID})
	if err != nil {
		t.Fatal(err)
	}
	b.join(t, a.entry(t, id))
	c.join(t, configs.Group{ID: id})
	initial := a.push(t, id)
	b.merge(t, id, initial)
	c.merge(t, id, initial)

	if err := a.keys.Rekey(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := b.keys.Rekey(ctx, id); err != nil {
		t.Fatal(err)
	}
	fromA, fromB := keysOnly(a.push(t, id)), keysOnly(b.push(t, id))
	a.merge(t, id, fromB)
	c.merge(t, id, append(fromA, fromB...))

	var genC int64
	var colliding [][]byte
	err = c.state.Read(id, func(objs state.Objects) error {
		r, err := objs.Keys()
		if err != nil {
			return err
		}
		if !r.NeedsRekey() {
			return errors.New("member ring did not collide")
		}
		genC, colliding = r.Generation(), r.GroupKeys()[:2]
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := a.keys.RemoveMembers(ctx, id, []string{memberAcct.ID}, false); err != nil {
		t.Fatal(err)
	}
	removal := keysOnly(a.push(t, id))
	genA, keyA, _ := a.ring(t, id)
	if genA != genC+1 {
		t.Fatalf("admin generation %d, want %d", genA, genC+1)
	}

	// The colliding keys alone do not yield the new key.
	material := binary.BigEndian.AppendUint64(nil, uint64(genA))
	for _, k := range colliding {
		material = append(material, k...)
	}
	if bytes.Equal(cryptobox.DerivedKey("sessync group rekey collision", material), keyA) {
		t.Fatal("new key derivable from the colliding keys")
	}

	c.merge(t, id, removal)
	if gen, keyC, _ := c.ring(t, id); gen >= genA || bytes.Equal(keyC, keyA) {
		t.Errorf("removed member reached gen %d of %d", gen, genA)
	}
}

func TestConcurrentResolversProduceSameKey(t *testing.T) {
	ctx := context.Background()
	acct := newAccount(t)
	a, b := newNode(t, acct), newNode(t, acct)
	id, err := a.keys.CreateGroup(ctx, "team", nil)
	if err != nil {
		t.Fatal(err)
	}
	b.join(t, a.entry(t, id))
	b.merge(t, id, a.push(t, id))

	_ = a.keys.Rekey(ctx, id)
	_ = b.keys.Rekey(ctx, id)
	fromA, fromB := keysOnly(a.push(t, id)), keysOnly(b.push(t, id))
	a.merge(t, id, fromB)
	b.merge(t, id, fromA)

	for _, n := range []*node{a, b} {
		if ok, err := n.keys.ResolveCollisions(ctx, id); err != nil || !ok {
			t.Fatalf("ResolveCollisions = %v, %v", ok, err)
		}
	}
	ra, rb := keysOnly(a.push(t, id)), keysOnly(b.push(t, id))
	a.merge(t, id, rb)
	b.merge(t, id, ra)

	genA, keyA, rekeyA := a.ring(t, id)
	genB, keyB, rekeyB := b.ring(t, id)
	if rekeyA || rekeyB || genA != genB || !bytes.Equal(keyA, keyB) {
		t.Errorf("racing resolvers diverged: gen %d/%d collision %v/%v", genA, genB, rekeyA, rekeyB)
	}
}

func TestMemberRemovalWithPurge(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, newAccount(t))
	m := newAccount(t)
	id, err := a.keys.CreateGroup(ctx, "team", []string{m.ID})
	if err != nil {
		t.Fatal(err)
	}
	a.push(t, id)

	events, unsub := a.bus.Subscribe(EventMemberPurged, 4)
	defer unsub()

	if err := a.keys.RemoveMembers(ctx, id, []string{m.ID}, true); err != nil {
		t.Fatal(err)
	}
	var removed configs.Member
	for _, mem := range a.members(t, id) {
		if mem.ID == m.ID {
			removed = mem
		}
	}
	if removed.Removed != configs.RemovedPurge {
		t.Fatalf("removed = %d, want %d", removed.Removed, configs.RemovedPurge)
	}

	// Nothing is erased until the rekey and removal marks are pushed.
	if got, err := a.keys.ProcessPendingRemovals(ctx, id); err != nil || len(got) != 0 {
		t.Fatalf("early ProcessPendingRemovals = %v, %v", got, err)
	}
	a.push(t, id)
	got, err := a.keys.ProcessPendingRemovals(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Member != m.ID {
		t.Fatalf("purged = %+v", got)
	}
	for _, mem := range a.members(t, id) {
		if mem.ID == m.ID {
			t.Error("removed member still listed")
		}
	}

	var rows []store.GroupMember
	err = a.db.InTx(ctx, func(tx *store.Tx) error {
		rows, err = tx.GroupMembers(id)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range rows {
		if r.ProfileID == m.ID {
			t.Error("local member record not deleted")
		}
	}

	select {
	case evt := <-events:
		if r, ok := evt.Payload.(Removal); !ok || r.Member != m.ID {
			t.Errorf("event payload = %v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for purge event")
	}
}

func TestKeySupplement(t *testing.T) {
	ctx := context.Background()
	a := newNode(t, newAccount(t))
	dAcct := newAccount(t)
	d := newNode(t, dAcct)

	id, err := a.keys.CreateGroup(ctx, "team", nil)
	if err != nil {
		t.Fatal(err)
	}
	a.push(t, id)
	gen, key, _ := a.ring(t, id)

	if err := a.keys.AddMembers(ctx, id, []string{dAcct.ID}, true); err != nil {
		t.Fatal(err)
	}
	if got, _, _ := a.ring(t, id); got != gen {
		t.Errorf("supplement changed generation to %d", got)
	}
	if st, _ := a.keys.Status(id); st != Stable {
		t.Errorf("status = %s, want stable", st)
	}

	pending, err := a.db.PendingOutbox(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Destination != dAcct.ID || pending[0].Kind != OutboxKind {
		t.Fatalf("outbox = %+v", pending)
	}

	d.join(t, configs.Group{ID: id})
	err = d.keys.ReceiveSupplements(ctx, []swarm.Message{{
		Hash:      "supplement-1",
		Namespace: namespace.Direct,
		Timestamp: time.Now().UnixMilli(),
		Data:      pending[0].Payload,
	}})
	if err != nil {
		t.Fatal(err)
	}
	dGen, dKey, _ := d.ring(t, id)
	if dGen != gen || !bytes.Equal(dKey, key) {
		t.Errorf("member got gen %d, want %d with the admin's key", dGen, gen)
	}
}
