package handlers

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/sessync/internal/account"
	"github.com/matheus3301/sessync/internal/configs"
	"github.com/matheus3301/sessync/internal/namespace"
	"github.com/matheus3301/sessync/internal/state"
	"github.com/matheus3301/sessync/internal/store"
)

func setup(t *testing.T) (*state.Manager, *store.DB, string) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	keys, err := account.Generate()
	if err != nil {
		t.Fatal(err)
	}
	logger := zap.NewNop()
	m := state.NewManager(db, NewRegistry(logger), logger, state.Options{})
	if err := m.Load(context.Background(), keys); err != nil {
		t.Fatal(err)
	}
	return m, db, keys.ID
}

func userID(b byte) string {
	return namespace.UserPrefix + hex.EncodeToString(bytes.Repeat([]byte{b}, 32))
}

func groupID(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return configs.GroupID(pub)
}

func apply(t *testing.T, m *state.Manager, self string, ch Change) {
	t.Helper()
	if err := ApplyLocalChange(context.Background(), m, self, ch); err != nil {
		t.Fatal(err)
	}
}

func thread(t *testing.T, db *store.DB, id string) *store.Thread {
	t.Helper()
	var th *store.Thread
	err := db.InTx(context.Background(), func(tx *store.Tx) error {
		var err error
		th, err = tx.GetThread(id)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return th
}

func TestProfileProjection(t *testing.T) {
	m, db, self := setup(t)
	name := "alice"
	expiry := int64(3600)
	apply(t, m, self, ProfileChange{Name: &name, NoteToSelfExpiry: &expiry})

	err := db.InTx(context.Background(), func(tx *store.Tx) error {
		p, err := tx.GetProfile(self)
		if err != nil {
			return err
		}
		if p == nil || p.Name != "alice" {
			t.Errorf("profile = %+v, want name alice", p)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	th := thread(t, db, self)
	if th == nil {
		t.Fatal("note-to-self thread not created")
	}
	if th.Variant != store.VariantNoteToSelf {
		t.Errorf("variant = %q, want %q", th.Variant, store.VariantNoteToSelf)
	}
	if !th.ShouldBeVisible {
		t.Error("note-to-self should be visible by default")
	}
	if th.ExpiryMode != 1 || th.ExpirySeconds != 3600 {
		t.Errorf("expiry = %d/%d, want 1/3600", th.ExpiryMode, th.ExpirySeconds)
	}
}

func TestContactsProjection(t *testing.T) {
	m, db, self := setup(t)
	bob, carol := userID(0xb0), userID(0xc0)

	apply(t, m, self, ContactChange{ID: bob, Update: func(c *configs.Contact) {
		c.Name = "bob"
		c.Approved = true
	}})
	apply(t, m, self, ContactChange{ID: carol, Update: func(c *configs.Contact) { c.Name = "carol" }})

	err := db.InTx(context.Background(), func(tx *store.Tx) error {
		cs, err := tx.Contacts()
		if err != nil {
			return err
		}
		if len(cs) != 2 {
			t.Fatalf("contacts = %d, want 2", len(cs))
		}
		p, err := tx.GetProfile(bob)
		if err != nil {
			return err
		}
		if p == nil || p.Name != "bob" {
			t.Errorf("bob profile = %+v", p)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if th := thread(t, db, bob); th == nil || th.Variant != store.VariantContact {
		t.Errorf("bob thread = %+v", th)
	}

	apply(t, m, self, EraseContact{ID: carol})

	err = db.InTx(context.Background(), func(tx *store.Tx) error {
		c, err := tx.GetContact(carol)
		if err != nil {
			return err
		}
		if c != nil {
			t.Error("erased contact still stored")
		}
		b, err := tx.GetContact(bob)
		if err != nil {
			return err
		}
		if b == nil || !b.IsApproved {
			t.Errorf("bob = %+v, want approved", b)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if th := thread(t, db, carol); th != nil {
		t.Error("erased contact thread still stored")
	}
}

func TestSyncable(t *testing.T) {
	tests := []struct {
		name string
		c    store.Contact
		want bool
	}{
		{"plain", store.Contact{ID: userID(1)}, true},
		{"blinded", store.Contact{ID: namespace.BlindedPrefix + userID(1)[2:]}, false},
		{"outgoing request", store.Contact{ID: userID(1), OutgoingRequest: true}, false},
		{"outgoing request answered", store.Contact{ID: userID(1), OutgoingRequest: true, IsApprovedMe: true}, true},
		{"blocked request", store.Contact{ID: userID(1), OutgoingRequest: true, IsBlocked: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Syncable(&tt.c); got != tt.want {
				t.Errorf("Syncable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSaveContact(t *testing.T) {
	ctx := context.Background()
	m, db, self := setup(t)
	blinded := namespace.BlindedPrefix + userID(0xd0)[2:]
	dave := userID(0xd0)

	if err := SaveContact(ctx, m, db, store.Contact{ID: blinded, IsApproved: true}, store.Profile{ID: blinded, Name: "anon"}); err != nil {
		t.Fatal(err)
	}
	if err := SaveContact(ctx, m, db, store.Contact{ID: dave, IsApproved: true}, store.Profile{ID: dave, Name: "dave"}); err != nil {
		t.Fatal(err)
	}

	err := m.Read(self, func(objs state.Objects) error {
		c, err := objs.Get(namespace.Contacts)
		if err != nil {
			return err
		}
		v, err := configs.AsContacts(c)
		if err != nil {
			return err
		}
		if _, ok := v.Get(dave); !ok {
			t.Error("syncable contact missing from config")
		}
		if len(v.All()) != 1 {
			t.Errorf("config contacts = %d, want 1", len(v.All()))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// A blinded contact stays local, and the Contacts projection leaves it
	// alone.
	err = db.InTx(ctx, func(tx *store.Tx) error {
		c, err := tx.GetContact(blinded)
		if err != nil {
			return err
		}
		if c == nil {
			t.Error("local-only contact was dropped")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// Turning dave into an unanswered request takes him out of the config.
	if err := SaveContact(ctx, m, db, store.Contact{ID: dave, OutgoingRequest: true}, store.Profile{ID: dave, Name: "dave"}); err != nil {
		t.Fatal(err)
	}
	err = m.Read(self, func(objs state.Objects) error {
		c, err := objs.Get(namespace.Contacts)
		if err != nil {
			return err
		}
		v, err := configs.AsContacts(c)
		if err != nil {
			return err
		}
		if _, ok := v.Get(dave); ok {
			t.Error("outgoing request still in config")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSetThreadPriority(t *testing.T) {
	ctx := context.Background()
	m, db, self := setup(t)
	bob := userID(0xb0)
	group := groupID(t)
	room := configs.Community{BaseURL: "https://open.example.org", Room: "lobby"}

	apply(t, m, self, ContactChange{ID: bob})
	apply(t, m, self, GroupEntryChange{ID: group})
	apply(t, m, self, CommunityChange{Community: room})

	tests := []struct {
		name     string
		id       string
		priority int64
		wantErr  error
		visible  bool
	}{
		{"note to self pinned", self, 1, nil, true},
		{"contact hidden", bob, configs.HiddenPriority, nil, false},
		{"group pinned", group, 2, nil, true},
		{"community pinned", room.Key(), 3, nil, true},
		{"unknown community", "https://nowhere#room", 1, configs.ErrInvalidID, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := SetThreadPriority(ctx, m, tt.id, tt.priority)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			th := thread(t, db, tt.id)
			if th == nil {
				t.Fatal("thread not projected")
			}
			if th.Priority != tt.priority {
				t.Errorf("priority = %d, want %d", th.Priority, tt.priority)
			}
			if th.ShouldBeVisible != tt.visible {
				t.Errorf("visible = %v, want %v", th.ShouldBeVisible, tt.visible)
			}
		})
	}
}

func TestConvoReadNeverMovesBack(t *testing.T) {
	m, db, self := setup(t)
	bob := userID(0xb0)

	apply(t, m, self, ConvoRead{Kind: configs.ConvoOneToOne, ID: bob, LastRead: 2000})
	th := thread(t, db, bob)
	if th == nil {
		t.Fatal("read state did not create a thread")
	}
	if th.ShouldBeVisible {
		t.Error("placeholder thread should be hidden")
	}
	if th.LastRead != 2000 {
		t.Errorf("last read = %d, want 2000", th.LastRead)
	}

	apply(t, m, self, ConvoRead{Kind: configs.ConvoOneToOne, ID: bob, LastRead: 1000, MarkedUnread: true})
	th = thread(t, db, bob)
	if th.LastRead != 2000 {
		t.Errorf("last read = %d, want 2000", th.LastRead)
	}
	if !th.MarkedUnread {
		t.Error("marked unread not projected")
	}
}

func TestInvalidChangeLeavesConfigUntouched(t *testing.T) {
	m, _, self := setup(t)
	err := ApplyLocalChange(context.Background(), m, self, ContactChange{ID: "not-an-id"})
	if !errors.Is(err, configs.ErrInvalidID) {
		t.Fatalf("err = %v, want ErrInvalidID", err)
	}
	err = m.Read(self, func(objs state.Objects) error {
		c, err := objs.Get(namespace.Contacts)
		if err != nil {
			return err
		}
		if c.NeedsPush() {
			t.Error("failed change left the object needing a push")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestProjectionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, db, self := setup(t)
	apply(t, m, self, ContactChange{ID: userID(0xb0), Update: func(c *configs.Contact) { c.Name = "bob" }})
	apply(t, m, self, GroupEntryChange{ID: groupID(t), Update: func(g *configs.Group) { g.Name = "club" }})

	reg := NewRegistry(zap.NewNop())
	snapshot := func() (int, int, int) {
		var contacts, groups, threads int
		err := db.InTx(ctx, func(tx *store.Tx) error {
			cs, err := tx.Contacts()
			if err != nil {
				return err
			}
			gs, err := tx.Groups()
			if err != nil {
				return err
			}
			ts, err := tx.Threads("")
			if err != nil {
				return err
			}
			contacts, groups, threads = len(cs), len(gs), len(ts)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		return contacts, groups, threads
	}

	c0, g0, th0 := snapshot()
	for range 2 {
		err := m.Read(self, func(objs state.Objects) error {
			return db.InTx(ctx, func(tx *store.Tx) error {
				for _, c := range objs.All() {
					if err := reg.Project(tx, self, c, time.Now()); err != nil {
						return err
					}
				}
				return nil
			})
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	c1, g1, th1 := snapshot()
	if c0 != c1 || g0 != g1 {
		t.Errorf("rows changed: contacts %d->%d groups %d->%d", c0, c1, g0, g1)
	}
	// Re-projecting the profile adds the note-to-self thread once.
	if th1 != th0+1 {
		t.Errorf("threads %d->%d, want one added", th0, th1)
	}
}
