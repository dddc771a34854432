package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/sessync/internal/configs"
	"github.com/matheus3301/sessync/internal/mergeable"
	"github.com/matheus3301/sessync/internal/namespace"
	"github.com/matheus3301/sessync/internal/state"
	"github.com/matheus3301/sessync/internal/store"
)

// Change is a semantic local edit to one namespace.
type Change interface {
	Namespace() namespace.Namespace
	Apply(c mergeable.Config, now time.Time) error
}

// ApplyLocalChange encodes ch into identity's object. A change that alters
// anything leaves the object needing a push; a failed change leaves it
// untouched.
func ApplyLocalChange(ctx context.Context, m *state.Manager, identity string, ch Change) error {
	return m.Mutate(ctx, ch.Namespace(), identity, func(c mergeable.Config) error {
		return ch.Apply(c, time.Now())
	})
}

// ProfileChange edits the user profile. Nil fields are left as they are.
type ProfileChange struct {
	Name             *string
	PicURL           *string
	PicKey           []byte
	NoteToSelf       *int64
	NoteToSelfExpiry *int64
}

func (ProfileChange) Namespace() namespace.Namespace { return namespace.UserProfile }

func (ch ProfileChange) Apply(c mergeable.Config, _ time.Time) error {
	v, err := configs.AsProfile(c)
	if err != nil {
		return err
	}
	p := v.Get()
	if ch.Name != nil {
		p.Name = *ch.Name
	}
	if ch.PicURL != nil {
		p.PicURL = *ch.PicURL
		p.PicKey = ch.PicKey
	}
	if ch.NoteToSelf != nil {
		p.NoteToSelf = *ch.NoteToSelf
	}
	if ch.NoteToSelfExpiry != nil {
		p.NoteToSelfExpiry = *ch.NoteToSelfExpiry
	}
	return v.Set(p)
}

// ContactChange creates or edits a contact.
type ContactChange struct {
	ID     string
	Update func(*configs.Contact)
}

func (ContactChange) Namespace() namespace.Namespace { return namespace.Contacts }

func (ch ContactChange) Apply(c mergeable.Config, now time.Time) error {
	v, err := configs.AsContacts(c)
	if err != nil {
		return err
	}
	ct, ok := v.Get(ch.ID)
	if !ok {
		ct = configs.Contact{ID: ch.ID, Created: now.UnixMilli()}
	}
	if ch.Update != nil {
		ch.Update(&ct)
	}
	return v.Set(ct)
}

// EraseContact removes a contact.
type EraseContact struct {
	ID string
}

func (EraseContact) Namespace() namespace.Namespace { return namespace.Contacts }

func (ch EraseContact) Apply(c mergeable.Config, _ time.Time) error {
	v, err := configs.AsContacts(c)
	if err != nil {
		return err
	}
	return v.Erase(ch.ID)
}

// ConvoRead records how far a conversation was read.
type ConvoRead struct {
	Kind         string
	ID           string
	LastRead     int64
	MarkedUnread bool
}

func (ConvoRead) Namespace() namespace.Namespace { return namespace.ConvoInfoVolatile }

func (ch ConvoRead) Apply(c mergeable.Config, _ time.Time) error {
	v, err := configs.AsConvo(c)
	if err != nil {
		return err
	}
	return v.Set(configs.Convo{Kind: ch.Kind, ID: ch.ID, LastRead: ch.LastRead, MarkedUnread: ch.MarkedUnread})
}

// GroupEntryChange creates or edits the user's entry for a group.
type GroupEntryChange struct {
	ID     string
	Update func(*configs.Group)
}

func (GroupEntryChange) Namespace() namespace.Namespace { return namespace.UserGroups }

func (ch GroupEntryChange) Apply(c mergeable.Config, now time.Time) error {
	v, err := configs.AsUserGroups(c)
	if err != nil {
		return err
	}
	g, ok := v.Group(ch.ID)
	if !ok {
		g = configs.Group{ID: ch.ID, JoinedAt: now.UnixMilli()}
	}
	if ch.Update != nil {
		ch.Update(&g)
	}
	return v.SetGroup(g)
}

// LeaveGroup removes the user's entry for a group.
type LeaveGroup struct {
	ID string
}

func (LeaveGroup) Namespace() namespace.Namespace { return namespace.UserGroups }

func (ch LeaveGroup) Apply(c mergeable.Config, _ time.Time) error {
	v, err := configs.AsUserGroups(c)
	if err != nil {
		return err
	}
	return v.EraseGroup(ch.ID)
}

// CommunityChange joins or edits a community.
type CommunityChange struct {
	Community configs.Community
}

func (CommunityChange) Namespace() namespace.Namespace { return namespace.UserGroups }

func (ch CommunityChange) Apply(c mergeable.Config, _ time.Time) error {
	v, err := configs.AsUserGroups(c)
	if err != nil {
		return err
	}
	return v.SetCommunity(ch.Community)
}

// GroupInfoChange edits a group's shared description. Admins only.
type GroupInfoChange struct {
	Update func(*configs.GroupInfo)
}

func (GroupInfoChange) Namespace() namespace.Namespace { return namespace.GroupInfo }

func (ch GroupInfoChange) Apply(c mergeable.Config, _ time.Time) error {
	v, err := configs.AsGroupInfo(c)
	if err != nil {
		return err
	}
	info := v.Get()
	if ch.Update != nil {
		ch.Update(&info)
	}
	return v.Set(info)
}

// SetThreadPriority pins, hides or reorders a conversation. The priority
// lives in whichever namespace owns the conversation.
func SetThreadPriority(ctx context.Context, m *state.Manager, id string, priority int64) error {
	self := m.UserID()
	if self == "" {
		return state.ErrUserDoesNotExist
	}
	var ch Change
	switch {
	case id == self:
		ch = ProfileChange{NoteToSelf: &priority}
	case namespace.Classify(id) == namespace.KindUser:
		ch = ContactChange{ID: id, Update: func(c *configs.Contact) { c.Priority = priority }}
	case namespace.Classify(id) == namespace.KindGroup:
		ch = GroupEntryChange{ID: id, Update: func(g *configs.Group) { g.Priority = priority }}
	default:
		return setCommunityPriority(ctx, m, self, id, priority)
	}
	return ApplyLocalChange(ctx, m, self, ch)
}

func setCommunityPriority(ctx context.Context, m *state.Manager, self, key string, priority int64) error {
	return m.Mutate(ctx, namespace.UserGroups, self, func(c mergeable.Config) error {
		v, err := configs.AsUserGroups(c)
		if err != nil {
			return err
		}
		for _, cm := range v.Communities() {
			if cm.Key() == key {
				cm.Priority = priority
				return v.SetCommunity(cm)
			}
		}
		return fmt.Errorf("conversation %q: %w", key, configs.ErrInvalidID)
	})
}

// SaveContact stores a contact edited locally. Syncable contacts go through
// the Contacts config and reach the records by projection; the others are
// written locally only and removed from the config if they were there.
func SaveContact(ctx context.Context, m *state.Manager, db *store.DB, c store.Contact, p store.Profile) error {
	self := m.UserID()
	if self == "" {
		return state.ErrUserDoesNotExist
	}
	if !Syncable(&c) {
		err := db.InTx(ctx, func(tx *store.Tx) error {
			if err := tx.UpsertContact(&c); err != nil {
				return err
			}
			return tx.UpsertProfile(&p)
		})
		if err != nil {
			return err
		}
		if namespace.Classify(c.ID) != namespace.KindUser {
			return nil
		}
		return ApplyLocalChange(ctx, m, self, EraseContact{ID: c.ID})
	}
	err := ApplyLocalChange(ctx, m, self, ContactChange{ID: c.ID, Update: func(ct *configs.Contact) {
		ct.Name = p.Name
		ct.Nickname = p.Nickname
		ct.PicURL = p.PicURL
		ct.PicKey = p.PicKey
		ct.Approved = c.IsApproved
		ct.ApprovedMe = c.IsApprovedMe
		ct.Blocked = c.IsBlocked
		if c.CreatedAt != 0 {
			ct.Created = c.CreatedAt
		}
	}})
	if err != nil {
		return fmt.Errorf("save contact %q: %w", c.ID, err)
	}
	return nil
}
