package configs

import (
	"fmt"

	"github.com/matheus3301/sessync/internal/mergeable"
	"github.com/matheus3301/sessync/internal/namespace"
)

const membersPrefix = "m"

// Role of a group member.
type Role int

const (
	RoleStandard Role = iota
	RoleAdmin
)

func (r Role) String() string {
	if r == RoleAdmin {
		return "admin"
	}
	return "standard"
}

// RoleStatus tracks delivery of an invitation or promotion.
type RoleStatus int

const (
	StatusAccepted RoleStatus = iota
	StatusPending
	StatusFailed
	StatusNotSentYet
)

func (s RoleStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	case StatusNotSentYet:
		return "not_sent_yet"
	}
	return "accepted"
}

// Removal is the tri-state removal marker of a member.
type Removal int

const (
	NotRemoved Removal = iota
	Removed
	RemovedPurge
)

// Member is one group member.
type Member struct {
	ID         string
	Name       string
	PicURL     string
	PicKey     []byte
	Role       Role
	RoleStatus RoleStatus
	Removed    Removal
	Supplement bool // invited with a key supplement rather than a rekey
}

// Hidden reports whether the member is pending removal.
func (m Member) Hidden() bool { return m.Removed != NotRemoved }

// GroupMembersView reads and writes a GroupMembers object.
type GroupMembersView struct {
	o *mergeable.Object
}

// AsGroupMembers returns the typed view over c.
func AsGroupMembers(c mergeable.Config) (*GroupMembersView, error) {
	o, err := object(c, namespace.GroupMembers)
	if err != nil {
		return nil, err
	}
	return &GroupMembersView{o: o}, nil
}

// Get returns member id.
func (v *GroupMembersView) Get(id string) (Member, bool) {
	r := newRecord(v.o, membersPrefix, id)
	if namespace.Classify(id) != namespace.KindUser || !r.present() {
		return Member{}, false
	}
	m := Member{
		ID:         id,
		Name:       r.str("n"),
		PicURL:     r.str("p"),
		PicKey:     r.bytes("q"),
		Role:       Role(r.int("A")),
		RoleStatus: RoleStatus(r.int("I")),
		Removed:    Removal(r.int("R")),
		Supplement: r.bool("s"),
	}
	if m.Role != RoleAdmin {
		m.Role = RoleStandard
	}
	if m.RoleStatus < StatusAccepted || m.RoleStatus > StatusNotSentYet {
		m.RoleStatus = StatusAccepted
	}
	if m.Removed < NotRemoved || m.Removed > RemovedPurge {
		m.Removed = Removed
	}
	return m, true
}

// All returns every member, including those pending removal, sorted by id.
func (v *GroupMembersView) All() []Member {
	var out []Member
	for _, id := range ids(v.o, membersPrefix) {
		if m, ok := v.Get(id); ok {
			out = append(out, m)
		}
	}
	return out
}

// Active returns members not pending removal.
func (v *GroupMembersView) Active() []Member {
	var out []Member
	for _, m := range v.All() {
		if !m.Hidden() {
			out = append(out, m)
		}
	}
	return out
}

// PendingRemovals returns members marked removed but not yet erased.
func (v *GroupMembersView) PendingRemovals() []Member {
	var out []Member
	for _, m := range v.All() {
		if m.Hidden() {
			out = append(out, m)
		}
	}
	return out
}

// Set stores m. Only admins may call it.
func (v *GroupMembersView) Set(m Member) error {
	if namespace.Classify(m.ID) != namespace.KindUser {
		return fmt.Errorf("member %q: %w", m.ID, ErrInvalidID)
	}
	r := newRecord(v.o, membersPrefix, m.ID)
	return wrapWrite(firstErr(
		r.touch(),
		r.setStr("n", m.Name),
		r.setStr("p", m.PicURL),
		r.setBytes("q", m.PicKey),
		r.setInt("A", int64(m.Role)),
		r.setInt("I", int64(m.RoleStatus)),
		r.setInt("R", int64(m.Removed)),
		r.setBool("s", m.Supplement),
	))
}

// MarkRemoved flags a member for removal, optionally purging their
// messages.
func (v *GroupMembersView) MarkRemoved(id string, purge bool) error {
	m, ok := v.Get(id)
	if !ok {
		return nil
	}
	m.Removed = Removed
	if purge {
		m.Removed = RemovedPurge
	}
	return v.Set(m)
}

// Erase drops the member entirely.
func (v *GroupMembersView) Erase(id string) error {
	return wrapWrite(newRecord(v.o, membersPrefix, id).erase())
}
