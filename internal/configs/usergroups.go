package configs

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/matheus3301/sessync/internal/mergeable"
	"github.com/matheus3301/sessync/internal/namespace"
)

const (
	groupsPrefix      = "g"
	communitiesPrefix = "o"
)

// Group is the user's entry for a joined group.
type Group struct {
	ID        string
	Name      string
	SecretKey ed25519.PrivateKey // set for admins only
	AuthData  []byte
	Priority  int64
	JoinedAt  int64
	Invited   bool
	Kicked    bool
	MuteUntil int64
}

// Admin reports whether the entry carries the group secret key.
func (g Group) Admin() bool { return len(g.SecretKey) == ed25519.PrivateKeySize }

// Community is a joined open community.
type Community struct {
	BaseURL  string
	Room     string
	PubKey   []byte
	Priority int64
}

// Key identifies a community independent of URL and room casing.
func (c Community) Key() string {
	return strings.ToLower(strings.TrimRight(c.BaseURL, "/")) + "#" + strings.ToLower(c.Room)
}

// UserGroupsView reads and writes the UserGroups object.
type UserGroupsView struct {
	o *mergeable.Object
}

// AsUserGroups returns the typed view over c.
func AsUserGroups(c mergeable.Config) (*UserGroupsView, error) {
	o, err := object(c, namespace.UserGroups)
	if err != nil {
		return nil, err
	}
	return &UserGroupsView{o: o}, nil
}

// Group returns the entry for id.
func (v *UserGroupsView) Group(id string) (Group, bool) {
	r := newRecord(v.o, groupsPrefix, id)
	if namespace.Classify(id) != namespace.KindGroup || !r.present() {
		return Group{}, false
	}
	g := Group{
		ID:        id,
		Name:      r.str("n"),
		AuthData:  r.bytes("s"),
		Priority:  r.priority("+"),
		JoinedAt:  r.int("j"),
		Invited:   r.bool("i"),
		Kicked:    r.bool("k"),
		MuteUntil: r.int("@"),
	}
	// A secret key that does not match the group id is ignored.
	if sk := r.bytes("K"); len(sk) == ed25519.PrivateKeySize && MatchesGroup(id, ed25519.PrivateKey(sk)) {
		g.SecretKey = ed25519.PrivateKey(sk)
	}
	return g, true
}

// Groups returns every joined group sorted by id.
func (v *UserGroupsView) Groups() []Group {
	var out []Group
	for _, id := range ids(v.o, groupsPrefix) {
		if g, ok := v.Group(id); ok {
			out = append(out, g)
		}
	}
	return out
}

// SetGroup stores g.
func (v *UserGroupsView) SetGroup(g Group) error {
	if namespace.Classify(g.ID) != namespace.KindGroup {
		return fmt.Errorf("group %q: %w", g.ID, ErrInvalidID)
	}
	if err := validPriority(g.Priority); err != nil {
		return err
	}
	if g.SecretKey != nil && !MatchesGroup(g.ID, g.SecretKey) {
		return fmt.Errorf("group %q: secret key does not match: %w", g.ID, mergeable.ErrBadValue)
	}
	r := newRecord(v.o, groupsPrefix, g.ID)
	return firstErr(
		r.touch(),
		r.setStr("n", g.Name),
		r.setBytes("K", g.SecretKey),
		r.setBytes("s", g.AuthData),
		r.setInt("+", g.Priority),
		r.setInt("j", g.JoinedAt),
		r.setBool("i", g.Invited),
		r.setBool("k", g.Kicked),
		r.setInt("@", g.MuteUntil),
	)
}

// EraseGroup removes the group entry.
func (v *UserGroupsView) EraseGroup(id string) error {
	return newRecord(v.o, groupsPrefix, id).erase()
}

// Communities returns every joined community.
func (v *UserGroupsView) Communities() []Community {
	var out []Community
	for _, key := range ids(v.o, communitiesPrefix) {
		r := newRecord(v.o, communitiesPrefix, key)
		c := Community{BaseURL: r.str("u"), Room: r.str("r"), PubKey: r.bytes("p"), Priority: r.priority("+")}
		if c.BaseURL == "" || c.Room == "" || c.Key() != key {
			continue
		}
		out = append(out, c)
	}
	return out
}

// SetCommunity stores c.
func (v *UserGroupsView) SetCommunity(c Community) error {
	if c.BaseURL == "" || c.Room == "" {
		return fmt.Errorf("community: %w", ErrInvalidID)
	}
	if err := validPriority(c.Priority); err != nil {
		return err
	}
	r := newRecord(v.o, communitiesPrefix, c.Key())
	return firstErr(
		r.touch(),
		r.setStr("u", c.BaseURL),
		r.setStr("r", c.Room),
		r.setBytes("p", c.PubKey),
		r.setInt("+", c.Priority),
	)
}

// EraseCommunity removes a community.
func (v *UserGroupsView) EraseCommunity(c Community) error {
	return newRecord(v.o, communitiesPrefix, c.Key()).erase()
}

// GroupPublicKey decodes the ed25519 public key embedded in a group id.
func GroupPublicKey(id string) (ed25519.PublicKey, error) {
	if namespace.Classify(id) != namespace.KindGroup {
		return nil, fmt.Errorf("group %q: %w", id, ErrInvalidID)
	}
	pub, err := hex.DecodeString(id[len(namespace.GroupPrefix):])
	if err != nil {
		return nil, fmt.Errorf("group %q: %w", id, ErrInvalidID)
	}
	return ed25519.PublicKey(pub), nil
}

// GroupID returns the id of the group owning pub.
func GroupID(pub ed25519.PublicKey) string {
	return namespace.GroupPrefix + hex.EncodeToString(pub)
}

// MatchesGroup reports whether sk is the secret key of group id.
func MatchesGroup(id string, sk ed25519.PrivateKey) bool {
	if len(sk) != ed25519.PrivateKeySize {
		return false
	}
	pub, ok := sk.Public().(ed25519.PublicKey)
	return ok && GroupID(pub) == id
}
