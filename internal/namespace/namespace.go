// Package namespace enumerates the config namespaces and the identity
// classes that own them.
package namespace

import (
	"fmt"
	"strings"
)

// Namespace identifies a category of config data and the relay namespace it
// is stored in.
type Namespace int16

const (
	Direct            Namespace = 0
	UserProfile       Namespace = 2
	Contacts          Namespace = 3
	ConvoInfoVolatile Namespace = 4
	UserGroups        Namespace = 5
	GroupKeys         Namespace = 12
	GroupInfo         Namespace = 13
	GroupMembers      Namespace = 14
)

// UserSendOrder is the order user namespaces are pushed in.
var UserSendOrder = []Namespace{UserProfile, Contacts, ConvoInfoVolatile, UserGroups}

// GroupSendOrder is the order group namespaces are pushed in. Keys go first
// so info and members encrypted under a new key are decryptable on arrival.
var GroupSendOrder = []Namespace{GroupKeys, GroupInfo, GroupMembers}

func (n Namespace) String() string {
	switch n {
	case Direct:
		return "direct"
	case UserProfile:
		return "user_profile"
	case Contacts:
		return "contacts"
	case ConvoInfoVolatile:
		return "convo_info_volatile"
	case UserGroups:
		return "user_groups"
	case GroupKeys:
		return "group_keys"
	case GroupInfo:
		return "group_info"
	case GroupMembers:
		return "group_members"
	}
	return fmt.Sprintf("namespace(%d)", int16(n))
}

// Domain is the key-derivation domain messages of this namespace are
// encrypted under. Direct has none.
func (n Namespace) Domain() string {
	switch n {
	case UserProfile:
		return "UserProfile"
	case Contacts:
		return "Contacts"
	case ConvoInfoVolatile:
		return "ConvoInfoVolatile"
	case UserGroups:
		return "UserGroups"
	case GroupKeys:
		return "groups::Keys"
	case GroupInfo:
		return "groups::Info"
	case GroupMembers:
		return "groups::Members"
	}
	return ""
}

// IsConfig reports whether n carries config messages.
func (n Namespace) IsConfig() bool {
	return n.Domain() != ""
}

// IsGroup reports whether n is owned by a group identity.
func (n Namespace) IsGroup() bool {
	return n == GroupKeys || n == GroupInfo || n == GroupMembers
}

// Parse resolves a namespace from its String form.
func Parse(s string) (Namespace, error) {
	for _, n := range append(append([]Namespace{Direct}, UserSendOrder...), GroupSendOrder...) {
		if n.String() == s {
			return n, nil
		}
	}
	return 0, fmt.Errorf("unknown namespace %q", s)
}

// Identity prefixes.
const (
	UserPrefix        = "05"
	GroupPrefix       = "03"
	BlindedPrefix     = "15"
	BlindedV2Prefix   = "25"
	IdentityHexLength = 66
)

// Kind classifies an identity string by its prefix.
type Kind int

const (
	KindInvalid Kind = iota
	KindUser
	KindGroup
	KindBlinded
)

// Classify returns the kind of id, or KindInvalid if it is not a
// well-formed 66-character hex identity.
func Classify(id string) Kind {
	if len(id) != IdentityHexLength || !isHex(id) {
		return KindInvalid
	}
	switch {
	case strings.HasPrefix(id, UserPrefix):
		return KindUser
	case strings.HasPrefix(id, GroupPrefix):
		return KindGroup
	case strings.HasPrefix(id, BlindedPrefix), strings.HasPrefix(id, BlindedV2Prefix):
		return KindBlinded
	}
	return KindInvalid
}

// Namespaces returns the config namespaces owned by an identity of kind k
// in send order.
func (k Kind) Namespaces() []Namespace {
	switch k {
	case KindUser:
		return UserSendOrder
	case KindGroup:
		return GroupSendOrder
	}
	return nil
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
