package store

import "github.com/matheus3301/sessync/internal/namespace"

// ConfigDump is the persisted snapshot of one config object.
type ConfigDump struct {
	Namespace namespace.Namespace
	Identity  string
	Data      []byte
	Timestamp int64 // unix millis
}

// Profile is display data for an account, ours or a contact's.
type Profile struct {
	ID       string
	Name     string
	Nickname string
	PicURL   string
	PicKey   []byte
}

// Contact is the relationship state with another account.
type Contact struct {
	ID              string
	IsApproved      bool
	IsApprovedMe    bool
	IsBlocked       bool
	OutgoingRequest bool // we messaged them first and they have not replied
	CreatedAt       int64
}

// Thread variants.
const (
	VariantContact    = "contact"
	VariantNoteToSelf = "note_to_self"
	VariantGroup      = "group"
	VariantCommunity  = "community"
)

// Thread is a conversation as the UI lists it.
type Thread struct {
	ID              string
	Variant         string
	Priority        int64
	ShouldBeVisible bool
	LastRead        int64
	MarkedUnread    bool
	MutedUntil      int64
	ExpiryMode      int64
	ExpirySeconds   int64
}

// ClosedGroup is a joined group.
type ClosedGroup struct {
	ID                      string
	Name                    string
	Description             string
	PicURL                  string
	PicKey                  []byte
	ExpirySeconds           int64
	CreatedAt               int64
	JoinedAt                int64
	Invited                 bool
	Kicked                  bool
	Destroyed               bool
	SecretKey               []byte
	AuthData                []byte
	DeleteBefore            int64
	DeleteAttachmentsBefore int64
}

// GroupMember is one member's role and invitation state in a group.
type GroupMember struct {
	GroupID    string
	ProfileID  string
	Role       int // 0 standard, 1 admin
	RoleStatus int // 0 accepted, 1 pending, 2 failed, 3 not sent yet
	IsHidden   bool
}

// Community is a joined open community.
type Community struct {
	Key     string
	BaseURL string
	Room    string
	PubKey  []byte
}

// OutboxEntry is a queued direct send.
type OutboxEntry struct {
	ID           int64
	ClientID     string
	Destination  string
	Namespace    namespace.Namespace
	Kind         string
	Payload      []byte
	Status       string // queued, sending, sent, failed
	Attempts     int
	ErrorMessage string
	ServerHash   string
}
