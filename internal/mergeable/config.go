package mergeable

import (
	"time"

	"github.com/matheus3301/sessync/internal/namespace"
)

// State is the push state of a config object.
type State uint8

const (
	// Clean objects have no changes beyond what was last confirmed pushed.
	Clean State = iota
	// Dirty objects have local changes not yet handed to Push.
	Dirty
	// Waiting objects were pushed and await confirmation.
	Waiting
)

func (s State) String() string {
	switch s {
	case Clean:
		return "clean"
	case Dirty:
		return "dirty"
	case Waiting:
		return "waiting"
	}
	return "unknown"
}

// Message is a raw config message fetched from the relay.
type Message struct {
	Namespace namespace.Namespace
	Hash      string
	Timestamp time.Time
	Data      []byte
}

// PushData is one namespace's outbound payload.
type PushData struct {
	Namespace namespace.Namespace
	Seqno     int64
	Data      []byte
	Obsolete  []string
}

// Config is the contract every config object fulfils, whether it is a
// keyed map or the group key ring.
type Config interface {
	Namespace() namespace.Namespace
	// Merge applies messages in order and returns the hashes accepted.
	// Seen and undecryptable messages are omitted, not errors.
	Merge(msgs []Message) ([]string, error)
	NeedsPush() bool
	// NeedsSend reports work that no Push has picked up yet.
	NeedsSend() bool
	Push() (*PushData, error)
	ConfirmPushed(seqno int64, hash string)
	NeedsDump() bool
	Dump() ([]byte, error)
	CurrentHashes() []string
	// Checkpoint captures the object's state; calling the returned function
	// restores it.
	Checkpoint() func()
}
