package configs

import (
	"fmt"
	"time"

	"github.com/matheus3301/sessync/internal/mergeable"
	"github.com/matheus3301/sessync/internal/namespace"
)

// ConvoPruneAge is how long volatile conversation info is kept without
// activity.
const ConvoPruneAge = 30 * 24 * time.Hour

// Conversation kinds.
const (
	ConvoOneToOne  = "1"
	ConvoGroup     = "g"
	ConvoCommunity = "o"
)

// Convo is volatile per-conversation state.
type Convo struct {
	Kind         string
	ID           string // account id, group id or community key
	LastRead     int64  // unix millis
	MarkedUnread bool
}

// ConvoView reads and writes the ConvoInfoVolatile object.
type ConvoView struct {
	o *mergeable.Object
}

// AsConvo returns the typed view over c.
func AsConvo(c mergeable.Config) (*ConvoView, error) {
	o, err := object(c, namespace.ConvoInfoVolatile)
	if err != nil {
		return nil, err
	}
	return &ConvoView{o: o}, nil
}

func validConvo(kind, id string) bool {
	switch kind {
	case ConvoOneToOne:
		return namespace.Classify(id) == namespace.KindUser
	case ConvoGroup:
		return namespace.Classify(id) == namespace.KindGroup
	case ConvoCommunity:
		return id != ""
	}
	return false
}

// Get returns a conversation's volatile info.
func (v *ConvoView) Get(kind, id string) (Convo, bool) {
	r := newRecord(v.o, kind, id)
	if !validConvo(kind, id) || !r.present() {
		return Convo{}, false
	}
	return Convo{Kind: kind, ID: id, LastRead: r.int("r"), MarkedUnread: r.bool("u")}, true
}

// All returns every conversation grouped by kind.
func (v *ConvoView) All() []Convo {
	var out []Convo
	for _, kind := range []string{ConvoOneToOne, ConvoGroup, ConvoCommunity} {
		for _, id := range ids(v.o, kind) {
			if c, ok := v.Get(kind, id); ok {
				out = append(out, c)
			}
		}
	}
	return out
}

// Set stores c. LastRead never moves backwards.
func (v *ConvoView) Set(c Convo) error {
	if !validConvo(c.Kind, c.ID) {
		return fmt.Errorf("convo %s/%q: %w", c.Kind, c.ID, ErrInvalidID)
	}
	r := newRecord(v.o, c.Kind, c.ID)
	lastRead := max(c.LastRead, r.int("r"))
	return firstErr(
		r.touch(),
		r.setInt("r", lastRead),
		r.setBool("u", c.MarkedUnread),
	)
}

// Erase removes a conversation's volatile info.
func (v *ConvoView) Erase(kind, id string) error {
	return newRecord(v.o, kind, id).erase()
}

// Prune erases conversations last read before now minus ConvoPruneAge.
// Conversations marked unread are kept.
func (v *ConvoView) Prune(now time.Time) error {
	cutoff := now.Add(-ConvoPruneAge).UnixMilli()
	for _, c := range v.All() {
		if !c.MarkedUnread && c.LastRead > 0 && c.LastRead < cutoff {
			if err := v.Erase(c.Kind, c.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
