package configs

import (
	"fmt"

	"github.com/matheus3301/sessync/internal/mergeable"
	"github.com/matheus3301/sessync/internal/namespace"
)

// Disappearing message modes.
const (
	ExpiryNone      int64 = 0
	ExpiryAfterSend int64 = 1
	ExpiryAfterRead int64 = 2
)

const contactsPrefix = "c"

// Contact is one synced contact.
type Contact struct {
	ID            string
	Name          string
	Nickname      string
	PicURL        string
	PicKey        []byte
	Approved      bool
	ApprovedMe    bool
	Blocked       bool
	Priority      int64
	Created       int64
	ExpiryMode    int64
	ExpirySeconds int64
}

// ContactsView reads and writes the Contacts object.
type ContactsView struct {
	o *mergeable.Object
}

// AsContacts returns the typed view over c.
func AsContacts(c mergeable.Config) (*ContactsView, error) {
	o, err := object(c, namespace.Contacts)
	if err != nil {
		return nil, err
	}
	return &ContactsView{o: o}, nil
}

// Get returns the contact with id, if present.
func (v *ContactsView) Get(id string) (Contact, bool) {
	r := newRecord(v.o, contactsPrefix, id)
	if namespace.Classify(id) != namespace.KindUser || !r.present() {
		return Contact{}, false
	}
	mode := r.int("e")
	if mode < 0 || mode > ExpiryAfterRead {
		mode = ExpiryNone
	}
	return Contact{
		ID:            id,
		Name:          r.str("n"),
		Nickname:      r.str("N"),
		PicURL:        r.str("p"),
		PicKey:        r.bytes("q"),
		Approved:      r.bool("a"),
		ApprovedMe:    r.bool("A"),
		Blocked:       r.bool("b"),
		Priority:      r.priority("+"),
		Created:       r.int("j"),
		ExpiryMode:    mode,
		ExpirySeconds: r.int("E"),
	}, true
}

// All returns every valid contact sorted by id.
func (v *ContactsView) All() []Contact {
	var out []Contact
	for _, id := range ids(v.o, contactsPrefix) {
		if c, ok := v.Get(id); ok {
			out = append(out, c)
		}
	}
	return out
}

// Set stores c, creating it if needed.
func (v *ContactsView) Set(c Contact) error {
	if namespace.Classify(c.ID) != namespace.KindUser {
		return fmt.Errorf("contact %q: %w", c.ID, ErrInvalidID)
	}
	if err := validPriority(c.Priority); err != nil {
		return err
	}
	if c.ExpiryMode < 0 || c.ExpiryMode > ExpiryAfterRead {
		return fmt.Errorf("expiry mode %d: %w", c.ExpiryMode, mergeable.ErrBadValue)
	}
	r := newRecord(v.o, contactsPrefix, c.ID)
	return firstErr(
		r.touch(),
		r.setStr("n", c.Name),
		r.setStr("N", c.Nickname),
		r.setStr("p", c.PicURL),
		r.setBytes("q", c.PicKey),
		r.setBool("a", c.Approved),
		r.setBool("A", c.ApprovedMe),
		r.setBool("b", c.Blocked),
		r.setInt("+", c.Priority),
		r.setInt("j", c.Created),
		r.setInt("e", c.ExpiryMode),
		r.setInt("E", c.ExpirySeconds),
	)
}

// Erase removes the contact.
func (v *ContactsView) Erase(id string) error {
	return newRecord(v.o, contactsPrefix, id).erase()
}
