package configs

import (
	"github.com/matheus3301/sessync/internal/mergeable"
	"github.com/matheus3301/sessync/internal/namespace"
)

// Profile is the user's own profile and note-to-self settings.
type Profile struct {
	Name             string
	PicURL           string
	PicKey           []byte
	NoteToSelf       int64 // note-to-self conversation priority
	NoteToSelfExpiry int64 // disappearing timer in seconds
	BlindedMsgReqs   bool
}

// ProfileView reads and writes the UserProfile object.
type ProfileView struct {
	o *mergeable.Object
}

// AsProfile returns the typed view over c.
func AsProfile(c mergeable.Config) (*ProfileView, error) {
	o, err := object(c, namespace.UserProfile)
	if err != nil {
		return nil, err
	}
	return &ProfileView{o: o}, nil
}

func (v *ProfileView) root() record {
	return record{o: v.o}
}

// Get returns the stored profile.
func (v *ProfileView) Get() Profile {
	r := v.root()
	return Profile{
		Name:             r.str("n"),
		PicURL:           r.str("p"),
		PicKey:           r.bytes("q"),
		NoteToSelf:       r.priority("+"),
		NoteToSelfExpiry: r.int("E"),
		BlindedMsgReqs:   r.bool("M"),
	}
}

// Set stores p. Unchanged fields leave the object clean.
func (v *ProfileView) Set(p Profile) error {
	if err := validPriority(p.NoteToSelf); err != nil {
		return err
	}
	r := v.root()
	return firstErr(
		r.setStr("n", p.Name),
		r.setStr("p", p.PicURL),
		r.setBytes("q", p.PicKey),
		r.setInt("+", p.NoteToSelf),
		r.setInt("E", p.NoteToSelfExpiry),
		r.setBool("M", p.BlindedMsgReqs),
	)
}
