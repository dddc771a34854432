package handlers

import (
	"time"

	"github.com/matheus3301/sessync/internal/configs"
	"github.com/matheus3301/sessync/internal/mergeable"
	"github.com/matheus3301/sessync/internal/store"
)

type profileHandler struct{}

// HandleIncomingUpdate writes the user's profile and note-to-self thread.
func (profileHandler) HandleIncomingUpdate(tx *store.Tx, identity string, c mergeable.Config, _ time.Time) error {
	v, err := configs.AsProfile(c)
	if err != nil {
		return err
	}
	p := v.Get()
	if err := tx.UpsertProfile(&store.Profile{
		ID:     identity,
		Name:   p.Name,
		PicURL: p.PicURL,
		PicKey: p.PicKey,
	}); err != nil {
		return err
	}
	return tx.UpsertThread(&store.Thread{
		ID:              identity,
		Variant:         store.VariantNoteToSelf,
		Priority:        p.NoteToSelf,
		ShouldBeVisible: configs.ShouldBeVisible(p.NoteToSelf),
		ExpiryMode:      expiryMode(p.NoteToSelfExpiry),
		ExpirySeconds:   p.NoteToSelfExpiry,
	})
}
