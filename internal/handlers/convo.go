package handlers

import (
	"time"

	"github.com/matheus3301/sessync/internal/configs"
	"github.com/matheus3301/sessync/internal/mergeable"
	"github.com/matheus3301/sessync/internal/store"
)

type convoHandler struct{}

// HandleIncomingUpdate copies read markers onto threads.
func (convoHandler) HandleIncomingUpdate(tx *store.Tx, identity string, c mergeable.Config, _ time.Time) error {
	v, err := configs.AsConvo(c)
	if err != nil {
		return err
	}
	for _, cv := range v.All() {
		if err := tx.SetThreadReadState(cv.ID, threadVariant(identity, cv), cv.LastRead, cv.MarkedUnread); err != nil {
			return err
		}
	}
	return nil
}

func threadVariant(self string, cv configs.Convo) string {
	switch cv.Kind {
	case configs.ConvoGroup:
		return store.VariantGroup
	case configs.ConvoCommunity:
		return store.VariantCommunity
	}
	if cv.ID == self {
		return store.VariantNoteToSelf
	}
	return store.VariantContact
}
