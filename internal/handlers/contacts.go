package handlers

import (
	"time"

	"github.com/matheus3301/sessync/internal/configs"
	"github.com/matheus3301/sessync/internal/mergeable"
	"github.com/matheus3301/sessync/internal/namespace"
	"github.com/matheus3301/sessync/internal/store"
)

// Syncable reports whether a local contact belongs in the Contacts config.
// Blinded and community-scoped ids never do; blocked contacts always do;
// unanswered outgoing message requests stay local.
func Syncable(c *store.Contact) bool {
	if namespace.Classify(c.ID) != namespace.KindUser {
		return false
	}
	if c.IsBlocked {
		return true
	}
	return !c.OutgoingRequest || c.IsApprovedMe
}

type contactsHandler struct{}

// HandleIncomingUpdate writes every synced contact with its profile and
// thread, and drops local syncable contacts the config no longer lists.
func (contactsHandler) HandleIncomingUpdate(tx *store.Tx, _ string, c mergeable.Config, _ time.Time) error {
	v, err := configs.AsContacts(c)
	if err != nil {
		return err
	}
	synced := make(map[string]bool)
	for _, ct := range v.All() {
		synced[ct.ID] = true
		if err := tx.UpsertProfile(&store.Profile{
			ID:       ct.ID,
			Name:     ct.Name,
			Nickname: ct.Nickname,
			PicURL:   ct.PicURL,
			PicKey:   ct.PicKey,
		}); err != nil {
			return err
		}
		local, err := tx.GetContact(ct.ID)
		if err != nil {
			return err
		}
		if err := tx.UpsertContact(&store.Contact{
			ID:              ct.ID,
			IsApproved:      ct.Approved,
			IsApprovedMe:    ct.ApprovedMe,
			IsBlocked:       ct.Blocked,
			OutgoingRequest: local != nil && local.OutgoingRequest && !ct.ApprovedMe,
			CreatedAt:       ct.Created,
		}); err != nil {
			return err
		}
		if err := tx.UpsertThread(&store.Thread{
			ID:              ct.ID,
			Variant:         store.VariantContact,
			Priority:        ct.Priority,
			ShouldBeVisible: configs.ShouldBeVisible(ct.Priority),
			ExpiryMode:      ct.ExpiryMode,
			ExpirySeconds:   ct.ExpirySeconds,
		}); err != nil {
			return err
		}
	}

	local, err := tx.Contacts()
	if err != nil {
		return err
	}
	for _, lc := range local {
		if synced[lc.ID] || !Syncable(&lc) {
			continue
		}
		if err := tx.DeleteContact(lc.ID); err != nil {
			return err
		}
		if err := tx.DeleteThread(lc.ID); err != nil {
			return err
		}
	}
	return nil
}
