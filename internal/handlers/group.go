package handlers

import (
	"time"

	"github.com/matheus3301/sessync/internal/configs"
	"github.com/matheus3301/sessync/internal/mergeable"
	"github.com/matheus3301/sessync/internal/store"
)

type groupInfoHandler struct{}

// HandleIncomingUpdate writes the group's shared description.
func (groupInfoHandler) HandleIncomingUpdate(tx *store.Tx, identity string, c mergeable.Config, _ time.Time) error {
	v, err := configs.AsGroupInfo(c)
	if err != nil {
		return err
	}
	info := v.Get()
	return tx.SetGroupInfo(&store.ClosedGroup{
		ID:                      identity,
		Name:                    info.Name,
		Description:             info.Description,
		PicURL:                  info.PicURL,
		PicKey:                  info.PicKey,
		ExpirySeconds:           info.ExpirySeconds,
		CreatedAt:               info.Created,
		Destroyed:               info.Destroyed,
		DeleteBefore:            info.DeleteBefore,
		DeleteAttachmentsBefore: info.DeleteAttachmentsBefore,
	})
}

type groupMembersHandler struct{}

// HandleIncomingUpdate writes member rows. Members pending removal are
// kept hidden until the removal has propagated and they leave the config.
func (groupMembersHandler) HandleIncomingUpdate(tx *store.Tx, identity string, c mergeable.Config, _ time.Time) error {
	v, err := configs.AsGroupMembers(c)
	if err != nil {
		return err
	}
	listed := make(map[string]bool)
	for _, m := range v.All() {
		listed[m.ID] = true
		if err := tx.UpsertGroupMember(&store.GroupMember{
			GroupID:    identity,
			ProfileID:  m.ID,
			Role:       int(m.Role),
			RoleStatus: int(m.RoleStatus),
			IsHidden:   m.Hidden(),
		}); err != nil {
			return err
		}
		if m.Name == "" {
			continue
		}
		// Contacts own their profile; members only fill unknown ones.
		p, err := tx.GetProfile(m.ID)
		if err != nil {
			return err
		}
		if p == nil {
			if err := tx.UpsertProfile(&store.Profile{ID: m.ID, Name: m.Name, PicURL: m.PicURL, PicKey: m.PicKey}); err != nil {
				return err
			}
		}
	}

	rows, err := tx.GroupMembers(identity)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if !listed[r.ProfileID] {
			if err := tx.DeleteGroupMember(identity, r.ProfileID); err != nil {
				return err
			}
		}
	}
	return nil
}
