package handlers

import (
	"time"

	"github.com/matheus3301/sessync/internal/configs"
	"github.com/matheus3301/sessync/internal/mergeable"
	"github.com/matheus3301/sessync/internal/store"
)

type userGroupsHandler struct{}

// HandleIncomingUpdate writes joined groups and communities with their
// threads and drops the ones the config no longer lists.
func (userGroupsHandler) HandleIncomingUpdate(tx *store.Tx, _ string, c mergeable.Config, _ time.Time) error {
	v, err := configs.AsUserGroups(c)
	if err != nil {
		return err
	}

	joined := make(map[string]bool)
	for _, g := range v.Groups() {
		joined[g.ID] = true
		if err := tx.UpsertJoinedGroup(&store.ClosedGroup{
			ID:        g.ID,
			Name:      g.Name,
			JoinedAt:  g.JoinedAt,
			Invited:   g.Invited,
			Kicked:    g.Kicked,
			SecretKey: g.SecretKey,
			AuthData:  g.AuthData,
		}); err != nil {
			return err
		}
		if err := tx.UpsertThread(&store.Thread{
			ID:              g.ID,
			Variant:         store.VariantGroup,
			Priority:        g.Priority,
			ShouldBeVisible: configs.ShouldBeVisible(g.Priority) && !g.Invited,
			MutedUntil:      g.MuteUntil,
		}); err != nil {
			return err
		}
	}
	groups, err := tx.Groups()
	if err != nil {
		return err
	}
	for _, g := range groups {
		if !joined[g.ID] {
			if err := tx.DeleteGroup(g.ID); err != nil {
				return err
			}
		}
	}

	rooms := make(map[string]bool)
	for _, cm := range v.Communities() {
		key := cm.Key()
		rooms[key] = true
		if err := tx.UpsertCommunity(&store.Community{
			Key:     key,
			BaseURL: cm.BaseURL,
			Room:    cm.Room,
			PubKey:  cm.PubKey,
		}); err != nil {
			return err
		}
		if err := tx.UpsertThread(&store.Thread{
			ID:              key,
			Variant:         store.VariantCommunity,
			Priority:        cm.Priority,
			ShouldBeVisible: configs.ShouldBeVisible(cm.Priority),
		}); err != nil {
			return err
		}
	}
	communities, err := tx.Communities()
	if err != nil {
		return err
	}
	for _, cm := range communities {
		if !rooms[cm.Key] {
			if err := tx.DeleteCommunity(cm.Key); err != nil {
				return err
			}
		}
	}
	return nil
}
