// Package groupkeys manages group key rotation: rekeys on membership
// changes, key supplements for new members, collision resolution and the
// propagation of member removals.
package groupkeys

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/sessync/internal/bus"
	"github.com/matheus3301/sessync/internal/codec"
	"github.com/matheus3301/sessync/internal/configs"
	"github.com/matheus3301/sessync/internal/mergeable"
	"github.com/matheus3301/sessync/internal/namespace"
	"github.com/matheus3301/sessync/internal/state"
	"github.com/matheus3301/sessync/internal/store"
	"github.com/matheus3301/sessync/internal/swarm"
)

// ErrFailedToRekeyGroup wraps any failure of a rekey. The group's keys are
// left as they were.
var ErrFailedToRekeyGroup = errors.New("failed to rekey group")

// Status is the key state of a group.
type Status string

const (
	Stable            Status = "stable"
	NeedsRekey        Status = "needs_rekey"
	RekeyedPendingAck Status = "rekeyed_pending_ack"
)

const (
	supplementKind = "group_keys_supplement"
	// OutboxKind tags outbox entries carrying key supplements.
	OutboxKind = "key_supplement"
)

// EventMemberPurged is published when a member removed with their messages
// is erased. The payload is a Removal.
const EventMemberPurged = "groupkeys.member_purged"

// Removal identifies an erased member.
type Removal struct {
	Group  string
	Member string
}

// envelope carries a key supplement through a member's Direct namespace.
type envelope struct {
	Kind  string `cbor:"k"`
	Group string `cbor:"g"`
	Data  []byte `cbor:"d"`
}

// Manager runs key operations through the state manager so each happens
// inside the group's update boundary.
type Manager struct {
	state  *state.Manager
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates a key manager. b may be nil.
func NewManager(m *state.Manager, db *store.DB, b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{state: m, db: db, bus: b, logger: logger.Named("groupkeys"), now: time.Now}
}

// Status reports the key state of groupID.
func (m *Manager) Status(groupID string) (Status, error) {
	st := Stable
	err := m.state.Read(groupID, func(objs state.Objects) error {
		ring, err := objs.Keys()
		if err != nil {
			return err
		}
		switch {
		case ring.NeedsRekey():
			st = NeedsRekey
		case ring.NeedsPush():
			st = RekeyedPendingAck
		}
		return nil
	})
	return st, err
}

// CreateGroup makes the local account admin of a new group with the given
// name and members and issues its first key.
func (m *Manager) CreateGroup(ctx context.Context, name string, members []string) (string, error) {
	keys, err := m.state.Keys()
	if err != nil {
		return "", err
	}
	for _, id := range members {
		if namespace.Classify(id) != namespace.KindUser {
			return "", fmt.Errorf("member %q: %w", id, configs.ErrInvalidID)
		}
	}
	pub, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate group key: %w", err)
	}
	id := configs.GroupID(pub)
	now := m.now()

	err = m.state.Mutate(ctx, namespace.UserGroups, keys.ID, func(c mergeable.Config) error {
		v, err := configs.AsUserGroups(c)
		if err != nil {
			return err
		}
		return v.SetGroup(configs.Group{ID: id, Name: name, SecretKey: sk, JoinedAt: now.UnixMilli()})
	})
	if err != nil {
		return "", fmt.Errorf("create group: %w", err)
	}

	err = m.state.Update(ctx, id, func(objs state.Objects) error {
		return withRollback(objs, func() error {
			info, err := infoView(objs)
			if err != nil {
				return err
			}
			if err := info.Set(configs.GroupInfo{Name: name, Created: now.Unix()}); err != nil {
				return err
			}
			mv, err := membersView(objs)
			if err != nil {
				return err
			}
			if err := mv.Set(configs.Member{ID: keys.ID, Role: configs.RoleAdmin}); err != nil {
				return err
			}
			for _, mid := range members {
				if mid == keys.ID {
					continue
				}
				if err := mv.Set(configs.Member{ID: mid, RoleStatus: configs.StatusPending}); err != nil {
					return err
				}
			}
			return rekey(objs)
		})
	})
	if err != nil {
		return "", fmt.Errorf("create group %s: %w", id, err)
	}
	m.logger.Info("group created", zap.String("identity", id), zap.Int("members", len(members)+1))
	return id, nil
}

// AddMembers adds members to an administered group. With supplement set the
// new members receive the current keys through their Direct namespace and
// no rekey happens; otherwise the group is rekeyed in the same update.
func (m *Manager) AddMembers(ctx context.Context, groupID string, ids []string, supplement bool) error {
	var payload []byte
	err := m.state.Update(ctx, groupID, func(objs state.Objects) error {
		return withRollback(objs, func() error {
			mv, err := membersView(objs)
			if err != nil {
				return err
			}
			for _, id := range ids {
				mem, ok := mv.Get(id)
				if !ok {
					mem = configs.Member{ID: id}
				}
				mem.Removed = configs.NotRemoved
				mem.RoleStatus = configs.StatusPending
				mem.Supplement = supplement
				if err := mv.Set(mem); err != nil {
					return err
				}
			}
			if !supplement {
				return rekey(objs)
			}
			ring, err := objs.Keys()
			if err != nil {
				return err
			}
			payload, err = ring.KeySupplement(ids)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("add members to %s: %w", groupID, err)
	}
	if payload != nil {
		return m.sendSupplement(ctx, groupID, ids, payload)
	}
	return nil
}

// RemoveMembers marks members removed and rekeys without them. With purge
// set their messages are to be deleted once the removal propagates.
func (m *Manager) RemoveMembers(ctx context.Context, groupID string, ids []string, purge bool) error {
	err := m.state.Update(ctx, groupID, func(objs state.Objects) error {
		return withRollback(objs, func() error {
			mv, err := membersView(objs)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if err := mv.MarkRemoved(id, purge); err != nil {
					return err
				}
			}
			return rekey(objs)
		})
	})
	if err != nil {
		return fmt.Errorf("remove members from %s: %w", groupID, err)
	}
	return nil
}

// Rekey issues a new key generation for the active members.
func (m *Manager) Rekey(ctx context.Context, groupID string) error {
	return m.state.Update(ctx, groupID, func(objs state.Objects) error {
		return withRollback(objs, func() error { return rekey(objs) })
	})
}

// KeySupplement sends every current key of groupID to members without
// rekeying or marking the key ring for push.
func (m *Manager) KeySupplement(ctx context.Context, groupID string, members []string) error {
	var payload []byte
	err := m.state.Read(groupID, func(objs state.Objects) error {
		ring, err := objs.Keys()
		if err != nil {
			return err
		}
		payload, err = ring.KeySupplement(members)
		return err
	})
	if err != nil {
		return fmt.Errorf("key supplement for %s: %w", groupID, err)
	}
	return m.sendSupplement(ctx, groupID, members, payload)
}

// ResolveCollisions performs the single follow-up rekey after concurrent
// rekeys by two admins. It reports whether it rekeyed.
func (m *Manager) ResolveCollisions(ctx context.Context, groupID string) (bool, error) {
	var rekeyed bool
	err := m.state.Update(ctx, groupID, func(objs state.Objects) error {
		ring, err := objs.Keys()
		if err != nil {
			return err
		}
		if !ring.Admin() || !ring.NeedsRekey() {
			return nil
		}
		if err := withRollback(objs, func() error { return rekey(objs) }); err != nil {
			return err
		}
		rekeyed = true
		return nil
	})
	if rekeyed {
		m.logger.Info("resolved key collision", zap.String("identity", groupID))
	}
	return rekeyed, err
}

// ProcessPendingRemovals erases members marked removed once the rekey that
// excluded them and the removal marks have been pushed. Only admins erase;
// other members wait for the admin's update.
func (m *Manager) ProcessPendingRemovals(ctx context.Context, groupID string) ([]Removal, error) {
	var purged []Removal
	var erased int
	err := m.state.Update(ctx, groupID, func(objs state.Objects) error {
		ring, err := objs.Keys()
		if err != nil {
			return err
		}
		obj, err := objs.Object(namespace.GroupMembers)
		if err != nil {
			return err
		}
		if !ring.Admin() || ring.NeedsPush() || obj.State() != mergeable.Clean {
			return nil
		}
		mv, err := configs.AsGroupMembers(obj)
		if err != nil {
			return err
		}
		for _, mem := range mv.PendingRemovals() {
			if err := mv.Erase(mem.ID); err != nil {
				return err
			}
			erased++
			if mem.Removed == configs.RemovedPurge {
				purged = append(purged, Removal{Group: groupID, Member: mem.ID})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if erased > 0 {
		m.logger.Info("member removals propagated", zap.String("identity", groupID), zap.Int("erased", erased))
	}
	for _, r := range purged {
		m.bus.Emit(EventMemberPurged, r)
	}
	return purged, nil
}

// AfterMerge runs after a group's messages were merged.
func (m *Manager) AfterMerge(ctx context.Context, groupID string) error {
	if _, err := m.ResolveCollisions(ctx, groupID); err != nil {
		return err
	}
	_, err := m.ProcessPendingRemovals(ctx, groupID)
	return err
}

// ReceiveSupplements merges key supplements fetched from the user's Direct
// namespace into the matching groups. Other Direct messages and
// supplements for unknown groups are ignored.
func (m *Manager) ReceiveSupplements(ctx context.Context, msgs []swarm.Message) error {
	var errs []error
	for _, msg := range msgs {
		var env envelope
		if err := codec.Unmarshal(msg.Data, &env); err != nil || env.Kind != supplementKind {
			continue
		}
		if _, ok := m.state.Store().Get(namespace.GroupKeys, env.Group); !ok {
			m.logger.Debug("supplement for unknown group", zap.String("identity", env.Group), zap.String("hash", msg.Hash))
			continue
		}
		err := m.state.Update(ctx, env.Group, func(objs state.Objects) error {
			ring, err := objs.Keys()
			if err != nil {
				return err
			}
			_, err = ring.Merge([]mergeable.Message{{
				Namespace: namespace.GroupKeys,
				Hash:      msg.Hash,
				Timestamp: time.UnixMilli(msg.Timestamp),
				Data:      env.Data,
			}})
			return err
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("supplement for %s: %w", env.Group, err))
		}
	}
	return errors.Join(errs...)
}

// sendSupplement queues payload for each member's Direct namespace.
func (m *Manager) sendSupplement(ctx context.Context, groupID string, members []string, payload []byte) error {
	data, err := codec.Marshal(envelope{Kind: supplementKind, Group: groupID, Data: payload})
	if err != nil {
		return err
	}
	for _, id := range members {
		err := m.db.QueueOutbox(ctx, &store.OutboxEntry{
			ClientID:    uuid.NewString(),
			Destination: id,
			Namespace:   namespace.Direct,
			Kind:        OutboxKind,
			Payload:     data,
		})
		if err != nil {
			return fmt.Errorf("queue supplement for %s: %w", id, err)
		}
	}
	m.logger.Info("key supplement queued", zap.String("identity", groupID), zap.Int("members", len(members)))
	return nil
}

// rekey issues a new generation for the active members and marks info and
// members dirty so they are re-encrypted under it. Callers wrap it in
// withRollback.
func rekey(objs state.Objects) error {
	ring, err := objs.Keys()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToRekeyGroup, err)
	}
	mv, err := membersView(objs)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToRekeyGroup, err)
	}
	var ids []string
	for _, mem := range mv.Active() {
		ids = append(ids, mem.ID)
	}
	if _, err := ring.Rekey(ids); err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToRekeyGroup, err)
	}
	objs.RefreshGroupKeys()
	for _, ns := range []namespace.Namespace{namespace.GroupInfo, namespace.GroupMembers} {
		obj, err := objs.Object(ns)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrFailedToRekeyGroup, err)
		}
		obj.MarkDirty()
	}
	return nil
}

// withRollback restores every group object if fn fails, so a failed
// operation leaves no partial generation bump or push marks.
func withRollback(objs state.Objects, fn func() error) error {
	var restores []func()
	for _, c := range objs.All() {
		restores = append(restores, c.Checkpoint())
	}
	if err := fn(); err != nil {
		for _, restore := range restores {
			restore()
		}
		return err
	}
	return nil
}

func infoView(objs state.Objects) (*configs.GroupInfoView, error) {
	c, err := objs.Get(namespace.GroupInfo)
	if err != nil {
		return nil, err
	}
	return configs.AsGroupInfo(c)
}

func membersView(objs state.Objects) (*configs.GroupMembersView, error) {
	c, err := objs.Get(namespace.GroupMembers)
	if err != nil {
		return nil, err
	}
	return configs.AsGroupMembers(c)
}
