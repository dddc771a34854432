package state

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/matheus3301/sessync/internal/account"
	"github.com/matheus3301/sessync/internal/configs"
	"github.com/matheus3301/sessync/internal/cryptobox"
	"github.com/matheus3301/sessync/internal/mergeable"
	"github.com/matheus3301/sessync/internal/namespace"
	"github.com/matheus3301/sessync/internal/store"
)

// Bus event kinds published when the set of joined groups changes. The
// payload is the group id.
const (
	EventGroupAdded   = "state.group_added"
	EventGroupRemoved = "state.group_removed"
)

// Groups returns the ids of groups with live objects.
func (m *Manager) Groups() []string {
	var out []string
	for _, id := range m.objects.Identities() {
		if namespace.Classify(id) == namespace.KindGroup {
			out = append(out, id)
		}
	}
	return out
}

// joinedGroups reads the UserGroups entries. Callers hold the user lock.
func (m *Manager) joinedGroups(userID string) ([]configs.Group, error) {
	c, ok := m.objects.Get(namespace.UserGroups, userID)
	if !ok {
		return nil, nil
	}
	v, err := configs.AsUserGroups(c)
	if err != nil {
		return nil, err
	}
	return v.Groups(), nil
}

func openDumps(dumps []store.ConfigDump, keys *account.Keys) (map[Key][]byte, error) {
	out := make(map[Key][]byte, len(dumps))
	for _, d := range dumps {
		data := d.Data
		if cryptobox.IsSealedDump(data) {
			if keys.Age == nil {
				return nil, &mergeable.EngineError{Op: "load", Msg: "sealed dump without age identity", Err: mergeable.ErrInvalidDump}
			}
			var err error
			if data, err = cryptobox.OpenDump(keys.Age, data); err != nil {
				return nil, &mergeable.EngineError{Op: "load", Msg: err.Error(), Err: mergeable.ErrInvalidDump}
			}
		}
		out[Key{d.Namespace, d.Identity}] = data
	}
	return out, nil
}

// loadGroup builds the key ring first, then the info and members objects
// keyed by it.
func (m *Manager) loadGroup(g configs.Group, dumps map[Key][]byte) error {
	keys, err := m.Keys()
	if err != nil {
		return err
	}
	pub, err := configs.GroupPublicKey(g.ID)
	if err != nil {
		return err
	}
	unlock := m.lock(g.ID)
	defer unlock()

	ring, err := configs.NewKeys(configs.KeysOptions{
		GroupID:   g.ID,
		SecretKey: g.SecretKey,
		MemberID:  keys.ID,
		Member:    keys.X25519,
		Now:       m.now,
	}, dumps[Key{namespace.GroupKeys, g.ID}])
	if err != nil {
		return fmt.Errorf("load group %s keys: %w", g.ID, err)
	}
	loaded := map[namespace.Namespace]mergeable.Config{namespace.GroupKeys: ring}
	for _, ns := range []namespace.Namespace{namespace.GroupInfo, namespace.GroupMembers} {
		obj, err := mergeable.New(mergeable.Options{
			Namespace: ns,
			Keys:      ring.GroupKeys(),
			Verify:    pub,
			Sign:      g.SecretKey,
		}, dumps[Key{ns, g.ID}])
		if err != nil {
			return fmt.Errorf("load group %s %s: %w", g.ID, ns, err)
		}
		loaded[ns] = obj
	}
	for ns, c := range loaded {
		m.objects.Set(ns, g.ID, c)
	}
	return nil
}

// reconcileGroups creates objects for newly joined groups, updates admin
// rights, and drops groups no longer listed in UserGroups.
func (m *Manager) reconcileGroups(ctx context.Context) {
	keys, err := m.Keys()
	if err != nil {
		return
	}
	unlock := m.lock(keys.ID)
	groups, err := m.joinedGroups(keys.ID)
	unlock()
	if err != nil {
		m.logger.Error("failed to read joined groups", zap.Error(err))
		return
	}

	want := make(map[string]bool, len(groups))
	for _, g := range groups {
		want[g.ID] = true
	}
	for _, id := range m.Groups() {
		if !want[id] {
			if err := m.RemoveGroup(ctx, id); err != nil {
				m.logger.Error("failed to remove group", zap.Error(err), zap.String("identity", id))
			}
		}
	}

	for _, g := range groups {
		if _, ok := m.objects.Get(namespace.GroupKeys, g.ID); ok {
			m.updateSigner(g)
			continue
		}
		stored, err := m.db.DumpsFor(ctx, g.ID)
		if err == nil {
			var dumps map[Key][]byte
			if dumps, err = openDumps(stored, keys); err == nil {
				err = m.loadGroup(g, dumps)
			}
		}
		if err != nil {
			m.logger.Error("failed to load group", zap.Error(err), zap.String("identity", g.ID))
			continue
		}
		m.logger.Info("group joined", zap.String("identity", g.ID), zap.Bool("admin", g.Admin()))
		m.bus.Emit(EventGroupAdded, g.ID)
	}
}

// updateSigner grants or revokes admin rights when the UserGroups entry
// gains or loses the group secret key.
func (m *Manager) updateSigner(g configs.Group) {
	unlock := m.lock(g.ID)
	defer unlock()
	objs := m.objectsOf(g.ID)
	ring, err := objs.Keys()
	if err != nil || ring.Admin() == g.Admin() {
		return
	}
	if err := ring.SetSecretKey(g.SecretKey); err != nil {
		m.logger.Warn("ignoring group secret key", zap.Error(err), zap.String("identity", g.ID))
		return
	}
	for _, ns := range []namespace.Namespace{namespace.GroupInfo, namespace.GroupMembers} {
		if obj, err := objs.Object(ns); err == nil {
			obj.SetSigner(g.SecretKey)
		}
	}
	m.logger.Info("group admin rights changed", zap.String("identity", g.ID), zap.Bool("admin", g.Admin()))
}

// RemoveGroup destroys a group's objects, dumps, records and checkpoints.
func (m *Manager) RemoveGroup(ctx context.Context, id string) error {
	unlock := m.lock(id)
	defer unlock()
	m.objects.Remove(id)
	err := m.db.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.DeleteDumps(id); err != nil {
			return err
		}
		return tx.DeleteGroup(id)
	})
	if err != nil {
		return fmt.Errorf("remove group %s: %w", id, err)
	}
	if err := m.db.DeleteSyncStatePrefix(ctx, store.LastHashPrefix(id)); err != nil {
		return fmt.Errorf("remove group %s checkpoints: %w", id, err)
	}
	m.logger.Info("group removed", zap.String("identity", id))
	m.bus.Emit(EventGroupRemoved, id)
	return nil
}
