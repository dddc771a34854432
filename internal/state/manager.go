package state

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/sessync/internal/account"
	"github.com/matheus3301/sessync/internal/bus"
	"github.com/matheus3301/sessync/internal/configs"
	"github.com/matheus3301/sessync/internal/cryptobox"
	"github.com/matheus3301/sessync/internal/mergeable"
	"github.com/matheus3301/sessync/internal/namespace"
	"github.com/matheus3301/sessync/internal/store"
)

var (
	// ErrUserDoesNotExist is returned before the account has keys.
	ErrUserDoesNotExist = errors.New("user does not exist")
	// ErrInvalidConfigObject is returned when an object is requested for a
	// namespace or identity the manager does not hold.
	ErrInvalidConfigObject = configs.ErrInvalidConfigObject
	// ErrAlreadyRegistered is returned by a second Register call.
	ErrAlreadyRegistered = errors.New("send hook already registered")
)

// Projector writes an object's merged state into the local records. It
// must be idempotent.
type Projector interface {
	Project(tx *store.Tx, identity string, c mergeable.Config, ts time.Time) error
}

// SendHook is told that identity has changes ready to push. PushReady must
// not block.
type SendHook interface {
	PushReady(identity string)
}

// Options tunes a Manager.
type Options struct {
	Bus *bus.Bus
	// SealDumps encrypts dumps at rest to the account's age identity.
	SealDumps bool
	Now       func() time.Time
}

// Manager owns the Config Store of one account. Every mutation and merge
// passes through Update, which serializes work per identity and persists
// changed objects together with their projection.
type Manager struct {
	db        *store.DB
	projector Projector
	bus       *bus.Bus
	logger    *zap.Logger
	objects   *ConfigStore
	seal      bool
	now       func() time.Time

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	keys     *account.Keys
	hook     SendHook
	queued   []string
	unstored map[Key]struct{}
}

// NewManager creates a manager with an empty store. Call Load before use.
func NewManager(db *store.DB, projector Projector, logger *zap.Logger, opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		db:        db,
		projector: projector,
		bus:       opts.Bus,
		logger:    logger.Named("state"),
		objects:   NewConfigStore(),
		seal:      opts.SealDumps,
		now:       opts.Now,
		locks:     make(map[string]*sync.Mutex),
		unstored:  make(map[Key]struct{}),
	}
}

// Store returns the Config Store.
func (m *Manager) Store() *ConfigStore { return m.objects }

// Keys returns the account keys, or ErrUserDoesNotExist before Load.
func (m *Manager) Keys() (*account.Keys, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		return nil, ErrUserDoesNotExist
	}
	return m.keys, nil
}

// UserID returns the account id, or "" before Load.
func (m *Manager) UserID() string {
	k, err := m.Keys()
	if err != nil {
		return ""
	}
	return k.ID
}

// Load reconstructs every object from the persisted dumps: the user
// namespaces first, then the groups listed in UserGroups.
func (m *Manager) Load(ctx context.Context, keys *account.Keys) error {
	if keys == nil {
		return ErrUserDoesNotExist
	}
	dumps, err := m.db.Dumps(ctx)
	if err != nil {
		return fmt.Errorf("read dumps: %w", err)
	}
	byKey, err := openDumps(dumps, keys)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.keys = keys
	m.mu.Unlock()

	unlock := m.lock(keys.ID)
	for _, ns := range namespace.UserSendOrder {
		obj, err := mergeable.New(mergeable.Options{
			Namespace: ns,
			Keys:      [][]byte{keys.ConfigKey},
		}, byKey[Key{ns, keys.ID}])
		if err != nil {
			unlock()
			return fmt.Errorf("load %s: %w", ns, err)
		}
		m.objects.Set(ns, keys.ID, obj)
	}
	groups, err := m.joinedGroups(keys.ID)
	unlock()
	if err != nil {
		return err
	}

	for _, g := range groups {
		if err := m.loadGroup(g, byKey); err != nil {
			return err
		}
	}
	m.logger.Info("config state loaded",
		zap.String("account", keys.ID),
		zap.Int("dumps", len(dumps)),
		zap.Int("groups", len(groups)))
	return nil
}

// Register installs the send hook and flushes identities that became
// pushable before registration.
func (m *Manager) Register(hook SendHook) error {
	m.mu.Lock()
	if m.hook != nil {
		m.mu.Unlock()
		return ErrAlreadyRegistered
	}
	m.hook = hook
	queued := m.queued
	m.queued = nil
	m.mu.Unlock()

	for _, id := range queued {
		hook.PushReady(id)
	}
	return nil
}

// lock takes identity's mutation lock and returns its release.
func (m *Manager) lock(identity string) func() {
	m.mu.Lock()
	l, ok := m.locks[identity]
	if !ok {
		l = &sync.Mutex{}
		m.locks[identity] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Update runs fn under identity's lock. Afterwards every object that needs
// a dump is persisted with its projection, and the send hook is notified if
// anything has changes no push has picked up yet. Pushes already sent and
// awaiting a response are left to Retry. fn's error is returned as is; Update does not
// roll anything back.
func (m *Manager) Update(ctx context.Context, identity string, fn func(Objects) error) error {
	unlock := m.lock(identity)
	objs := m.objectsOf(identity)
	if len(objs.configs) == 0 {
		unlock()
		return fmt.Errorf("%w: no objects for %q", ErrInvalidConfigObject, identity)
	}
	err := fn(objs)
	if namespace.Classify(identity) == namespace.KindGroup {
		objs.RefreshGroupKeys()
	}
	m.persistAll(ctx, objs)
	m.objects.refresh(identity)
	pushable := slices.ContainsFunc(objs.All(), mergeable.Config.NeedsSend)
	userGroups := objs.has(namespace.UserGroups)
	unlock()

	if pushable {
		m.pushReady(identity)
	}
	if userGroups && err == nil {
		m.reconcileGroups(ctx)
	}
	return err
}

// Mutate applies fn to one object. If fn fails the object is restored to
// its state before the call and the error is returned.
func (m *Manager) Mutate(ctx context.Context, ns namespace.Namespace, identity string, fn func(mergeable.Config) error) error {
	return m.Update(ctx, identity, func(objs Objects) error {
		c, err := objs.Get(ns)
		if err != nil {
			return err
		}
		restore := c.Checkpoint()
		if err := fn(c); err != nil {
			restore()
			return err
		}
		return nil
	})
}

// Read runs fn under identity's lock without persisting or notifying.
func (m *Manager) Read(identity string, fn func(Objects) error) error {
	unlock := m.lock(identity)
	defer unlock()
	objs := m.objectsOf(identity)
	if len(objs.configs) == 0 {
		return fmt.Errorf("%w: no objects for %q", ErrInvalidConfigObject, identity)
	}
	return fn(objs)
}

// Persist stores one dump produced outside Update, such as the fresh dump
// returned after confirming a push. If the store fails, the object is
// dumped again by the identity's next Update.
func (m *Manager) Persist(ctx context.Context, d *store.ConfigDump) error {
	key := Key{d.Namespace, d.Identity}
	data, err := m.sealDump(d.Data)
	if err == nil {
		err = m.db.InTx(ctx, func(tx *store.Tx) error {
			return tx.UpsertDump(&store.ConfigDump{
				Namespace: d.Namespace,
				Identity:  d.Identity,
				Data:      data,
				Timestamp: d.Timestamp,
			})
		})
	}
	if err != nil {
		m.mu.Lock()
		m.unstored[key] = struct{}{}
		m.mu.Unlock()
	}
	return err
}

func (m *Manager) objectsOf(identity string) Objects {
	objs := Objects{Identity: identity, configs: make(map[namespace.Namespace]mergeable.Config)}
	for _, ns := range namespace.Classify(identity).Namespaces() {
		if c, ok := m.objects.Get(ns, identity); ok {
			objs.configs[ns] = c
		}
	}
	return objs
}

// persistAll is the store hook: it upserts the dump and projects the object
// in one transaction. Failures are logged and retried on the next update of
// the identity.
func (m *Manager) persistAll(ctx context.Context, objs Objects) {
	for _, c := range objs.All() {
		key := Key{c.Namespace(), objs.Identity}
		m.mu.Lock()
		_, retry := m.unstored[key]
		m.mu.Unlock()
		if !c.NeedsDump() && !retry {
			continue
		}
		if err := m.persist(ctx, objs.Identity, c); err != nil {
			m.logger.Error("failed to persist config",
				zap.Error(err),
				zap.Stringer("namespace", c.Namespace()),
				zap.String("identity", objs.Identity))
			m.mu.Lock()
			m.unstored[key] = struct{}{}
			m.mu.Unlock()
			continue
		}
		m.mu.Lock()
		delete(m.unstored, key)
		m.mu.Unlock()
	}
}

func (m *Manager) persist(ctx context.Context, identity string, c mergeable.Config) error {
	// Dump clears NeedsDump; restore it if the transaction fails.
	restore := c.Checkpoint()
	data, err := c.Dump()
	if err != nil {
		return err
	}
	if data, err = m.sealDump(data); err != nil {
		restore()
		return err
	}
	now := m.now()
	err = m.db.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.UpsertDump(&store.ConfigDump{
			Namespace: c.Namespace(),
			Identity:  identity,
			Data:      data,
			Timestamp: now.UnixMilli(),
		}); err != nil {
			return err
		}
		if m.projector == nil {
			return nil
		}
		return m.projector.Project(tx, identity, c, now)
	})
	if err != nil {
		restore()
		return err
	}
	return nil
}

func (m *Manager) sealDump(data []byte) ([]byte, error) {
	if !m.seal {
		return data, nil
	}
	keys, err := m.Keys()
	if err != nil {
		return nil, err
	}
	if keys.Age == nil {
		return nil, errors.New("seal dump: account has no age identity")
	}
	return cryptobox.SealDump(keys.Age.Recipient(), data)
}

// pushReady notifies the send hook, or queues identity until Register.
func (m *Manager) pushReady(identity string) {
	m.mu.Lock()
	hook := m.hook
	if hook == nil && !slices.Contains(m.queued, identity) {
		m.queued = append(m.queued, identity)
	}
	m.mu.Unlock()
	if hook != nil {
		hook.PushReady(identity)
	}
}

// NotifyPushable re-announces every identity with pending pushes, used
// after the network comes back.
func (m *Manager) NotifyPushable() {
	for _, id := range m.objects.Identities() {
		if m.pushable(id) {
			m.pushReady(id)
		}
	}
}

// Retry re-announces identity if it still has changes to push.
func (m *Manager) Retry(identity string) {
	if m.pushable(identity) {
		m.pushReady(identity)
	}
}

func (m *Manager) pushable(identity string) bool {
	m.objects.mu.RLock()
	defer m.objects.mu.RUnlock()
	for k, p := range m.objects.pushable {
		if k.Identity == identity && p {
			return true
		}
	}
	return false
}
