package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/sessync/internal/bus"
	"github.com/matheus3301/sessync/internal/mergeable"
	"github.com/matheus3301/sessync/internal/namespace"
	"github.com/matheus3301/sessync/internal/state"
	"github.com/matheus3301/sessync/internal/store"
	"github.com/matheus3301/sessync/internal/swarm"
)

// Bus event kinds published after each poll cycle. The payload is a
// CycleResult.
const (
	EventCycleDone   = "sync.cycle_done"
	EventCycleFailed = "sync.cycle_failed"
)

// CycleResult describes one finished poll cycle.
type CycleResult struct {
	Identity string
	Fetched  int
	Accepted int
	Err      error
}

// Options are the poller timings.
type Options struct {
	Interval      time.Duration
	GroupInterval time.Duration
	MaxBackoff    time.Duration
	CycleTimeout  time.Duration
	PushTimeout   time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.GroupInterval <= 0 {
		o.GroupInterval = o.Interval
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 2 * time.Minute
	}
	if o.CycleTimeout <= 0 {
		o.CycleTimeout = 30 * time.Second
	}
	return o
}

// GroupKeeper handles the group key work that follows a poll.
type GroupKeeper interface {
	// ReceiveSupplements takes key supplements fetched from the user's
	// Direct namespace.
	ReceiveSupplements(ctx context.Context, msgs []swarm.Message) error
	// AfterMerge resolves key collisions and finishes member removals for
	// a group whose messages were just merged.
	AfterMerge(ctx context.Context, groupID string) error
}

type poller struct {
	identity string
	trigger  chan struct{}
	cancel   context.CancelFunc
}

// Service runs one poller per identity and owns the pusher registered as
// the state manager's send hook.
type Service struct {
	engine *Engine
	pusher *Pusher
	state  *state.Manager
	db     *store.DB
	client swarm.Client
	keeper GroupKeeper
	bus    *bus.Bus
	logger *zap.Logger

	mu      sync.Mutex
	opts    Options
	pollers map[string]*poller
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService creates the sync service. keeper may be nil.
func NewService(m *state.Manager, db *store.DB, client swarm.Client, keeper GroupKeeper, b *bus.Bus, logger *zap.Logger, opts Options) *Service {
	opts = opts.withDefaults()
	s := &Service{
		state:   m,
		db:      db,
		client:  client,
		keeper:  keeper,
		bus:     b,
		logger:  logger.Named("poller"),
		opts:    opts,
		pollers: make(map[string]*poller),
	}
	s.engine = NewEngine(m, logger)
	s.pusher = NewPusher(s.engine, client, logger, opts.PushTimeout, s.PollNow)
	return s
}

// Engine returns the protocol engine.
func (s *Service) Engine() *Engine { return s.engine }

// Start registers the pusher with the state manager and starts the user
// poller and one poller per loaded group.
func (s *Service) Start(ctx context.Context) error {
	user := s.state.UserID()
	if user == "" {
		return state.ErrUserDoesNotExist
	}
	if err := s.state.Register(s.pusher); err != nil {
		return err
	}
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	events, unsub := s.subscribe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsub()
		s.watchGroups(events)
	}()

	s.startPoller(user)
	s.reconcilePollers()
	s.state.NotifyPushable()
	return nil
}

// Stop stops every poller and outstanding push.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.pusher.Stop()
}

// SetOptions applies new timings from a configuration reload. Running
// pollers pick them up on their next wait.
func (s *Service) SetOptions(opts Options) {
	opts = opts.withDefaults()
	s.mu.Lock()
	s.opts = opts
	s.mu.Unlock()
	s.pusher.SetTimeout(opts.PushTimeout)
}

func (s *Service) options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// PollNow wakes identity's poller. It never blocks.
func (s *Service) PollNow(identity string) {
	s.mu.Lock()
	p := s.pollers[identity]
	s.mu.Unlock()
	if p == nil {
		return
	}
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// SyncNow polls every identity, user first, then pushes what is pending.
func (s *Service) SyncNow(ctx context.Context) error {
	user := s.state.UserID()
	if user == "" {
		return state.ErrUserDoesNotExist
	}
	var errs []error
	for _, id := range append([]string{user}, s.state.Groups()...) {
		if err := s.Cycle(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.pusher.Flush(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pollers returns the identities being polled.
func (s *Service) Pollers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pollers))
	for id := range s.pollers {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (s *Service) subscribe() (<-chan bus.Event, func()) {
	if s.bus == nil {
		return nil, func() {}
	}
	return s.bus.Subscribe("state.group_", 64)
}

func (s *Service) watchGroups(events <-chan bus.Event) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	for {
		select {
		case evt := <-events:
			id, _ := evt.Payload.(string)
			switch evt.Kind {
			case state.EventGroupAdded:
				s.startPoller(id)
			case state.EventGroupRemoved:
				s.stopPoller(id)
			}
		case <-ctx.Done():
			return
		}
	}
}

// reconcilePollers catches up with group changes whose bus events were
// dropped.
func (s *Service) reconcilePollers() {
	groups := s.state.Groups()
	for _, id := range groups {
		s.startPoller(id)
	}
	for _, id := range s.Pollers() {
		if namespace.Classify(id) == namespace.KindGroup && !slices.Contains(groups, id) {
			s.stopPoller(id)
		}
	}
}

func (s *Service) startPoller(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil || s.ctx.Err() != nil || s.pollers[identity] != nil {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	p := &poller{identity: identity, trigger: make(chan struct{}, 1), cancel: cancel}
	s.pollers[identity] = p
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, p)
	}()
	s.logger.Info("poller started", zap.String("identity", identity))
}

func (s *Service) stopPoller(identity string) {
	s.mu.Lock()
	p := s.pollers[identity]
	delete(s.pollers, identity)
	s.mu.Unlock()
	if p != nil {
		p.cancel()
		s.logger.Info("poller stopped", zap.String("identity", identity))
	}
}

func (s *Service) interval(identity string) time.Duration {
	opts := s.options()
	if namespace.Classify(identity) == namespace.KindGroup {
		return opts.GroupInterval
	}
	return opts.Interval
}

func (s *Service) run(ctx context.Context, p *poller) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	var backoff time.Duration
	for {
		select {
		case <-timer.C:
		case <-p.trigger:
		case <-ctx.Done():
			return
		}
		next := s.interval(p.identity)
		if err := s.Cycle(ctx, p.identity); err != nil {
			if ctx.Err() != nil {
				return
			}
			backoff = nextBackoff(backoff, next, s.options().MaxBackoff)
			next = backoff
			s.logger.Warn("poll failed",
				zap.Error(err),
				zap.String("identity", p.identity),
				zap.Duration("retry_in", next))
		} else {
			backoff = 0
		}
		timer.Reset(next)
	}
}

func nextBackoff(cur, base, limit time.Duration) time.Duration {
	if cur == 0 {
		cur = base
	} else {
		cur *= 2
	}
	return min(cur, limit)
}

// Cycle fetches every namespace of identity, merges the messages and
// checkpoints the last hashes. It is bounded by the cycle timeout.
func (s *Service) Cycle(ctx context.Context, identity string) (err error) {
	ctx, cancel := context.WithTimeout(ctx, s.options().CycleTimeout)
	defer cancel()
	result := CycleResult{Identity: identity}
	defer func() {
		result.Err = err
		kind := EventCycleDone
		if err != nil {
			kind = EventCycleFailed
		}
		s.bus.Emit(kind, result)
	}()

	kind := namespace.Classify(identity)
	nss := kind.Namespaces()
	if kind == namespace.KindUser {
		nss = append(slices.Clone(nss), namespace.Direct)
	}

	var msgs []mergeable.Message
	var direct []swarm.Message
	last := make(map[namespace.Namespace]string)
	for _, ns := range nss {
		got, lastHash, err := s.fetch(ctx, identity, ns)
		if err != nil {
			return fmt.Errorf("poll %s %s: %w", identity, ns, err)
		}
		result.Fetched += len(got)
		if lastHash != "" {
			last[ns] = lastHash
		}
		if ns == namespace.Direct {
			direct = append(direct, got...)
			continue
		}
		for _, m := range got {
			msgs = append(msgs, mergeable.Message{
				Namespace: m.Namespace,
				Hash:      m.Hash,
				Timestamp: time.UnixMilli(m.Timestamp),
				Data:      m.Data,
			})
		}
	}

	accepted, err := s.engine.HandleConfigMessages(ctx, identity, msgs)
	if errors.Is(err, ErrCannotMergeInvalidMessageType) {
		return err
	}
	if err != nil {
		s.logger.Warn("merge finished with errors", zap.Error(err), zap.String("identity", identity))
	}
	result.Accepted = len(accepted)

	if len(direct) > 0 && s.keeper != nil {
		if err := s.keeper.ReceiveSupplements(ctx, direct); err != nil {
			s.logger.Warn("failed to apply key supplements", zap.Error(err))
		}
	}

	for ns, h := range last {
		if err := s.db.SetSyncState(ctx, store.LastHashKey(identity, ns), h); err != nil {
			return fmt.Errorf("checkpoint %s %s: %w", identity, ns, err)
		}
	}

	switch kind {
	case namespace.KindGroup:
		if s.keeper != nil {
			if err := s.keeper.AfterMerge(ctx, identity); err != nil {
				s.logger.Warn("group key maintenance failed", zap.Error(err), zap.String("identity", identity))
			}
		}
	case namespace.KindUser:
		s.reconcilePollers()
	}
	s.state.Retry(identity)
	return nil
}

// fetch pages through ns after the checkpointed hash.
func (s *Service) fetch(ctx context.Context, identity string, ns namespace.Namespace) ([]swarm.Message, string, error) {
	lastHash, err := s.db.SyncState(ctx, store.LastHashKey(identity, ns))
	if err != nil {
		return nil, "", err
	}
	var out []swarm.Message
	for {
		resp, err := s.client.Retrieve(ctx, &swarm.RetrieveRequest{Identity: identity, Namespace: ns, LastHash: lastHash})
		if err != nil {
			return nil, "", err
		}
		out = append(out, resp.Messages...)
		if n := len(resp.Messages); n > 0 {
			lastHash = resp.Messages[n-1].Hash
		}
		if !resp.More || len(resp.Messages) == 0 {
			break
		}
	}
	if len(out) == 0 {
		return nil, "", nil
	}
	return out, lastHash, nil
}
