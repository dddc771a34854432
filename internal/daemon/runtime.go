package daemon

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/sessync/internal/account"
	"github.com/matheus3301/sessync/internal/bus"
	"github.com/matheus3301/sessync/internal/config"
	"github.com/matheus3301/sessync/internal/outbox"
	"github.com/matheus3301/sessync/internal/state"
	"github.com/matheus3301/sessync/internal/status"
	syncer "github.com/matheus3301/sessync/internal/sync"
)

// Runtime starts and stops the account's background work once keys exist,
// and folds poll results into the daemon status.
type Runtime struct {
	state   *state.Manager
	sync    *syncer.Service
	sender  *outbox.Sender
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	active bool
	wg     sync.WaitGroup
}

// NewRuntime creates an idle runtime.
func NewRuntime(m *state.Manager, svc *syncer.Service, sender *outbox.Sender, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		state:   m,
		sync:    svc,
		sender:  sender,
		machine: machine,
		bus:     b,
		logger:  logger.Named("runtime"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Boot activates the account stored at keyPath, or waits in keys_required
// when there is none.
func (r *Runtime) Boot(ctx context.Context, keyPath string) error {
	keys, err := account.LoadKeys(keyPath)
	if errors.Is(err, account.ErrNoKeys) {
		r.logger.Info("no account keys found, keys required")
		return r.machine.Transition(status.KeysRequired)
	}
	if err != nil {
		return err
	}
	return r.Activate(ctx, keys)
}

// Activate loads the config state for keys and starts syncing.
func (r *Runtime) Activate(ctx context.Context, keys *account.Keys) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return errors.New("account already active")
	}
	if err := r.state.Load(ctx, keys); err != nil {
		return err
	}
	if err := r.machine.Transition(status.Syncing); err != nil {
		return err
	}

	events, unsub := r.bus.Subscribe("sync.cycle_", 64)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer unsub()
		r.watchCycles(events, keys.ID)
	}()

	if err := r.sync.Start(r.ctx); err != nil {
		return err
	}
	r.sender.Start(r.ctx)
	r.active = true
	r.logger.Info("account active", zap.String("account_id", keys.ID))
	return nil
}

// Reconfigure applies reloaded poll and push timings.
func (r *Runtime) Reconfigure(cfg *config.Config) {
	r.sync.SetOptions(syncOptions(cfg))
}

// Stop stops syncing and the outbox.
func (r *Runtime) Stop() {
	_ = r.machine.Ensure(status.Stopping)
	r.mu.Lock()
	active := r.active
	r.active = false
	r.mu.Unlock()
	r.cancel()
	if active {
		r.sender.Stop()
		r.sync.Stop()
	}
	r.wg.Wait()
}

// watchCycles marks the daemon ready after a successful user poll and
// degraded after any failed one.
func (r *Runtime) watchCycles(events <-chan bus.Event, userID string) {
	for {
		select {
		case <-r.ctx.Done():
			return
		case evt := <-events:
			res, ok := evt.Payload.(syncer.CycleResult)
			if !ok {
				continue
			}
			var to status.State
			switch {
			case evt.Kind == syncer.EventCycleFailed:
				to = status.Degraded
			case res.Identity == userID:
				to = status.Ready
			default:
				continue
			}
			if r.machine.Current() == status.Stopping {
				return
			}
			if err := r.machine.Ensure(to); err != nil {
				r.logger.Debug("status unchanged", zap.Error(err))
			}
		}
	}
}

func syncOptions(cfg *config.Config) syncer.Options {
	return syncer.Options{
		Interval:      cfg.Poll.Interval.Duration,
		GroupInterval: cfg.Poll.GroupInterval.Duration,
		MaxBackoff:    cfg.Poll.MaxBackoff.Duration,
		CycleTimeout:  cfg.Poll.CycleTimeout.Duration,
		PushTimeout:   cfg.Push.Timeout.Duration,
	}
}
