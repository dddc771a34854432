package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/sessync/internal/codec"
	"github.com/matheus3301/sessync/internal/mergeable"
	"github.com/matheus3301/sessync/internal/namespace"
	"github.com/matheus3301/sessync/internal/state"
	"github.com/matheus3301/sessync/internal/swarm"
)

// DefaultPushTimeout bounds one store request.
const DefaultPushTimeout = 10 * time.Second

var errMalformedResponse = errors.New("malformed store response")

// Callback receives the outcome of one push. resp holds the encoded
// swarm.StoreResponse on success.
type Callback func(ok bool, resp []byte, err error)

// Pusher is the state manager's send hook. It keeps at most one push in
// flight per namespace and identity, sends each push asynchronously and
// feeds the outcome back through a callback that fires exactly once.
type Pusher struct {
	engine  *Engine
	state   *state.Manager
	client  swarm.Client
	logger  *zap.Logger
	timeout time.Duration
	onStale func(identity string)

	mu       sync.Mutex
	inflight map[state.Key]bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewPusher creates a pusher. onStale is called when the relay rejects a
// push as stale, so the identity can be polled and merged before retrying.
func NewPusher(engine *Engine, client swarm.Client, logger *zap.Logger, timeout time.Duration, onStale func(string)) *Pusher {
	if timeout <= 0 {
		timeout = DefaultPushTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pusher{
		engine:   engine,
		state:    engine.state,
		client:   client,
		logger:   logger.Named("push"),
		timeout:  timeout,
		onStale:  onStale,
		inflight: make(map[state.Key]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// PushReady implements state.SendHook. It never blocks and does nothing
// once the pusher is stopped.
func (p *Pusher) PushReady(identity string) {
	p.mu.Lock()
	if p.ctx.Err() != nil {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.wg.Done()
		if err := p.Flush(p.ctx, identity); err != nil && p.ctx.Err() == nil {
			p.logger.Warn("push failed", zap.Error(err), zap.String("identity", identity))
		}
	}()
}

// Stop cancels outstanding pushes and waits for them to finish.
func (p *Pusher) Stop() {
	p.mu.Lock()
	p.cancel()
	p.mu.Unlock()
	p.wg.Wait()
}

// SetTimeout changes the per-request timeout.
func (p *Pusher) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	p.timeout = d
	p.mu.Unlock()
}

// Flush pushes every pending namespace of identity not already in flight
// and waits for the outcomes. If a group's keys fail to store, its info
// and members are not sent.
func (p *Pusher) Flush(ctx context.Context, identity string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var batch []*mergeable.PushData
	err := p.state.Update(ctx, identity, func(objs state.Objects) error {
		p.mu.Lock()
		defer p.mu.Unlock()
		batch = p.engine.PendingChanges(objs, func(ns namespace.Namespace) bool {
			return p.busy(identity, ns)
		})
		for _, pd := range batch {
			p.inflight[state.Key{Namespace: pd.Namespace, Identity: identity}] = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	var errs []error
	var keysErr error
	for _, pd := range batch {
		done := make(chan error, 1)
		cb := p.once(identity, pd, func(ok bool, resp []byte, err error) {
			done <- p.onResponse(ctx, identity, pd, ok, resp, err)
		})
		if keysErr != nil && pd.Namespace.IsGroup() {
			cb(false, nil, fmt.Errorf("not sent, keys push failed: %w", keysErr))
		} else {
			p.send(ctx, identity, pd, cb)
		}
		if err := <-done; err != nil {
			errs = append(errs, fmt.Errorf("push %s: %w", pd.Namespace, err))
			if pd.Namespace == namespace.GroupKeys {
				keysErr = err
			}
		}
	}
	return errors.Join(errs...)
}

// busy reports whether ns may not be pushed now. Group info and members
// wait while the group's keys are in flight. Callers hold p.mu.
func (p *Pusher) busy(identity string, ns namespace.Namespace) bool {
	if p.inflight[state.Key{Namespace: ns, Identity: identity}] {
		return true
	}
	return ns.IsGroup() && ns != namespace.GroupKeys &&
		p.inflight[state.Key{Namespace: namespace.GroupKeys, Identity: identity}]
}

func (p *Pusher) requestTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeout
}

func (p *Pusher) release(identity string, ns namespace.Namespace) {
	p.mu.Lock()
	delete(p.inflight, state.Key{Namespace: ns, Identity: identity})
	p.mu.Unlock()
}

// once guards cb so only the first outcome is delivered. A second call is
// a bug in the send path and is logged.
func (p *Pusher) once(identity string, pd *mergeable.PushData, cb Callback) Callback {
	var fired atomic.Bool
	return func(ok bool, resp []byte, err error) {
		if !fired.CompareAndSwap(false, true) {
			p.logger.Error("push callback invoked more than once",
				zap.String("identity", identity),
				zap.Stringer("namespace", pd.Namespace),
				zap.Int64("seqno", pd.Seqno))
			return
		}
		cb(ok, resp, err)
	}
}

// send dispatches pd and returns at once. done is always called exactly
// once, including when the request cannot be built.
func (p *Pusher) send(ctx context.Context, identity string, pd *mergeable.PushData, done Callback) {
	if len(pd.Data) == 0 {
		done(false, nil, fmt.Errorf("build request: empty payload for %s", pd.Namespace))
		return
	}
	req := &swarm.StoreRequest{
		Identity:  identity,
		Namespace: pd.Namespace,
		Seqno:     pd.Seqno,
		Data:      pd.Data,
	}
	timeout := p.requestTimeout()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done(false, nil, fmt.Errorf("push panicked: %v", r))
			}
		}()
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		resp, err := p.client.Store(ctx, req)
		if err != nil {
			done(false, nil, err)
			return
		}
		if resp == nil || resp.Hash == "" {
			done(false, nil, errMalformedResponse)
			return
		}
		data, err := codec.Marshal(resp)
		if err != nil {
			done(false, nil, err)
			return
		}
		done(true, data, nil)
	}()
}

// onResponse confirms a stored push or releases it for a later retry.
func (p *Pusher) onResponse(ctx context.Context, identity string, pd *mergeable.PushData, ok bool, resp []byte, err error) error {
	var sr swarm.StoreResponse
	if ok {
		if err = codec.Unmarshal(resp, &sr); err == nil && sr.Hash == "" {
			err = errMalformedResponse
		}
		ok = err == nil
	}
	if !ok {
		p.release(identity, pd.Namespace)
		if errors.Is(err, swarm.ErrStaleSeqno) {
			p.logger.Info("push rejected as stale, polling before retry",
				zap.String("identity", identity),
				zap.Stringer("namespace", pd.Namespace),
				zap.Int64("seqno", pd.Seqno))
			if p.onStale != nil {
				p.onStale(identity)
			}
		}
		return err
	}

	err = p.state.Update(ctx, identity, func(objs state.Objects) error {
		// Released before Update re-announces the identity, so a change made
		// during the push is picked up at once.
		defer p.release(identity, pd.Namespace)
		dump, err := p.engine.MarkingAsPushed(objs, pd.Namespace, pd.Seqno, sr.Hash, time.UnixMilli(sr.Timestamp))
		if err != nil {
			return err
		}
		if dump != nil {
			if err := p.state.Persist(ctx, dump); err != nil {
				p.logger.Error("failed to persist confirmed dump",
					zap.Error(err),
					zap.Stringer("namespace", pd.Namespace),
					zap.String("identity", identity))
			}
		}
		return nil
	})
	if err != nil {
		p.release(identity, pd.Namespace)
		return fmt.Errorf("confirm push: %w", err)
	}
	p.logger.Debug("push confirmed",
		zap.String("identity", identity),
		zap.Stringer("namespace", pd.Namespace),
		zap.Int64("seqno", pd.Seqno),
		zap.String("hash", sr.Hash))

	if len(pd.Obsolete) > 0 {
		p.deleteObsolete(ctx, identity, pd.Namespace, pd.Obsolete)
	}
	return nil
}

// deleteObsolete removes superseded messages from the relay and forgets
// them locally. Failures leave them listed for the next push.
func (p *Pusher) deleteObsolete(ctx context.Context, identity string, ns namespace.Namespace, hashes []string) {
	ctx, cancel := context.WithTimeout(ctx, p.requestTimeout())
	defer cancel()
	if _, err := p.client.Delete(ctx, &swarm.DeleteRequest{Identity: identity, Hashes: hashes}); err != nil {
		p.logger.Warn("failed to delete obsolete messages", zap.Error(err), zap.String("identity", identity), zap.Int("count", len(hashes)))
		return
	}
	err := p.state.Update(ctx, identity, func(objs state.Objects) error {
		obj, err := objs.Object(ns)
		if err != nil {
			return err
		}
		obj.ClearObsolete(hashes)
		return nil
	})
	if err != nil {
		p.logger.Warn("failed to clear obsolete hashes", zap.Error(err), zap.String("identity", identity))
	}
}
