// Package sync is the push/pull protocol engine: it computes pending pushes,
// confirms them, merges fetched messages and runs the per-identity pollers.
package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/sessync/internal/configs"
	"github.com/matheus3301/sessync/internal/mergeable"
	"github.com/matheus3301/sessync/internal/namespace"
	"github.com/matheus3301/sessync/internal/state"
	"github.com/matheus3301/sessync/internal/store"
)

// ErrCannotMergeInvalidMessageType is returned when a batch holds a message
// that is not a config message of the target identity.
var ErrCannotMergeInvalidMessageType = errors.New("cannot merge invalid message type")

// Engine computes pushes and merges messages against the objects held by
// a state manager.
type Engine struct {
	state  *state.Manager
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates an engine over m.
func NewEngine(m *state.Manager, logger *zap.Logger) *Engine {
	return &Engine{state: m, logger: logger.Named("sync"), now: time.Now}
}

// PendingChanges returns one push per namespace of objs that needs one, in
// send order. Namespaces for which skip reports true are left alone. A
// namespace that fails to serialize is logged and left out. Callers run it
// inside Manager.Update.
func (e *Engine) PendingChanges(objs state.Objects, skip func(namespace.Namespace) bool) []*mergeable.PushData {
	var out []*mergeable.PushData
	for _, c := range objs.All() {
		ns := c.Namespace()
		if !c.NeedsPush() || (skip != nil && skip(ns)) {
			continue
		}
		if ns == namespace.ConvoInfoVolatile {
			if v, err := configs.AsConvo(c); err == nil {
				if err := v.Prune(e.now()); err != nil {
					e.logger.Warn("failed to prune conversations", zap.Error(err), zap.String("identity", objs.Identity))
				}
			}
		}
		pd, err := c.Push()
		if err != nil {
			e.logger.Warn("failed to serialize namespace",
				zap.Error(err),
				zap.Stringer("namespace", ns),
				zap.String("identity", objs.Identity))
			continue
		}
		out = append(out, pd)
	}
	return out
}

// MarkingAsPushed confirms a push stored under hash. If the object changed
// while the push was in flight it still needs a push, and a fresh dump is
// returned for the caller to persist; otherwise it returns nil.
func (e *Engine) MarkingAsPushed(objs state.Objects, ns namespace.Namespace, seqno int64, hash string, sentAt time.Time) (*store.ConfigDump, error) {
	c, err := objs.Get(ns)
	if err != nil {
		return nil, err
	}
	c.ConfirmPushed(seqno, hash)
	if !c.NeedsPush() {
		return nil, nil
	}
	data, err := c.Dump()
	if err != nil {
		return nil, err
	}
	return &store.ConfigDump{
		Namespace: ns,
		Identity:  objs.Identity,
		Data:      data,
		Timestamp: sentAt.UnixMilli(),
	}, nil
}

// HandleConfigMessages merges a fetched batch into identity's objects and
// returns the hashes accepted. Messages for a namespace the identity does
// not own abort the whole batch with ErrCannotMergeInvalidMessageType.
func (e *Engine) HandleConfigMessages(ctx context.Context, identity string, msgs []mergeable.Message) ([]string, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	owned := namespace.Classify(identity).Namespaces()
	for _, m := range msgs {
		if !slices.Contains(owned, m.Namespace) {
			return nil, fmt.Errorf("%w: %s message for %s", ErrCannotMergeInvalidMessageType, m.Namespace, identity)
		}
	}
	var accepted []string
	err := e.state.Update(ctx, identity, func(objs state.Objects) error {
		var err error
		accepted, err = e.Merge(objs, msgs)
		return err
	})
	return accepted, err
}

// Merge applies msgs to objs namespace by namespace in send order. Within a
// namespace messages keep their fetch order. A group's keys are merged
// first and handed to the other group objects before those are merged. A
// namespace that fails is logged and the rest still merge.
func (e *Engine) Merge(objs state.Objects, msgs []mergeable.Message) ([]string, error) {
	byNS := make(map[namespace.Namespace][]mergeable.Message)
	for _, m := range msgs {
		byNS[m.Namespace] = append(byNS[m.Namespace], m)
	}
	var accepted []string
	var errs []error
	for _, c := range objs.All() {
		batch := byNS[c.Namespace()]
		if len(batch) == 0 {
			continue
		}
		got, err := c.Merge(batch)
		if err != nil {
			var ee *mergeable.EngineError
			if !errors.As(err, &ee) {
				err = &mergeable.EngineError{Op: "merge", Msg: err.Error(), Err: err}
			}
			e.logger.Warn("failed to merge namespace",
				zap.Error(err),
				zap.Stringer("namespace", c.Namespace()),
				zap.String("identity", objs.Identity))
			errs = append(errs, err)
			continue
		}
		accepted = append(accepted, got...)
		if c.Namespace() == namespace.GroupKeys && len(got) > 0 {
			objs.RefreshGroupKeys()
		}
	}
	return accepted, errors.Join(errs...)
}
