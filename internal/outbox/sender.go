package outbox

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/sessync/internal/bus"
	"github.com/matheus3301/sessync/internal/store"
	"github.com/matheus3301/sessync/internal/swarm"
)

// Bus event kinds published per delivered or abandoned entry.
const (
	EventSent       = "outbox.sent"
	EventSendFailed = "outbox.send_failed"
)

const (
	DefaultInterval    = 500 * time.Millisecond
	DefaultMaxAttempts = 5
)

// Result is the payload of outbox events.
type Result struct {
	ClientID    string
	Destination string
	Kind        string
	Hash        string
	Err         string
}

// Sender drains the outbox, storing each entry in its destination's
// namespace on the relay.
type Sender struct {
	db          *store.DB
	client      swarm.Client
	bus         *bus.Bus
	logger      *zap.Logger
	interval    time.Duration
	maxAttempts int
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, client swarm.Client, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		db:          db,
		client:      client,
		bus:         b,
		logger:      logger.Named("outbox"),
		interval:    DefaultInterval,
		maxAttempts: DefaultMaxAttempts,
	}
}

// Start requeues entries left sending by a previous run and begins polling
// the outbox.
func (s *Sender) Start(ctx context.Context) {
	if err := s.db.ResetSendingOutbox(ctx); err != nil {
		s.logger.Warn("failed to requeue interrupted entries", zap.Error(err))
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sender loop and waits for it to exit.
func (s *Sender) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox(ctx)
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := s.db.MarkOutboxSending(ctx, entry.ClientID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_id", entry.ClientID))
			continue
		}

		resp, err := s.client.Store(ctx, &swarm.StoreRequest{
			Identity:  entry.Destination,
			Namespace: entry.Namespace,
			Data:      entry.Payload,
		})
		if err == nil && (resp == nil || resp.Hash == "") {
			err = errors.New("malformed store response")
		}
		if err != nil {
			s.failed(ctx, entry, err)
			continue
		}

		if err := s.db.MarkOutboxSent(ctx, entry.ClientID, resp.Hash); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_id", entry.ClientID))
		}
		s.logger.Info("outbox entry delivered",
			zap.String("client_id", entry.ClientID),
			zap.String("destination", entry.Destination),
			zap.String("hash", resp.Hash))
		s.bus.Emit(EventSent, Result{
			ClientID:    entry.ClientID,
			Destination: entry.Destination,
			Kind:        entry.Kind,
			Hash:        resp.Hash,
		})
	}
}

// failed requeues entry, or gives up on it once it used every attempt.
// Rejected requests are not retried.
func (s *Sender) failed(ctx context.Context, entry store.OutboxEntry, err error) {
	attempts := entry.Attempts + 1
	var se *swarm.StatusError
	permanent := errors.As(err, &se) && se.Code == swarm.StatusBadRequest
	if !permanent && attempts < s.maxAttempts {
		s.logger.Warn("outbox send failed, will retry",
			zap.Error(err),
			zap.String("client_id", entry.ClientID),
			zap.Int("attempts", attempts))
		if err := s.db.MarkOutboxRetry(ctx, entry.ClientID, err.Error()); err != nil {
			s.logger.Error("failed to requeue", zap.Error(err), zap.String("client_id", entry.ClientID))
		}
		return
	}

	s.logger.Error("outbox send failed", zap.Error(err), zap.String("client_id", entry.ClientID), zap.Int("attempts", attempts))
	if err := s.db.MarkOutboxFailed(ctx, entry.ClientID, err.Error()); err != nil {
		s.logger.Error("failed to mark failed", zap.Error(err), zap.String("client_id", entry.ClientID))
	}
	s.bus.Emit(EventSendFailed, Result{
		ClientID:    entry.ClientID,
		Destination: entry.Destination,
		Kind:        entry.Kind,
		Err:         err.Error(),
	})
}
