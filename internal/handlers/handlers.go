// Package handlers projects config objects into the local records and
// encodes local edits back into the config objects.
package handlers

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/sessync/internal/mergeable"
	"github.com/matheus3301/sessync/internal/namespace"
	"github.com/matheus3301/sessync/internal/store"
)

// Handler projects one namespace. HandleIncomingUpdate must be idempotent:
// running it twice on the same state leaves the same records.
type Handler interface {
	HandleIncomingUpdate(tx *store.Tx, identity string, c mergeable.Config, ts time.Time) error
}

// Registry dispatches projections by namespace. It is the state manager's
// Projector.
type Registry struct {
	logger   *zap.Logger
	handlers map[namespace.Namespace]Handler
}

// NewRegistry creates a registry with a handler for every config namespace.
func NewRegistry(logger *zap.Logger) *Registry {
	logger = logger.Named("handlers")
	return &Registry{
		logger: logger,
		handlers: map[namespace.Namespace]Handler{
			namespace.UserProfile:       profileHandler{},
			namespace.Contacts:          contactsHandler{},
			namespace.ConvoInfoVolatile: convoHandler{},
			namespace.UserGroups:        userGroupsHandler{},
			namespace.GroupInfo:         groupInfoHandler{},
			namespace.GroupMembers:      groupMembersHandler{},
			namespace.GroupKeys:         keysHandler{},
		},
	}
}

// Project runs the handler for c's namespace.
func (r *Registry) Project(tx *store.Tx, identity string, c mergeable.Config, ts time.Time) error {
	h, ok := r.handlers[c.Namespace()]
	if !ok {
		return nil
	}
	if err := h.HandleIncomingUpdate(tx, identity, c, ts); err != nil {
		return fmt.Errorf("project %s: %w", c.Namespace(), err)
	}
	r.logger.Debug("config projected",
		zap.Stringer("namespace", c.Namespace()),
		zap.String("identity", identity))
	return nil
}

// keysHandler has nothing to project: the key ring lives only in its dump.
type keysHandler struct{}

func (keysHandler) HandleIncomingUpdate(*store.Tx, string, mergeable.Config, time.Time) error {
	return nil
}

func expiryMode(seconds int64) int64 {
	if seconds > 0 {
		return 1
	}
	return 0
}
