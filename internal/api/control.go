package api

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"filippo.io/age"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/sessync/internal/account"
	"github.com/matheus3301/sessync/internal/configs"
	"github.com/matheus3301/sessync/internal/groupkeys"
	"github.com/matheus3301/sessync/internal/handlers"
	"github.com/matheus3301/sessync/internal/namespace"
	"github.com/matheus3301/sessync/internal/state"
	"github.com/matheus3301/sessync/internal/status"
	"github.com/matheus3301/sessync/internal/store"
)

// Syncer runs sync on demand.
type Syncer interface {
	SyncNow(ctx context.Context) error
	Pollers() []string
}

// Activator brings up sync for freshly created account keys.
type Activator func(ctx context.Context, keys *account.Keys) error

// Params are the collaborators of the control service.
type Params struct {
	Account  string
	KeyPath  string
	Machine  *status.Machine
	State    *state.Manager
	DB       *store.DB
	Sync     Syncer
	Groups   *groupkeys.Manager
	Activate Activator
	Logger   *zap.Logger
}

// Control implements the control service used by sessyncctl.
type Control struct {
	p         Params
	logger    *zap.Logger
	startedAt time.Time
}

// NewControl creates the control service.
func NewControl(p Params) *Control {
	return &Control{p: p, logger: p.Logger.Named("api"), startedAt: time.Now()}
}

func (c *Control) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	pollers := []any{}
	if c.p.Sync != nil {
		for _, id := range c.p.Sync.Pollers() {
			pollers = append(pollers, id)
		}
	}
	return newStruct(map[string]any{
		"account":    c.p.Account,
		"account_id": c.p.State.UserID(),
		"status":     string(c.p.Machine.Current()),
		"since_ms":   c.p.Machine.Since().UnixMilli(),
		"uptime_ms":  time.Since(c.startedAt).Milliseconds(),
		"groups":     len(c.p.State.Groups()),
		"pollers":    pollers,
	})
}

// CreateAccount generates account keys, or restores them from a hex seed,
// and starts syncing.
func (c *Control) CreateAccount(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if c.p.State.UserID() != "" {
		return nil, grpcstatus.Error(codes.AlreadyExists, "account already has keys")
	}
	var keys *account.Keys
	var err error
	if seed, ok := stringField(req, "seed"); ok {
		raw, decErr := hex.DecodeString(seed)
		if decErr != nil {
			return nil, grpcstatus.Errorf(codes.InvalidArgument, "seed: %v", decErr)
		}
		id, genErr := age.GenerateX25519Identity()
		if genErr != nil {
			return nil, grpcstatus.Errorf(codes.Internal, "generate age identity: %v", genErr)
		}
		keys, err = account.FromSeed(raw, id)
		if err != nil {
			return nil, grpcstatus.Errorf(codes.InvalidArgument, "seed: %v", err)
		}
	} else if keys, err = account.Generate(); err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "generate keys: %v", err)
	}
	if err := account.SaveKeys(c.p.KeyPath, keys); err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "save keys: %v", err)
	}
	if err := c.p.Activate(ctx, keys); err != nil {
		return nil, toStatus("activate account", err)
	}
	c.logger.Info("account created", zap.String("account_id", keys.ID))
	return newStruct(map[string]any{"account_id": keys.ID})
}

func (c *Control) SyncNow(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if c.p.Sync == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "sync not running")
	}
	if err := c.p.Sync.SyncNow(ctx); err != nil {
		return nil, toStatus("sync", err)
	}
	return newStruct(nil)
}

func (c *Control) SetProfile(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var ch handlers.ProfileChange
	if v, ok := stringField(req, "name"); ok {
		ch.Name = &v
	}
	if v, ok := stringField(req, "pic_url"); ok {
		ch.PicURL = &v
		if key, ok := stringField(req, "pic_key"); ok {
			raw, err := hex.DecodeString(key)
			if err != nil {
				return nil, grpcstatus.Errorf(codes.InvalidArgument, "pic_key: %v", err)
			}
			ch.PicKey = raw
		}
	}
	if v, ok := intField(req, "expiry_seconds"); ok {
		ch.NoteToSelfExpiry = &v
	}
	if err := c.applyUser(ctx, ch); err != nil {
		return nil, toStatus("set profile", err)
	}
	return newStruct(nil)
}

func (c *Control) ListContacts(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	var out []any
	err := c.p.DB.InTx(ctx, func(tx *store.Tx) error {
		contacts, err := tx.Contacts()
		if err != nil {
			return err
		}
		for _, ct := range contacts {
			p, err := tx.GetProfile(ct.ID)
			if err != nil {
				return err
			}
			if p == nil {
				p = &store.Profile{ID: ct.ID}
			}
			out = append(out, map[string]any{
				"id":          ct.ID,
				"name":        p.Name,
				"nickname":    p.Nickname,
				"approved":    ct.IsApproved,
				"approved_me": ct.IsApprovedMe,
				"blocked":     ct.IsBlocked,
				"created_ms":  ct.CreatedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, toStatus("list contacts", err)
	}
	return newStruct(map[string]any{"contacts": orEmpty(out)})
}

func (c *Control) SetContact(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, ok := stringField(req, "id")
	if !ok || namespace.Classify(id) != namespace.KindUser {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "contact id %q", id)
	}
	if erase, _ := boolField(req, "erase"); erase {
		if err := c.applyUser(ctx, handlers.EraseContact{ID: id}); err != nil {
			return nil, toStatus("erase contact", err)
		}
		return newStruct(nil)
	}
	ch := handlers.ContactChange{ID: id, Update: func(ct *configs.Contact) {
		if v, ok := stringField(req, "name"); ok {
			ct.Name = v
		}
		if v, ok := stringField(req, "nickname"); ok {
			ct.Nickname = v
		}
		if v, ok := boolField(req, "approved"); ok {
			ct.Approved = v
		}
		if v, ok := boolField(req, "approved_me"); ok {
			ct.ApprovedMe = v
		}
		if v, ok := boolField(req, "blocked"); ok {
			ct.Blocked = v
		}
	}}
	if err := c.applyUser(ctx, ch); err != nil {
		return nil, toStatus("set contact", err)
	}
	return newStruct(nil)
}

func (c *Control) ListThreads(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	variant, _ := stringField(req, "variant")
	var out []any
	err := c.p.DB.InTx(ctx, func(tx *store.Tx) error {
		threads, err := tx.Threads(variant)
		if err != nil {
			return err
		}
		for _, t := range threads {
			out = append(out, map[string]any{
				"id":            t.ID,
				"variant":       t.Variant,
				"priority":      t.Priority,
				"pinned":        configs.Pinned(t.Priority),
				"visible":       t.ShouldBeVisible,
				"last_read_ms":  t.LastRead,
				"marked_unread": t.MarkedUnread,
			})
		}
		return nil
	})
	if err != nil {
		return nil, toStatus("list threads", err)
	}
	return newStruct(map[string]any{"threads": orEmpty(out)})
}

func (c *Control) SetThreadPriority(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, ok := stringField(req, "id")
	if !ok {
		return nil, grpcstatus.Error(codes.InvalidArgument, "id is required")
	}
	priority, ok := intField(req, "priority")
	if !ok {
		return nil, grpcstatus.Error(codes.InvalidArgument, "priority is required")
	}
	if err := handlers.SetThreadPriority(ctx, c.p.State, id, priority); err != nil {
		return nil, toStatus("set thread priority", err)
	}
	return newStruct(nil)
}

func (c *Control) CreateGroup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, _ := stringField(req, "name")
	id, err := c.p.Groups.CreateGroup(ctx, name, stringsField(req, "members"))
	if err != nil {
		return nil, toStatus("create group", err)
	}
	return newStruct(map[string]any{"group_id": id})
}

func (c *Control) ListGroups(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	var out []any
	err := c.p.DB.InTx(ctx, func(tx *store.Tx) error {
		groups, err := tx.Groups()
		if err != nil {
			return err
		}
		for _, g := range groups {
			members, err := tx.GroupMembers(g.ID)
			if err != nil {
				return err
			}
			keyStatus, err := c.p.Groups.Status(g.ID)
			if err != nil {
				keyStatus = ""
			}
			out = append(out, map[string]any{
				"id":         g.ID,
				"name":       g.Name,
				"admin":      len(g.SecretKey) > 0,
				"members":    len(members),
				"key_status": string(keyStatus),
				"destroyed":  g.Destroyed,
			})
		}
		return nil
	})
	if err != nil {
		return nil, toStatus("list groups", err)
	}
	return newStruct(map[string]any{"groups": orEmpty(out)})
}

func (c *Control) AddMembers(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	gid, members, err := groupRequest(req)
	if err != nil {
		return nil, err
	}
	supplement, _ := boolField(req, "supplement")
	if err := c.p.Groups.AddMembers(ctx, gid, members, supplement); err != nil {
		return nil, toStatus("add members", err)
	}
	return newStruct(nil)
}

func (c *Control) RemoveMembers(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	gid, members, err := groupRequest(req)
	if err != nil {
		return nil, err
	}
	purge, _ := boolField(req, "purge")
	if err := c.p.Groups.RemoveMembers(ctx, gid, members, purge); err != nil {
		return nil, toStatus("remove members", err)
	}
	return newStruct(nil)
}

func (c *Control) Rekey(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	gid, ok := stringField(req, "group_id")
	if !ok {
		return nil, grpcstatus.Error(codes.InvalidArgument, "group_id is required")
	}
	if err := c.p.Groups.Rekey(ctx, gid); err != nil {
		return nil, toStatus("rekey", err)
	}
	return newStruct(nil)
}

func (c *Control) applyUser(ctx context.Context, ch handlers.Change) error {
	self := c.p.State.UserID()
	if self == "" {
		return state.ErrUserDoesNotExist
	}
	return handlers.ApplyLocalChange(ctx, c.p.State, self, ch)
}

func groupRequest(req *structpb.Struct) (string, []string, error) {
	gid, ok := stringField(req, "group_id")
	if !ok {
		return "", nil, grpcstatus.Error(codes.InvalidArgument, "group_id is required")
	}
	members := stringsField(req, "members")
	if len(members) == 0 {
		return "", nil, grpcstatus.Error(codes.InvalidArgument, "members are required")
	}
	return gid, members, nil
}

// toStatus maps domain errors to gRPC codes.
func toStatus(op string, err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, state.ErrUserDoesNotExist):
		code = codes.FailedPrecondition
	case errors.Is(err, configs.ErrNotAdmin):
		code = codes.PermissionDenied
	case errors.Is(err, configs.ErrInvalidID):
		code = codes.InvalidArgument
	case errors.Is(err, state.ErrInvalidConfigObject):
		code = codes.NotFound
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}
