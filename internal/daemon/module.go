package daemon

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/matheus3301/sessync/internal/account"
	"github.com/matheus3301/sessync/internal/api"
	"github.com/matheus3301/sessync/internal/bus"
	"github.com/matheus3301/sessync/internal/config"
	"github.com/matheus3301/sessync/internal/groupkeys"
	"github.com/matheus3301/sessync/internal/handlers"
	"github.com/matheus3301/sessync/internal/lock"
	"github.com/matheus3301/sessync/internal/logging"
	"github.com/matheus3301/sessync/internal/outbox"
	"github.com/matheus3301/sessync/internal/state"
	"github.com/matheus3301/sessync/internal/status"
	"github.com/matheus3301/sessync/internal/store"
	"github.com/matheus3301/sessync/internal/swarm"
	syncer "github.com/matheus3301/sessync/internal/sync"
)

// Params holds the resolved account configuration passed to the fx module.
type Params struct {
	Account    string
	SocketPath string       // optional override for testing; empty = use default
	Dir        string       // optional account directory override
	ConfigPath string       // optional config file override
	Client     swarm.Client // optional relay override for testing
}

func (p Params) dir() string {
	if p.Dir != "" {
		return p.Dir
	}
	return account.Dir(p.Account)
}

func (p Params) socketPath() string {
	if p.SocketPath != "" {
		return p.SocketPath
	}
	return filepath.Join(p.dir(), "daemon.sock")
}

func (p Params) configPath() string {
	if p.ConfigPath != "" {
		return p.ConfigPath
	}
	return account.ConfigPath()
}

func (p Params) keyPath() string { return filepath.Join(p.dir(), "keys.toml") }

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideSwarmClient,
			provideStateManager,
			provideGroupKeys,
			provideSyncService,
			provideSender,
			NewRuntime,
			provideControl,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	return config.LoadOrDefault(p.configPath())
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, zap.AtomicLevel, error) {
	return logging.New(filepath.Join(p.dir(), "logs", "sessyncd.log"), p.Account, cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring account lock", zap.String("account", p.Account))
	l, err := lock.Acquire(p.dir())
	if err != nil {
		return nil, err
	}
	logger.Info("account lock acquired")
	return l, nil
}

// provideStore depends on the lock so no second daemon opens the database.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := filepath.Join(p.dir(), "sessync.db")
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideSwarmClient(p Params, cfg *config.Config, logger *zap.Logger) (swarm.Client, error) {
	if p.Client != nil {
		return p.Client, nil
	}
	c, err := swarm.Dial(cfg.Swarm.Address, grpc.WithUnaryInterceptor(timeoutInterceptor(cfg.Swarm.RequestTimeout.Duration)))
	if err != nil {
		return nil, err
	}
	logger.Info("relay client configured", zap.String("address", cfg.Swarm.Address))
	return c, nil
}

// timeoutInterceptor bounds every relay request that has no earlier deadline.
func timeoutInterceptor(d time.Duration) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if _, ok := ctx.Deadline(); !ok && d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

func provideStateManager(db *store.DB, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *state.Manager {
	return state.NewManager(db, handlers.NewRegistry(logger), logger, state.Options{
		Bus:       b,
		SealDumps: cfg.Storage.SealDumps,
	})
}

func provideGroupKeys(m *state.Manager, db *store.DB, b *bus.Bus, logger *zap.Logger) *groupkeys.Manager {
	return groupkeys.NewManager(m, db, b, logger)
}

func provideSyncService(m *state.Manager, db *store.DB, client swarm.Client, keeper *groupkeys.Manager, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *syncer.Service {
	return syncer.NewService(m, db, client, keeper, b, logger, syncOptions(cfg))
}

func provideSender(db *store.DB, client swarm.Client, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, client, b, logger)
}

func provideControl(p Params, m *status.Machine, sm *state.Manager, db *store.DB, svc *syncer.Service, groups *groupkeys.Manager, rt *Runtime, logger *zap.Logger) *api.Control {
	return api.NewControl(api.Params{
		Account:  p.Account,
		KeyPath:  p.keyPath(),
		Machine:  m,
		State:    sm,
		DB:       db,
		Sync:     svc,
		Groups:   groups,
		Activate: rt.Activate,
		Logger:   logger,
	})
}

func registerLifecycle(lc fx.Lifecycle, p Params, srv *Server, lk *lock.Lock, rt *Runtime, db *store.DB, client swarm.Client, level zap.AtomicLevel, logger *zap.Logger) {
	watchCtx, stopWatch := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			go func() {
				err := config.Watch(watchCtx, p.configPath(), logger, func(cfg *config.Config) {
					if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
						logger.Warn("invalid log level", zap.String("level", cfg.Log.Level))
					}
					rt.Reconfigure(cfg)
				})
				if err != nil {
					logger.Warn("config watch disabled", zap.Error(err))
				}
			}()

			return rt.Boot(ctx, p.keyPath())
		},
		OnStop: func(ctx context.Context) error {
			stopWatch()
			rt.Stop()
			srv.Stop(ctx)
			if c, ok := client.(io.Closer); ok && p.Client == nil {
				_ = c.Close()
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
