package daemon

import (
	"context"
	"errors"
	"io/fs"

	"github.com/sanctum-app/chatsync/internal/auth"
	"github.com/sanctum-app/chatsync/internal/bus"
	"github.com/sanctum-app/chatsync/internal/config"
	"github.com/sanctum-app/chatsync/internal/conn"
	"github.com/sanctum-app/chatsync/internal/inbox"
	"github.com/sanctum-app/chatsync/internal/kv"
	"github.com/sanctum-app/chatsync/internal/lock"
	"github.com/sanctum-app/chatsync/internal/logging"
	"github.com/sanctum-app/chatsync/internal/presence"
	"github.com/sanctum-app/chatsync/internal/queue"
	"github.com/sanctum-app/chatsync/internal/router"
	"github.com/sanctum-app/chatsync/internal/session"
	"github.com/sanctum-app/chatsync/internal/status"
	"github.com/sanctum-app/chatsync/internal/tracker"
	"github.com/sanctum-app/chatsync/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideIdentityStore,
			provideTicketClient,
			provideDialer,
			provideManager,
			provideQueue,
			provideTracker,
			provideInbox,
			providePresence,
			provideRouter,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

// provideConfig loads ~/.chatsync/config.toml. A missing file is the normal
// first-run condition and yields the defaults.
func provideConfig(logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if errors.Is(err, fs.ErrNotExist) {
		logger.Info("no config file, using defaults")
		cfg = &config.Config{ServerURL: config.DefaultServerURL}
	} else if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*kv.Store, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := kv.Open(dbPath)
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

func provideIdentityStore(db *kv.Store) *auth.KVIdentityStore {
	return auth.NewKVIdentityStore(db)
}

func provideTicketClient(cfg *config.Config) *auth.TicketClient {
	return auth.NewTicketClient(cfg.ServerURL)
}

func provideDialer(cfg *config.Config) (*transport.WebsocketDialer, error) {
	return transport.NewWebsocketDialer(cfg.ServerURL, cfg.AllowInsecure)
}

func provideManager(dialer *transport.WebsocketDialer, ids *auth.KVIdentityStore, tickets *auth.TicketClient, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(dialer, ids, tickets, machine, b, logger, conn.Options{})
}

func provideQueue(db *kv.Store, logger *zap.Logger) (*queue.Queue, error) {
	return queue.New(db, logger)
}

func provideTracker(m *conn.Manager, q *queue.Queue, b *bus.Bus, logger *zap.Logger) *tracker.Tracker {
	return tracker.New(m, q, b, logger, tracker.Options{})
}

func provideInbox(b *bus.Bus) *inbox.Inbox {
	return inbox.New(b)
}

func providePresence(b *bus.Bus) *presence.Tracker {
	return presence.NewTracker(b)
}

func provideRouter(b *bus.Bus, in *inbox.Inbox, pr *presence.Tracker, tr *tracker.Tracker, logger *zap.Logger) *router.Router {
	return router.New(b, in, pr, tr, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *kv.Store, manager *conn.Manager, tr *tracker.Tracker, rt *router.Router, pr *presence.Tracker, ids *auth.KVIdentityStore, b *bus.Bus, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Router and tracker subscribe to bus events before the first
			// connection attempt so no frame or drain trigger is missed.
			rt.Start(context.Background())
			tr.Start(context.Background())

			identity, err := ids.CurrentIdentity()
			if err != nil {
				return err
			}
			if identity == nil {
				logger.Info("signed out, realtime connection idle")
				return nil
			}

			go func() {
				if err := manager.Connect(context.Background()); err != nil {
					logger.Error("initial connect failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			rt.Dispose()
			tr.Dispose()
			pr.Dispose()
			manager.Close()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
