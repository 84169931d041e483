// Package daemon composes the sync daemon of one account with fx.
package daemon

import (
	"context"

	"github.com/matheus3301/chatsync/internal/account"
	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/authwatch"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved account configuration passed to the fx module.
type Params struct {
	Account    string
	SocketPath string // optional override for testing; empty = use default
	ConfigPath string // optional override; empty = ~/.chatsync/config.toml
	Debug      bool

	// Dial replaces the websocket dialer in tests.
	Dial transport.Dialer
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideRemote,
			provideConversationStore,
			provideQueue,
			provideCoordinator,
			provideTokenWatcher,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (config.Sync, error) {
	path := p.ConfigPath
	if path == "" {
		path = account.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return config.Sync{}, err
	}
	s := cfg.SyncFor(p.Account)
	if s.TokenFile == "" {
		s.TokenFile = account.TokenPath(p.Account)
	}
	return s, s.Validate()
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(account.LogPath(p.Account), p.Account, p.Debug)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := account.EnsureDir(p.Account); err != nil {
		return nil, err
	}
	logger.Info("acquiring account lock", zap.String("account", p.Account))
	l, err := lock.Acquire(account.Dir(p.Account))
	if err != nil {
		return nil, err
	}
	logger.Info("account lock acquired")
	return l, nil
}

// provideStore takes the lock so the database is never opened by two daemons.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := account.DBPath(p.Account)
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

func provideRemote(cfg config.Sync, logger *zap.Logger) (*remote.Client, error) {
	return remote.NewClient(cfg.APIBaseURL, nil, logger.Named("remote"))
}

func provideConversationStore(cfg config.Sync, rc *remote.Client, b *bus.Bus, logger *zap.Logger) *conversation.Store {
	return conversation.NewStore(cfg.UserID, rc, b, logger.Named("store"))
}

func provideQueue(db *store.DB, rc *remote.Client, b *bus.Bus, logger *zap.Logger) *outbox.Queue {
	return outbox.NewQueue(db, rc, b, logger.Named("outbox"))
}

func provideCoordinator(p Params, cfg config.Sync, rc *remote.Client, cs *conversation.Store, q *outbox.Queue, db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Coordinator {
	return intsync.New(intsync.Options{
		Remote: rc,
		Store:  cs,
		Queue:  q,
		DB:     db,
		Bus:    b,
		Logger: logger.Named("sync"),
		Socket: transport.Config{
			URL:         cfg.RealtimeURL,
			Heartbeat:   cfg.HeartbeatInterval.Duration,
			BackoffBase: cfg.BackoffBase.Duration,
			BackoffMax:  cfg.BackoffMax.Duration,
			Dial:        p.Dial,
		},
		PollInterval: cfg.PollInterval.Duration,
	})
}

func provideTokenWatcher(cfg config.Sync, coord *intsync.Coordinator, logger *zap.Logger) *authwatch.Watcher {
	return authwatch.New(cfg.TokenFile, coord.SetAuthToken, logger.Named("auth"))
}

func provideService(p Params, coord *intsync.Coordinator, cs *conversation.Store, db *store.DB, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(p.Account, coord, cs, db, b, logger.Named("api"))
}

func registerLifecycle(lc fx.Lifecycle, cfg config.Sync, srv *Server, lk *lock.Lock, db *store.DB, coord *intsync.Coordinator, watcher *authwatch.Watcher, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := coord.Start(); err != nil {
				return err
			}
			if cfg.Background {
				if err := coord.SetForeground(false); err != nil {
					return err
				}
			}

			// Applies the current token, which connects when one is present.
			if err := watcher.Start(); err != nil {
				return err
			}

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			logger.Info("daemon started",
				zap.String("api", cfg.APIBaseURL),
				zap.String("realtime", cfg.RealtimeURL),
				zap.Bool("background", cfg.Background))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := watcher.Close(); err != nil {
				logger.Warn("error closing token watcher", zap.Error(err))
			}
			srv.Stop(ctx)
			coord.Stop()
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
