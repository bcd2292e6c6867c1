// Package daemon composes the sync engine into a runnable process.
package daemon

import (
	"context"

	"github.com/mvellosa/courier/internal/app"
	"github.com/mvellosa/courier/internal/bus"
	"github.com/mvellosa/courier/internal/config"
	"github.com/mvellosa/courier/internal/identity"
	"github.com/mvellosa/courier/internal/lock"
	"github.com/mvellosa/courier/internal/logging"
	"github.com/mvellosa/courier/internal/outbox"
	"github.com/mvellosa/courier/internal/remote"
	"github.com/mvellosa/courier/internal/session"
	"github.com/mvellosa/courier/internal/store"
	"github.com/mvellosa/courier/internal/view"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideIdentity,
			provideGateway,
			provideBindings,
			provideDispatcher,
			provideProjector,
			app.NewMessageService,
			app.NewConversationService,
			app.NewAnnouncementService,
			app.NewTokenService,
			provideSyncService,
			provideSessionService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() *config.Config {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		return config.Default()
	}
	return cfg
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired", zap.String("session", p.SessionName))
	return l, nil
}

func provideStore(p Params, b *bus.Bus, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath, b)
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
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideIdentity(b *bus.Bus) *identity.Provider {
	return identity.New(b)
}

func provideGateway(cfg *config.Config, who *identity.Provider) *remote.Gateway {
	return remote.NewGateway(cfg.Remote, who, nil)
}

func provideBindings(db *store.DB, gw *remote.Gateway, cfg *config.Config, logger *zap.Logger) []outbox.Binding {
	return app.NewBindings(db, gw, cfg.Sync, logger)
}

func provideDispatcher(bindings []outbox.Binding, b *bus.Bus, who *identity.Provider, cfg *config.Config, logger *zap.Logger) *outbox.Dispatcher {
	return outbox.NewDispatcher(bindings, b, who, cfg.Sync, logger)
}

func provideProjector(db *store.DB, b *bus.Bus, logger *zap.Logger) *view.Projector {
	return view.NewProjector(db, b, logger)
}

func provideSyncService(db *store.DB, gw *remote.Gateway, who *identity.Provider, d *outbox.Dispatcher, bindings []outbox.Binding, logger *zap.Logger) *app.SyncService {
	return app.NewSyncService(db, gw, who, d, bindings, logger)
}

func provideSessionService(db *store.DB, gw *remote.Gateway, who *identity.Provider, logger *zap.Logger) *app.SessionService {
	return app.NewSessionService(db, gw, who, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, d *outbox.Dispatcher, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			d.Start(context.Background())
			logger.Info("outbox dispatcher started")

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			d.Stop()
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
