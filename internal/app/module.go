package app

import (
	"context"
	"path/filepath"

	"github.com/tradelinehq/convo/internal/bus"
	"github.com/tradelinehq/convo/internal/cache"
	"github.com/tradelinehq/convo/internal/config"
	"github.com/tradelinehq/convo/internal/crm"
	"github.com/tradelinehq/convo/internal/hydrate"
	"github.com/tradelinehq/convo/internal/lock"
	"github.com/tradelinehq/convo/internal/logging"
	intsync "github.com/tradelinehq/convo/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the startup configuration passed to the fx module.
type Params struct {
	ConfigPath string // optional override for testing; empty = use default
}

// Module returns the fx module for the engine, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("app",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideCache,
			provideClient,
			provideDialer,
			provideHydrator,
			provideRoster,
			provideManager,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := config.EnsureDirs(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogPath, "convod")
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	dir := filepath.Dir(cfg.CachePath)
	logger.Info("acquiring profile lock", zap.String("dir", dir))
	l, err := lock.Acquire(dir)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideCache(cfg *config.Config, logger *zap.Logger) (*cache.Store, error) {
	store, err := cache.Open(cfg.CachePath)
	if err != nil {
		return nil, err
	}
	result, err := store.Migrate()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("cache migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("cache migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("cache initialized", zap.String("path", cfg.CachePath))
	return store, nil
}

func provideClient(cfg *config.Config) *crm.Client {
	return crm.NewClient(cfg.APIBaseURL, cfg.Token, cfg.LocationID)
}

func provideDialer(cfg *config.Config) crm.PushDialer {
	return &crm.WSDialer{URL: cfg.RealtimeURL, Token: cfg.Token, UserID: cfg.UserID}
}

func provideHydrator(client *crm.Client, store *cache.Store, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *hydrate.Hydrator {
	return hydrate.New(client, store, b, logger, cfg.HydrateWorkers)
}

func provideRoster(client *crm.Client, store *cache.Store, b *bus.Bus, logger *zap.Logger) *intsync.Roster {
	return intsync.NewRoster(client, store, b, logger)
}

func provideManager(client *crm.Client, dialer crm.PushDialer, store *cache.Store, b *bus.Bus, hyd *hydrate.Hydrator, roster *intsync.Roster, logger *zap.Logger, cfg *config.Config) *intsync.Manager {
	return intsync.NewManager(intsync.ManagerConfig{
		Client:       client,
		Dialer:       dialer,
		Cache:        store,
		Bus:          b,
		Hydrator:     hyd,
		Roster:       roster,
		Logger:       logger,
		PageSize:     cfg.PageSize,
		PollInterval: cfg.PollInterval(),
		GraceWindow:  cfg.GraceWindow(),
		EagerHydrate: cfg.EagerHydrate,
	})
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, store *cache.Store, hyd *hydrate.Hydrator, roster *intsync.Roster, mgr *intsync.Manager, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			hyd.Start(context.Background())
			roster.Start(context.Background())

			// The roster can fill in from realtime traffic later; an
			// offline start is not fatal.
			if err := roster.Load(ctx, ""); err != nil {
				logger.Warn("initial conversation list unavailable", zap.Error(err))
			}
			return nil
		},
		OnStop: func(_ context.Context) error {
			mgr.Close()
			roster.Stop()
			hyd.Stop()
			if err := store.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("engine stopped")
			return nil
		},
	})
}
