// Package app composes the sync core into an fx application for one profile:
// store, channels, presence, dispatcher, reconciler and the persistence engine.
package app

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/channel"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/dispatch"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/reconcile"
	"github.com/matheus3301/chatsync/internal/rest"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile  string
	Config   *config.Config
	LogLevel string
	// Exclusive takes the profile lock. Long-running commands set it so two
	// processes never drive the same profile's channels.
	Exclusive bool
}

// Module returns the fx module composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	if p.Config == nil {
		p.Config = config.Default()
	}
	return fx.Module("chatsync",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideIdentity,
			provideConversationChannel,
			providePresence,
			provideDispatcher,
			provideReconciler,
			provideREST,
			provideSyncEngine,
			NewMetricsServer,
			NewClient,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, logging.ParseLevel(p.LogLevel))
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	if !p.Exclusive {
		return nil, nil
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile), p.Profile)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired", zap.Int("pid", l.Owner().PID), zap.Time("since", l.Owner().Since))
	return l, nil
}

// The lock is a parameter so the profile directory exists before the
// database is opened.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
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
		logger.Debug("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideIdentity(db *store.DB) (dispatch.Identity, error) {
	c, err := db.Credential()
	if err != nil {
		return dispatch.Identity{}, err
	}
	if c == nil {
		return dispatch.Identity{}, nil
	}
	return dispatch.Identity{
		UserID:   c.UserID,
		UserCode: c.UserCode,
		Username: c.Username,
	}, nil
}

func channelOptions(base channel.Options, p Params, b *bus.Bus, logger *zap.Logger) channel.Options {
	cc := p.Config.Channel
	base.Secure = p.Config.Server.Secure
	base.Bus = b
	base.Logger = logger
	base.SubscribeWait = cc.SubscribeWait.Duration
	base.SubscribeRetries = cc.SubscribeRetries
	base.SubscribeBackoff = cc.SubscribeBackoff.Duration
	base.SettleDelay = cc.SettleDelay.Duration
	base.ReconnectDelay = cc.ReconnectDelay.Duration
	base.MaxReconnectAttempts = cc.MaxReconnectAttempts
	return base
}

func provideConversationChannel(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) *channel.Manager {
	opts := channel.ConversationOptions(p.Config.Server.Host, db)
	return channel.New(channelOptions(opts, p, b, logger))
}

func providePresence(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	opts := channel.PresenceOptions(p.Config.Server.Host, db)
	return presence.New(channelOptions(opts, p, b, logger), b, logger)
}

func provideDispatcher(conv *channel.Manager, tracker *presence.Tracker, self dispatch.Identity, logger *zap.Logger) *dispatch.Dispatcher {
	return dispatch.New(conv, tracker, self, logger)
}

func provideReconciler(p Params, d *dispatch.Dispatcher, self dispatch.Identity, b *bus.Bus, logger *zap.Logger) *reconcile.Reconciler {
	return reconcile.New(d, reconcile.Options{
		SelfID:         self.UserID,
		StrictOrdering: p.Config.Sync.StrictOrdering,
		Bus:            b,
		Logger:         logger,
	})
}

func provideREST(p Params, db *store.DB, logger *zap.Logger) *rest.Client {
	return rest.New(p.Config.APIBaseURL(), db,
		rest.WithAuthScheme(p.Config.Server.AuthScheme),
		rest.WithLogger(logger),
	)
}

func provideSyncEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	p Params,
	lk *lock.Lock,
	db *store.DB,
	conv *channel.Manager,
	tracker *presence.Tracker,
	rec *reconcile.Reconciler,
	engine *intsync.Engine,
	srv *MetricsServer,
	logger *zap.Logger,
) {
	var detach func()
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if p.Config.Sync.Persist {
				engine.Start(context.Background())
			}
			detach = rec.Attach(conv)

			if err := srv.Listen(); err != nil {
				return err
			}
			go func() {
				if err := srv.Serve(); err != nil {
					logger.Error("metrics server error", zap.Error(err))
				}
			}()
			logger.Info("sync core started", zap.String("profile", p.Profile))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			conv.Disconnect()
			tracker.Disconnect()
			if detach != nil {
				detach()
			}
			if p.Config.Sync.Persist {
				engine.Stop()
			}
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("sync core stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
