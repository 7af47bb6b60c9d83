// Package runtime composes the realtime chat services into one fx module.
package runtime

import (
	"context"

	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/rtchat/internal/api"
	"github.com/matheus3301/rtchat/internal/bus"
	"github.com/matheus3301/rtchat/internal/config"
	"github.com/matheus3301/rtchat/internal/conn"
	"github.com/matheus3301/rtchat/internal/groups"
	"github.com/matheus3301/rtchat/internal/invoke"
	"github.com/matheus3301/rtchat/internal/logging"
	"github.com/matheus3301/rtchat/internal/presence"
	"github.com/matheus3301/rtchat/internal/profile"
	"github.com/matheus3301/rtchat/internal/reconcile"
	"github.com/matheus3301/rtchat/internal/typing"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
	Config  *config.Config // nil = defaults
	Quiet   bool           // only warnings reach stderr
	LogPath string         // optional override for testing; empty = profile log path
	Clock   clockwork.Clock
}

// Module returns the fx module for the runtime, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("runtime",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideClock,
			provideBus,
			provideMachine,
			provideClient,
			provideAPI,
			provideGuard,
			provideTracker,
			provideTyping,
			provideEngine,
			providePresence,
			NewDispatcher,
			NewRuntime,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	path := p.LogPath
	if path == "" {
		path = profile.LogPath(p.Profile)
	}
	return logging.New(path, p.Profile, p.Quiet)
}

func provideClock(p Params) clockwork.Clock {
	if p.Clock != nil {
		return p.Clock
	}
	return clockwork.NewRealClock()
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMachine(b *bus.Bus) *conn.Machine {
	return conn.NewMachine(b)
}

func provideClient(cfg *config.Config, m *conn.Machine, clock clockwork.Clock, logger *zap.Logger) *conn.Client {
	return conn.NewClient(conn.Options{
		URL:         cfg.Server.URL,
		Token:       cfg.Server.Token,
		BaseDelay:   cfg.Reconnect.BaseDelay.Duration,
		MaxDelay:    cfg.Reconnect.MaxDelay.Duration,
		MaxAttempts: cfg.Reconnect.MaxAttempts,
		Heartbeat:   cfg.Reconnect.Heartbeat.Duration,
		AckTimeout:  cfg.Invoke.AckTimeout.Duration,
		Clock:       clock,
	}, m, logger.Named("conn"))
}

func provideAPI(cfg *config.Config) *api.Client {
	return api.NewClient(cfg.Server.URL, api.WithToken(cfg.Server.Token))
}

func provideGuard(cfg *config.Config, clock clockwork.Clock, logger *zap.Logger) *invoke.Guard {
	return invoke.New(invoke.Options{
		QueueTimeout: cfg.Invoke.QueueTimeout.Duration,
		Clock:        clock,
	}, logger.Named("invoke"))
}

func provideTracker(g *invoke.Guard, cfg *config.Config, clock clockwork.Clock, logger *zap.Logger) *groups.Tracker {
	return groups.New(g, groups.Options{
		RetryDelay: cfg.Groups.RejoinRetryDelay.Duration,
		Clock:      clock,
	}, logger.Named("groups"))
}

func provideTyping(g *invoke.Guard, cfg *config.Config, clock clockwork.Clock, b *bus.Bus, logger *zap.Logger) *typing.Coordinator {
	return typing.New(g, typing.Options{
		Heartbeat:           cfg.Typing.Heartbeat.Duration,
		Debounce:            cfg.Typing.Debounce.Duration,
		IndicatorTTL:        cfg.Typing.IndicatorTTL.Duration,
		NearBottomThreshold: cfg.Typing.NearBottomThreshold,
		Clock:               clock,
	}, b, logger.Named("typing"))
}

func provideEngine(client *api.Client, typ *typing.Coordinator, cfg *config.Config, clock clockwork.Clock, b *bus.Bus, logger *zap.Logger) *reconcile.Engine {
	return reconcile.New(client, typ, reconcile.Options{
		SendTimeout: cfg.Reconcile.SendTimeout.Duration,
		Clock:       clock,
	}, b, logger.Named("reconcile"))
}

func providePresence(client *api.Client, cfg *config.Config, clock clockwork.Clock, b *bus.Bus, logger *zap.Logger) *presence.Store {
	return presence.New(client, presence.Options{
		Staleness:        cfg.Presence.Staleness.Duration,
		BatchSize:        cfg.Presence.BatchSize,
		RateLimitBackoff: cfg.Presence.RateLimitBackoff.Duration,
		Clock:            clock,
	}, b, logger.Named("presence"))
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, rt *Runtime, client *conn.Client, d *Dispatcher, logger *zap.Logger) {
	var removeObs func()
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			rt.setLocalAccount(cfg.Server.AccountID)

			rt.Guard.Attach(client)
			rt.Groups.Attach(client)
			client.OnEvent(d.Handle)
			removeObs = client.OnStateChange(func(c conn.Change) {
				if c.To != conn.Connected {
					return
				}
				if id := client.AccountID(); id != "" {
					rt.setLocalAccount(id)
				}
			})

			client.Start(context.Background())
			logger.Info("runtime started", zap.String("server", cfg.Server.URL))
			return nil
		},
		OnStop: func(_ context.Context) error {
			if removeObs != nil {
				removeObs()
			}
			rt.Typing.CancelAll()
			for _, s := range d.Surfaces() {
				rt.Typing.HideAll(s)
			}
			rt.Groups.Dispose()
			rt.Guard.Dispose()
			client.Stop()
			rt.Presence.Close()
			rt.Bus.Close()
			logger.Info("runtime stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
