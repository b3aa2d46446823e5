// Package app wires the meridian daemon: config, logging, feeds, the
// scheduling engine, the refresh service and the HTTP API.
package app

import (
	"context"
	"errors"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"meridian/internal/calendar"
	"meridian/internal/compliance"
	"meridian/internal/config"
	"meridian/internal/engine"
	"meridian/internal/eventbus"
	"meridian/internal/fairness"
	"meridian/internal/feed"
	"meridian/internal/httpapi"
	"meridian/internal/overlap"
	"meridian/internal/runtime/supervisor"
	"meridian/internal/services/refresh"
	"meridian/internal/storage"
	logx "meridian/pkg/logx"
)

const (
	defaultFeedTimeout = 2 * time.Second
	defaultFeedRate    = 5
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store storage.Store

	holidays *feed.HolidayFeed
	rules    *feed.RuleFeed
	profiles *feed.ProfileFeed

	resolver *calendar.Resolver
	eval     *compliance.Evaluator
	tracker  *fairness.Tracker
	opt      *engine.Optimizer

	refresh *refresh.Service
	api     *httpapi.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(validateConfig)

	a := &App{
		cfgm: cfgm,
		log:  log,
		logs: logs,
		bus:  eventbus.New(),
	}
	if err := a.wire(cfg); err != nil {
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(cfg *config.Config) error {
	// Ledger storage. Disabled config still needs a live store for the
	// fairness tracker, so fall back to in-memory.
	var store storage.Store
	if cfg.Storage != nil {
		busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return err
		}
		store, err = storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busy,
		}, a.log.With(logx.String("comp", "storage")))
		if err != nil {
			return err
		}
	}
	if store == nil {
		store = storage.NewMemory()
		a.log.Info("ledger storage disabled, keeping ledger in memory")
	} else {
		a.log.Info("ledger storage enabled", logx.String("driver", cfg.Storage.Driver))
	}
	a.store = store

	// Feeds.
	if cfg.Feeds.Holidays == "" || cfg.Feeds.Rules == "" || cfg.Feeds.Profiles == "" {
		return errors.New("feeds.holidays, feeds.rules and feeds.profiles are required")
	}
	fetchTimeout, err := config.ParseDurationOrDefault("feeds.fetch_timeout", cfg.Feeds.FetchTimeout, defaultFeedTimeout)
	if err != nil {
		return err
	}
	feedRate := cfg.Feeds.RatePerSec
	if feedRate <= 0 {
		feedRate = defaultFeedRate
	}
	a.holidays = feed.NewHolidayFeed(cfg.Feeds.Holidays, feedRate, a.log)
	a.rules = feed.NewRuleFeed(cfg.Feeds.Rules, feedRate, a.log)
	a.profiles = feed.NewProfileFeed(cfg.Feeds.Profiles, feedRate, a.log)

	// Engine.
	ruleTimeout, err := config.ParseDurationOrDefault("engine.rule_timeout", cfg.Engine.RuleTimeout, fetchTimeout)
	if err != nil {
		return err
	}
	a.resolver, err = calendar.NewResolver(a.holidays, calendar.ResolverConfig{
		FetchTimeout: fetchTimeout,
		CacheSize:    cfg.Engine.CacheSize,
	}, a.log)
	if err != nil {
		return err
	}
	a.eval, err = compliance.NewEvaluator(a.rules, compliance.EvaluatorConfig{
		FetchTimeout: ruleTimeout,
	}, a.log)
	if err != nil {
		return err
	}
	a.tracker, err = fairness.NewTracker(store, a.log)
	if err != nil {
		return err
	}
	a.opt, err = engine.New(a.resolver, a.profiles, a.eval, a.tracker, a.bus, a.log)
	if err != nil {
		return err
	}
	defaults, err := engineDefaults(cfg.Engine)
	if err != nil {
		return err
	}
	a.opt.SetDefaults(defaults)

	// Services.
	a.refresh = refresh.New(refresh.Config{
		Enabled:    cfg.Refresh.Enabled,
		Spec:       cfg.Refresh.Spec,
		Timezone:   cfg.Refresh.Timezone,
		YearsAhead: cfg.Refresh.YearsAhead,
	}, a.resolver, a.holidays, a.rules, a.log)

	readTimeout, err := config.ParseDurationField("server.read_timeout", cfg.Server.ReadTimeout)
	if err != nil {
		return err
	}
	writeTimeout, err := config.ParseDurationField("server.write_timeout", cfg.Server.WriteTimeout)
	if err != nil {
		return err
	}
	idleTimeout, err := config.ParseDurationField("server.idle_timeout", cfg.Server.IdleTimeout)
	if err != nil {
		return err
	}
	a.api, err = httpapi.New(httpapi.Config{
		Enabled:      cfg.Server.Enabled,
		Addr:         cfg.Server.Addr,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}, a.opt, a.log)
	return err
}

func engineDefaults(ec config.EngineConfig) (engine.Config, error) {
	amber, err := config.ParseDurationField("engine.amber_min", ec.AmberMin)
	if err != nil {
		return engine.Config{}, err
	}
	green, err := config.ParseDurationField("engine.green_min", ec.GreenMin)
	if err != nil {
		return engine.Config{}, err
	}
	minWindow, err := config.ParseDurationField("engine.min_window", ec.MinWindow)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Thresholds: overlap.Thresholds{AmberMin: amber, GreenMin: green},
		MinWindow:  minWindow,
	}, nil
}

// validateConfig is the hot-reload gate: a revision that fails here is
// rejected without touching the running daemon.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if cfg.Feeds.Holidays == "" || cfg.Feeds.Rules == "" || cfg.Feeds.Profiles == "" {
		return errors.New("feeds.holidays, feeds.rules and feeds.profiles are required")
	}
	for _, f := range []struct{ path, raw string }{
		{"feeds.fetch_timeout", cfg.Feeds.FetchTimeout},
		{"engine.rule_timeout", cfg.Engine.RuleTimeout},
		{"engine.amber_min", cfg.Engine.AmberMin},
		{"engine.green_min", cfg.Engine.GreenMin},
		{"engine.min_window", cfg.Engine.MinWindow},
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
	} {
		if _, err := config.ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the background services and reports readiness to systemd
// when running under it.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	updates := a.cfgm.Subscribe(1)
	a.sup.Go("config.apply", func(ctx context.Context) error {
		defer a.cfgm.Unsubscribe(updates)
		for {
			select {
			case <-ctx.Done():
				return nil
			case cfg, ok := <-updates:
				if !ok {
					return nil
				}
				a.applyReload(cfg)
			}
		}
	})

	if err := a.refresh.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.api.Start(a.sup.Context()); err != nil {
		return err
	}

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("meridian started")
	return nil
}

// applyReload applies the hot-reloadable config sections. Logging takes
// effect immediately; structural sections (storage driver, feeds, server
// address) need a restart and are only reported.
func (a *App) applyReload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if defaults, err := engineDefaults(cfg.Engine); err == nil {
		a.opt.SetDefaults(defaults)
	}
	a.log.Info("config applied",
		logx.String("logging.level", cfg.Logging.Level))
}

// Stop drains the daemon: API first so in-flight requests finish, then the
// background services, then storage.
func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.api.Stop(ctx)
	a.refresh.Stop(ctx)

	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	a.log.Info("meridian stopped")
	if cerr := a.logs.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Optimizer exposes the engine for embedded (library) use.
func (a *App) Optimizer() *engine.Optimizer { return a.opt }

// Bus exposes the event bus so consumers can subscribe before Start.
func (a *App) Bus() eventbus.Bus { return a.bus }

// APIAddr returns the bound API address, empty when the server is disabled.
func (a *App) APIAddr() string { return a.api.Addr() }
