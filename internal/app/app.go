// Package app assembles the service: config, logging, storage, the ledger
// gateway, the telegram adapter, the notifier, the scheduling engine and the
// chat command layer.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"stakebot/internal/bot"
	"stakebot/internal/config"
	"stakebot/internal/engine"
	"stakebot/internal/eventbus"
	"stakebot/internal/ledger"
	"stakebot/internal/notifier"
	rtsup "stakebot/internal/runtime/supervisor"
	"stakebot/internal/storage"
	kit "stakebot/internal/transport"
	"stakebot/internal/transport/telegram"
	logx "stakebot/pkg/logx"
)

const updateQueueSize = 128

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store    storage.Store
	gateway  ledger.Gateway
	bus      *eventbus.Bus
	adapter  *telegram.Adapter
	notifier *notifier.Service
	engine   *engine.Service
	bot      *bot.Service

	sup      *rtsup.Supervisor
	updates  chan kit.Update
	unsubCfg func()
	unsubBus func()
}

// New loads config and constructs every component without starting anything.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath, logx.NewConsole("info"))
	cfg, err := mgr.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})

	a := &App{
		cfgMgr:  mgr,
		logSvc:  logSvc,
		log:     log.With(logx.String("comp", "app")),
		bus:     eventbus.New(),
		updates: make(chan kit.Update, updateQueueSize),
	}

	if err := a.build(cfg, log); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	store, err := storage.Open(storage.Options{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeoutDuration(),
		Logger:      log.With(logx.String("comp", "storage")),
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = store

	ledgerURL := strings.TrimSpace(cfg.Ledger.BaseURL)
	if ledgerURL == "" {
		ledgerURL = strings.TrimSpace(os.Getenv("LEDGER_URL"))
	}
	if ledgerURL == "" {
		return errors.New("ledger url missing: set ledger.base_url or LEDGER_URL")
	}
	gw, err := ledger.NewHTTP(ledger.HTTPConfig{
		BaseURL: ledgerURL,
		Network: cfg.Ledger.Network,
		Timeout: cfg.Ledger.RequestTimeoutDuration(),
	}, log.With(logx.String("comp", "ledger")))
	if err != nil {
		return err
	}
	a.gateway = gw

	token := strings.TrimSpace(cfg.Telegram.Token)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("TG_TOKEN"))
	}
	if token == "" {
		return errors.New("telegram token missing: set telegram.token or TG_TOKEN")
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       token,
		PollTimeout: cfg.Telegram.PollTimeoutDuration(),
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return fmt.Errorf("telegram adapter: %w", err)
	}
	a.adapter = adapter

	a.notifier = notifier.New(notifierConfig(cfg.Notifier), adapter, log.With(logx.String("comp", "notifier")))

	engCfg := engine.Config{
		TransferTimeout: cfg.Engine.TransferTimeoutDuration(),
		Location:        time.UTC,
	}
	if ec := cfg.Engine; ec != nil {
		engCfg.TickSpec = ec.TickSpec
		engCfg.Workers = ec.Workers
		if tz := strings.TrimSpace(ec.Timezone); tz != "" {
			if engCfg.Location, err = time.LoadLocation(tz); err != nil {
				return err
			}
		}
	}
	eng, err := engine.New(engCfg, store, gw, a.bus, a.notifier, log.With(logx.String("comp", "engine")))
	if err != nil {
		return err
	}
	a.engine = eng

	a.bot = bot.New(bot.Config{
		Owners: cfg.Telegram.OwnerUserIDs,
	}, store, gw, adapter, log.With(logx.String("comp", "bot")))

	return nil
}

func notifierConfig(nc *config.NotifierConfig) notifier.Config {
	if nc == nil {
		return notifier.Config{}
	}
	return notifier.Config{
		Workers:       nc.Workers,
		QueueSize:     nc.QueueSize,
		RatePerSec:    nc.RatePerSec,
		RetryMax:      nc.RetryMax,
		RetryBase:     nc.RetryBaseDuration(),
		RetryMaxDelay: nc.RetryMaxDelayDuration(),
		DedupWindow:   nc.DedupWindowDuration(),
	}
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgMgr.Current()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return fmt.Errorf("start telegram: %w", err)
	}

	if cfg.NotifierEnabled() {
		if err := a.notifier.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("start notifier: %w", err)
		}
	}

	if cfg.EngineEnabled() {
		if err := a.engine.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("start engine: %w", err)
		}
	} else {
		a.log.Warn("engine disabled, orders will not execute")
	}

	a.sup.Go0("bot.router", func(ctx context.Context) {
		a.bot.Run(ctx, a.updates)
	})

	// Log bus traffic at debug so executions are traceable without reading
	// the notification stream.
	events, unsub := a.bus.Subscribe(64)
	a.unsubBus = unsub
	a.sup.Go0("events.log", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Type != engine.EventTick {
					a.log.Debug("event", logx.String("type", ev.Type), logx.Any("data", ev.Data))
				}
			}
		}
	})

	// Hot-reload logging settings on config file changes.
	if err := a.cfgMgr.Watch(a.sup.Context()); err != nil {
		a.log.Warn("config watch unavailable", logx.Err(err))
	} else {
		cfgCh, unsub := a.cfgMgr.Subscribe()
		a.unsubCfg = unsub
		a.sup.Go0("config.reload", func(ctx context.Context) {
			for {
				select {
				case <-ctx.Done():
					return
				case next, ok := <-cfgCh:
					if !ok {
						return
					}
					a.logSvc.Apply(logx.Config{
						Level:   next.Logging.Level,
						Console: next.Logging.Console,
						File:    logx.FileConfig{Enabled: next.Logging.File.Enabled, Path: next.Logging.File.Path},
					})
					a.log.Info("logging settings applied from config reload")
				}
			}
		})
	}

	a.log.Info("started")
	return nil
}

// Stop shuts components down in dependency order: inputs first, then the
// engine, then outputs, then storage.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")

	if a.adapter != nil {
		if err := a.adapter.Stop(ctx); err != nil {
			a.log.Warn("telegram stop", logx.Err(err))
		}
	}
	if a.engine != nil {
		if err := a.engine.Stop(ctx); err != nil {
			a.log.Warn("engine stop", logx.Err(err))
		}
	}
	if a.notifier != nil {
		if err := a.notifier.Stop(ctx); err != nil {
			a.log.Warn("notifier stop", logx.Err(err))
		}
	}

	if a.unsubCfg != nil {
		a.unsubCfg()
	}
	if a.unsubBus != nil {
		a.unsubBus()
	}
	if n := a.bus.Dropped(); n > 0 {
		a.log.Debug("event bus dropped events", logx.Uint64("count", n))
	}
	a.cfgMgr.Stop()

	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("supervisor stop", logx.Err(err))
		}
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("store close", logx.Err(err))
		}
	}

	a.log.Info("stopped")
	return a.logSvc.Close()
}
