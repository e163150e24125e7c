// Package app is the composition root: it wires config, logging, storage,
// the transport adapter, the broadcast scheduler and the HTTP API, and owns
// their start/stop ordering plus the config hot-reload loop.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"groupcast/internal/api"
	"groupcast/internal/broadcast"
	"groupcast/internal/config"
	"groupcast/internal/content"
	"groupcast/internal/eventbus"
	"groupcast/internal/recipients"
	rtsup "groupcast/internal/runtime/supervisor"
	"groupcast/internal/schedule"
	"groupcast/internal/storage"
	"groupcast/internal/transport"
	"groupcast/internal/transport/telegram"
	logx "groupcast/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store storage.Store
	// storageCfg is what the open store was built from; a differing reload
	// only warns, since storage cannot be swapped live.
	storageCfg storage.Config

	adapter  *telegram.Adapter
	content  *content.Store
	registry *recipients.Registry
	hours    *schedule.Hours

	sched *broadcast.Service
	api   *api.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	dataDir := strings.TrimSpace(cfg.Data.Dir)
	if dataDir == "" {
		return nil, fmt.Errorf("data.dir is required")
	}
	contentStore, err := content.NewStore(dataDir)
	if err != nil {
		return nil, err
	}
	registry, err := recipients.NewRegistry(dataDir)
	if err != nil {
		return nil, err
	}
	hours, err := schedule.NewHours(dataDir)
	if err != nil {
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, logSvc.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout",
		cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bus, logSvc.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	bcfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := broadcast.New(bcfg, store, contentStore, registry, hours, adapter, bus,
		logSvc.Logger().With(logx.String("comp", "broadcast")))

	acfg, err := mapAPIConfig(cfg)
	if err != nil {
		return nil, err
	}
	apiSvc := api.New(acfg, api.Deps{
		Hours:     hours,
		Store:     store,
		Registry:  registry,
		Content:   contentStore,
		Scheduler: sched,
		Transport: adapter,
	}, logSvc.Logger().With(logx.String("comp", "api")))

	return &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		storageCfg: sc,
		adapter:    adapter,
		content:    contentStore,
		registry:   registry,
		hours:      hours,
		sched:      sched,
		api:        apiSvc,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if strings.TrimSpace(cfg.Data.Dir) == "" {
			return fmt.Errorf("data.dir is required")
		}
		if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
			return err
		}
		if _, err := mapBroadcastConfig(cfg); err != nil {
			return err
		}
		if _, err := mapAPIConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if err := a.adapter.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	if a.api.Enabled() {
		a.api.Start(a.sup.Context())
	}

	// Group discovery: GroupSeen events feed the discovered-recipients file.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("discovery.observe", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if e.Type != eventbus.TypeGroupSeen {
					continue
				}
				seen, ok := e.Data.(transport.GroupSeen)
				if !ok {
					continue
				}
				added, err := a.registry.Observe(seen.ID, seen.Name)
				if err != nil {
					a.log.Warn("recording discovered group", logx.String("id", seen.ID), logx.Err(err))
					continue
				}
				if added {
					a.log.Info("group discovered", logx.String("id", seen.ID), logx.String("name", seen.Name))
				}
			}
		}
	})

	// Config hot-reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	// No-op outside systemd.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated config into the live services. Storage
// changes need a restart; everything else applies in place.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	prevEnabled := a.sched.Enabled()
	bcfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(bcfg)
		if prevEnabled && !bcfg.Enabled {
			a.log.Info("broadcast disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		} else if !prevEnabled && bcfg.Enabled {
			a.log.Info("broadcast enabled via config")
			a.sched.Start(ctx)
		}
	}

	acfg, err := mapAPIConfig(cfg)
	if err != nil {
		a.log.Warn("invalid api config; keeping previous", logx.Err(err))
	} else {
		a.api.Reconfigure(ctx, acfg)
	}

	if sc, err := mapStorageConfig(cfg); err == nil && sc != a.storageCfg {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	a.sup.Cancel()

	a.api.Stop(ctx)
	a.sched.Stop(ctx)
	_ = a.adapter.Stop(ctx)

	if err := a.sup.Wait(ctx); err != nil && ctx.Err() != nil {
		a.log.Warn("shutdown timed out", logx.Err(err))
	}

	if err := a.store.Close(); err != nil {
		a.log.Warn("closing storage", logx.Err(err))
	}
	_ = a.logs.Close()
	return nil
}
