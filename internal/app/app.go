// Package app wires the daemon: configuration, logging, the dispatch loop,
// the poll orchestrator and the bus-facing services around it.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	godbus "github.com/godbus/dbus/v5"

	"accountpolld/internal/accounts"
	"accountpolld/internal/auth"
	"accountpolld/internal/config"
	"accountpolld/internal/eventbus"
	"accountpolld/internal/helper"
	"accountpolld/internal/poll"
	"accountpolld/internal/push"
	"accountpolld/internal/registry"
	"accountpolld/internal/runtime/supervisor"
	"accountpolld/internal/schedule"
	"accountpolld/internal/storage"
	dbustransport "accountpolld/internal/transport/dbus"
	logx "accountpolld/pkg/logx"
	"accountpolld/pkg/systemd"
)

// Options are the command-line inputs of the daemon.
type Options struct {
	ConfigPath string
	// Overrides are keyed by dotted config path (config.Key*).
	Overrides map[string]any
}

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	conn   *godbus.Conn
	server *dbustransport.Server

	accounts *accounts.FileStore
	loop     *poll.Loop
	launcher *helper.Launcher
	orch     *poll.Orchestrator
	trigger  *schedule.Trigger
}

// New loads the configuration, starts logging, opens the history store and
// connects to the bus. Nothing runs until Start.
func New(opts Options) (*App, error) {
	cfgm := config.NewConfigManager(opts.ConfigPath)
	cfgm.SetOverrides(opts.Overrides)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfgm: cfgm,
		log:  log,
		logs: logSvc,
		bus:  eventbus.New(),
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, errors.Wrap(err, "open history")
		}
		a.store = st
		log.Info("poll history enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	conn, err := dbustransport.Connect(cfg.DBus.Bus)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.conn = conn
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return validateReload(c) })

	hc, err := mapHelperConfig(cfg)
	if err != nil {
		return err
	}

	a.loop = poll.NewLoop(a.log.With(logx.String("comp", "loop")))
	a.sup.Go("dispatch", a.loop.Run)

	store := accounts.NewFileStore(cfg.Accounts.PathOrDefault())
	a.accounts = store
	a.launcher = helper.NewLauncher(hc, a.loop.Post, helper.WithLogger(a.log.With(logx.String("comp", "helper"))))

	a.orch = poll.New(runCtx, poll.Deps{
		Loop:       a.loop,
		Enumerator: a.enumerator(cfg.Plugins.RegistryPath()),
		Auth:       auth.NewCoordinator(store, a.loop.Post, a.log.With(logx.String("comp", "auth"))),
		Launcher:   a.launcher,
		Poster:     a.poster(cfg),
		Bus:        a.bus,
		Log:        a.log.With(logx.String("comp", "poll")),
	})

	a.server = dbustransport.NewServer(a.conn, cfg.DBus.NameOrDefault(), a.orch, a.log.With(logx.String("comp", "dbus")))
	a.orch.OnComplete(func(poll.Summary) {
		if err := a.server.Done(); err != nil {
			a.log.Warn("Done signal not sent", logx.Err(err))
		}
	})

	if a.store != nil {
		rec := storage.NewRecorder(a.store, a.bus, a.log.With(logx.String("comp", "history")))
		a.sup.Go("history", rec.Run)
	}
	a.startEventLog()

	a.trigger = schedule.NewTrigger(mapScheduleConfig(cfg), a.orch.RunCycle, a.log.With(logx.String("comp", "schedule")))
	if err := a.trigger.Start(); err != nil {
		return err
	}

	if err := a.server.Start(); err != nil {
		return err
	}

	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify READY failed", logx.Err(err))
	} else if sent {
		a.log.Debug("notified systemd: ready")
	}
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return systemd.Watchdog(c, a.healthy)
	})

	a.startReloader()
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("account-polld started",
		logx.String("bus_name", a.server.Name()),
		logx.String("registry", cfg.Plugins.RegistryPath()),
		logx.String("accounts", store.Path()),
	)
	return nil
}

func (a *App) enumerator(registryPath string) *poll.Enumerator {
	return poll.NewEnumerator(
		registry.File{Path: registryPath},
		a.accounts,
		a.log.With(logx.String("comp", "enumerator")),
	)
}

func (a *App) poster(cfg *config.Config) push.Poster {
	log := a.log.With(logx.String("comp", "push"))
	if strings.EqualFold(strings.TrimSpace(cfg.Push.Driver), "log") {
		return push.LogPoster{Log: log}
	}
	return push.NewPostal(a.conn, log)
}

// healthy reports whether the dispatch loop answers within a second.
func (a *App) healthy() bool {
	ctx, cancel := context.WithTimeout(a.sup.Context(), time.Second)
	defer cancel()
	return a.loop.Call(ctx, func() {}) == nil
}

// startEventLog mirrors poll events into the debug log.
func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	log := a.log.With(logx.String("comp", "events"))
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if log.Enabled(logx.LevelDebug) {
					log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
				}
			}
		}
	})
}

// startReloader applies hot-reloadable sections. Bus, push, accounts and
// storage settings only take effect after a restart.
func (a *App) startReloader() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.apply(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) apply(oldCfg, newCfg *config.Config) {
	changed, restartOnly, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restartOnly) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restartOnly, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if hc, err := mapHelperConfig(newCfg); err != nil {
		a.log.Warn("invalid plugin config; keeping previous", logx.Err(err))
	} else {
		a.orch.SetLauncherConfig(hc)
	}

	if oldPath, newPath := oldCfg.Plugins.RegistryPath(), newCfg.Plugins.RegistryPath(); oldPath != newPath {
		a.orch.SetEnumerator(a.enumerator(newPath))
		a.log.Info("plugin registry switched", logx.String("from", oldPath), logx.String("to", newPath))
	}

	if err := a.trigger.Apply(mapScheduleConfig(newCfg)); err != nil {
		a.log.Warn("schedule not applied", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStore()
		a.closeConn()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify STOPPING failed", logx.Err(err))
	}

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Triggers first so no cycle starts while we unwind.
	step("schedule", time.Second, func(context.Context) error {
		if a.trigger != nil {
			a.trigger.Stop()
		}
		return nil
	})
	step("dbus", time.Second, func(context.Context) error {
		if a.server != nil {
			a.server.Stop()
		}
		return nil
	})
	step("plugins", 2*time.Second, func(c context.Context) error {
		if a.orch == nil {
			return nil
		}
		n, err := a.orch.Shutdown(c)
		if n > 0 {
			a.log.Info("killed running plugins", logx.Int("count", n))
		}
		return err
	})

	a.sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.closeStore() })
	a.closeConn()

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}

func (a *App) closeConn() {
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
}
