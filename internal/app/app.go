package app

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
	"time"

	"rentwatch/internal/bot"
	"rentwatch/internal/config"
	"rentwatch/internal/diff"
	"rentwatch/internal/eventbus"
	"rentwatch/internal/model"
	"rentwatch/internal/notify"
	"rentwatch/internal/observability/httpd"
	"rentwatch/internal/poller"
	"rentwatch/internal/runtime/supervisor"
	"rentwatch/internal/search"
	"rentwatch/internal/storage"
	kit "rentwatch/internal/transport"
	telegram "rentwatch/internal/transport/telegram/adapter"
	logx "rentwatch/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter
	search  *search.Client
	diff    *classifier
	notif   *notify.Notifier
	poller  *poller.Scheduler
	bot     *bot.Bot
	httpd   *httpd.Server

	updates chan kit.Update
}

// classifier lets the diff cap change on reload without racing the poller.
type classifier struct {
	eng atomic.Pointer[diff.Engine]
}

func (c *classifier) set(snaps diff.SnapshotReader, max int) {
	c.eng.Store(&diff.Engine{Snapshots: snaps, MaxPerCycle: max})
}

func (c *classifier) Classify(ctx context.Context, listings []model.Listing, chatID int64) ([]model.Classified, error) {
	return c.eng.Load().Classify(ctx, listings, chatID)
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram"))
	pollTimeout, err := config.Duration("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Bootstrap with the chat sink off, set its target, then apply the
	// final config so Apply does not warn about a missing target.
	logCfg := mapLogging(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	logSvc.SetTelegramTarget(logTarget(cfg), cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	a, err := build(cfg, deps{log: log, sender: ad, store: store})
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}
	a.cfgm = cfgm
	a.logs = logSvc
	a.adapter = ad
	return a, nil
}

type deps struct {
	log    logx.Logger
	sender interface {
		kit.Sender
		kit.AlbumSender
	}
	store storage.Store
}

// build wires the pipeline and the command surface around an open store.
func build(cfg *config.Config, d deps) (*App, error) {
	log := d.log
	bus := eventbus.New()

	scfg, err := mapSearch(cfg)
	if err != nil {
		return nil, err
	}
	client := search.New(scfg, nil, log)

	ncfg, err := mapNotify(cfg)
	if err != nil {
		return nil, err
	}
	notif := notify.New(ncfg, notify.Deps{
		Sender:    d.sender,
		Albums:    d.sender,
		Snapshots: d.store,
		Bus:       bus,
		Log:       log,
	})

	cls := &classifier{}
	cls.set(d.store, maxPerCycle(cfg))

	pcfg, err := mapPoll(cfg, ncfg)
	if err != nil {
		return nil, err
	}
	sched, err := poller.New(pcfg, poller.Deps{
		Monitors:   d.store,
		Fetcher:    client,
		Classifier: cls,
		Notifier:   notif,
		Alerts:     d.sender,
		Bus:        bus,
		Log:        log,
	})
	if err != nil {
		return nil, err
	}

	bcfg, err := mapBot(cfg)
	if err != nil {
		return nil, err
	}
	b := bot.New(bcfg, bot.Deps{
		Sender:    d.sender,
		Store:     d.store,
		Locations: client.Locations(),
		Poller:    sched,
		Log:       log,
	})

	a := &App{
		log:     log,
		bus:     bus,
		store:   d.store,
		search:  client,
		diff:    cls,
		notif:   notif,
		poller:  sched,
		bot:     b,
		updates: make(chan kit.Update, 256),
	}
	if hc := mapHTTP(cfg); hc.Enabled {
		a.httpd = httpd.New(hc, httpd.Deps{Poller: sched, Goroutines: a.goroutines, Log: log})
	}
	return a, nil
}

// Bus exposes the event bus to the process entry point.
func (a *App) Bus() eventbus.Bus { return a.bus }

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

func (a *App) goroutines() map[string][]supervisor.GoroutineStats {
	out := map[string][]supervisor.GoroutineStats{}
	if a.sup != nil {
		out["app"] = a.sup.Snapshot()
	}
	if a.adapter != nil {
		if sup := a.adapter.Supervisor(); sup != nil {
			out["telegram"] = sup.Snapshot()
		}
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		// Reject reloads whose durations or schedule would fail to apply.
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			if _, err := mapSearch(cfg); err != nil {
				return err
			}
			ncfg, err := mapNotify(cfg)
			if err != nil {
				return err
			}
			pcfg, err := mapPoll(cfg, ncfg)
			if err != nil {
				return err
			}
			if _, _, err := poller.ParseCadence(pcfg.Interval, pcfg.Schedule); err != nil {
				return fmt.Errorf("poll.schedule: %w", err)
			}
			if _, err := mapBot(cfg); err != nil {
				return err
			}
			return nil
		})
	}

	if a.adapter != nil {
		if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
	}
	a.bot.PublishMenu(a.sup.Context())

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.bot.DispatchLoop(c, a.updates)
	})
	a.sup.GoRestart("poller.run", a.poller.Run,
		supervisor.WithRestartBackoff(time.Minute, 30*time.Minute),
		supervisor.WithStopOnCleanExit(true),
	)
	if a.httpd != nil {
		// The status server is optional; keep it restarting instead of
		// taking the app down.
		a.sup.GoRestart("http.serve", a.httpd.Run,
			supervisor.WithRestartBackoff(500*time.Millisecond, 30*time.Second),
			supervisor.WithStopOnCleanExit(true),
		)
	}

	events, unsub := a.bus.Subscribe(128)
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.cfgm != nil {
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
					// Coalesce bursts: keep only the latest config.
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
					a.applyConfig(lastApplied, newCfg)
					lastApplied = newCfg
				}
			}
		})

		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.log.Info("app started", logx.String("cadence", a.poller.Cadence()))
	return nil
}

// applyConfig pushes a validated config into the running components.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if a.logs != nil {
		a.logs.SetTelegramTarget(logTarget(newCfg), newCfg.Logging.Telegram.ThreadID)
		a.logs.Apply(mapLogging(newCfg))
	}

	if bcfg, err := mapBot(newCfg); err != nil {
		a.log.Warn("invalid sessions config; keeping previous", logx.Err(err))
	} else {
		a.bot.Apply(bcfg)
	}

	a.search.SetLocations(newCfg.Search.Locations)
	if searchNeedsRestart(oldCfg, newCfg) {
		a.log.Warn("search config changed; only search.locations applies without restart")
	}

	ncfg, err := mapNotify(newCfg)
	if err != nil {
		a.log.Warn("invalid notify config; keeping previous", logx.Err(err))
		ncfg = a.notif.Config()
	} else {
		a.notif.Apply(ncfg)
	}
	a.diff.set(a.store, maxPerCycle(newCfg))
	if pcfg, err := mapPoll(newCfg, ncfg); err != nil {
		a.log.Warn("invalid poll config; keeping previous", logx.Err(err))
	} else if err := a.poller.Apply(pcfg); err != nil {
		a.log.Warn("poll schedule rejected; keeping previous", logx.Err(err))
	}

	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func searchNeedsRestart(oldCfg, newCfg *config.Config) bool {
	o, n := oldCfg.Search, newCfg.Search
	o.Locations, n.Locations = nil, nil
	return !reflect.DeepEqual(o, n)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so every loop starts unwinding.
	a.sup.Cancel()

	// step bounds one shutdown stage so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// never extend the caller's deadline
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

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

	step("adapter", 2*time.Second, func(c context.Context) error {
		if a.adapter == nil {
			return nil
		}
		return a.adapter.Stop(c)
	})
	// Supervised loops (poller, dispatcher, config, http) before the store
	// they write to.
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
