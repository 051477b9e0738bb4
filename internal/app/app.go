// Package app wires the components together: config, logging, storage,
// the poller, the dispatcher and the Discord adapter.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"trackerwatch/internal/config"
	"trackerwatch/internal/eventbus"
	"trackerwatch/internal/monitor"
	"trackerwatch/internal/notifier"
	"trackerwatch/internal/provider"
	"trackerwatch/internal/ratelimit"
	"trackerwatch/internal/runtime/supervisor"
	"trackerwatch/internal/storage"
	"trackerwatch/internal/transport/discord"
	logx "trackerwatch/pkg/logx"
)

// StopReason labels why the app is shutting down, for the logs.
type StopReason string

const (
	StopSignal StopReason = "signal"
	StopFatal  StopReason = "fatal"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	bot        *discord.Bot
	limiter    *ratelimit.Limiter
	dispatcher *notifier.Dispatcher
	poller     *monitor.Poller
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(context.Background(), cfg); err != nil {
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

	mon, err := config.ResolveMonitor(cfg.Monitor)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	stor, err := config.ResolveStorage(cfg.Storage)
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	store, err := storage.Open(storage.Config{
		Driver:      stor.Driver,
		Path:        stor.Path,
		BusyTimeout: stor.BusyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	bus := eventbus.New()

	bot, err := discord.New(discord.Config{
		Token:   cfg.Discord.Token,
		GuildID: cfg.Discord.GuildID,
	}, store, log.With(logx.String("comp", "discord")))
	if err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}

	prov := provider.NewHTTP(provider.Config{
		BaseURL: mon.Endpoint,
		Timeout: mon.FetchTimeout,
	})

	limiter := ratelimit.New(mon.APIInterval)
	detector := monitor.NewDetector(store, log.With(logx.String("comp", "detector")))

	disp := config.ResolveDispatch(cfg.Dispatch)
	dispatcher := notifier.NewDispatcher(bot, bus, notifier.Config{
		Workers:     disp.Workers,
		QueueSize:   disp.QueueSize,
		SendTimeout: mon.SendTimeout,
	}, log.With(logx.String("comp", "dispatcher")))

	poller := monitor.NewPoller(store, prov, limiter, detector, dispatcher, bus, monitor.Config{
		PollInterval: mon.PollInterval,
		FetchTimeout: mon.FetchTimeout,
	}, log.With(logx.String("comp", "poller")))
	bot.SetRefresher(poller)

	return &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		bot:        bot,
		limiter:    limiter,
		dispatcher: dispatcher,
		poller:     poller,
	}, nil
}

// Done is closed when the app run context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(config.Validate)

	if err := a.bot.Start(a.sup.Context()); err != nil {
		return err
	}
	a.dispatcher.Start(a.sup.Context())
	if err := a.poller.Start(a.sup.Context()); err != nil {
		return err
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// reloadLoop applies validated config updates to the running components.
// Logging, monitor timing and dispatch timeouts apply live; discord and
// storage changes need a restart and are only warned about.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
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
			sections, attrs := config.SummarizeChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}

			for _, s := range sections {
				if s == "storage" || s == "discord" {
					a.log.Warn("config section changed; restart required to take effect",
						logx.String("section", s))
				}
			}

			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})

			// The validator already vetted these durations.
			if mon, err := config.ResolveMonitor(newCfg.Monitor); err == nil {
				a.limiter.SetInterval(mon.APIInterval)
				a.poller.SetInterval(mon.PollInterval)
				a.poller.SetFetchTimeout(mon.FetchTimeout)
				a.dispatcher.SetSendTimeout(mon.SendTimeout)
			}

			fields := append([]logx.Field{
				logx.String("changed", strings.Join(sections, ",")),
			}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Bound each shutdown step so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	// Poller first so no new transitions are produced, then drain the
	// dispatcher, then drop the session that deliveries go through.
	step("poller", 5*time.Second, a.poller.Stop)
	step("dispatcher", 10*time.Second, a.dispatcher.Stop)
	step("discord", 2*time.Second, func(context.Context) error { a.bot.Stop(); return nil })
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
