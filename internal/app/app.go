package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"remindbot/internal/bot"
	"remindbot/internal/config"
	"remindbot/internal/delivery"
	"remindbot/internal/dispatch"
	"remindbot/internal/eventbus"
	"remindbot/internal/schedule"
	"remindbot/internal/scheduler"
	"remindbot/internal/store"
	logx "remindbot/pkg/logx"
)

// App wires the whole bot together: config, logging, job store, trigger
// engine, dispatcher and the Telegram command layer.
type App struct {
	cfgPath string

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store store.Store
	bot   *bot.Service
	disp  *dispatch.Service
	sched *scheduler.Service

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(ctx context.Context, cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
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

	st, err := store.Open(ctx, store.Config{
		Driver:      cfg.Storage.Driver,
		DSN:         cfg.Storage.DSN,
		Path:        cfg.Storage.Path,
		BusyTimeout: config.DurationOr(cfg.Storage.BusyTimeout, 0),
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info("store opened", logx.String("driver", cfg.Storage.Driver))

	schedSvc, err := scheduler.New(scheduler.Config{
		Timezone:           cfg.Scheduler.Timezone,
		ReapInterval:       config.DurationOr(cfg.Scheduler.ReapInterval, 0),
		PollInterval:       config.DurationOr(cfg.Scheduler.PollInterval, 0),
		DefaultMaxAttempts: cfg.Dispatcher.DefaultMaxAttempts,
		Retention:          retentionKeep(cfg.Retention),
		RetentionSweep:     retentionSweep(cfg.Retention),
	}, st, nil, log.With(logx.String("comp", "scheduler")))
	if err != nil {
		st.Close()
		logSvc.Close()
		return nil, err
	}

	botSvc, err := bot.New(bot.Config{
		Token:       cfg.Telegram.Token,
		AdminChatID: cfg.Telegram.AdminChatID,
		PollTimeout: config.DurationOr(cfg.Telegram.PollTimeout, 0),
	}, schedSvc, log.With(logx.String("comp", "telegram")))
	if err != nil {
		st.Close()
		logSvc.Close()
		return nil, err
	}

	sender := delivery.NewTelegramSender(botSvc.Bot())

	dispSvc := dispatch.New(dispatch.Config{
		Workers:         cfg.Dispatcher.Workers,
		QueueSize:       cfg.Dispatcher.QueueSize,
		ClaimBatch:      cfg.Dispatcher.ClaimBatch,
		Lease:           config.DurationOr(cfg.Dispatcher.LeaseDuration, 0),
		SendTimeout:     config.DurationOr(cfg.Dispatcher.SendTimeout, 0),
		BackoffBase:     config.DurationOr(cfg.Dispatcher.BackoffBase, 0),
		BackoffCap:      config.DurationOr(cfg.Dispatcher.BackoffCap, 0),
		BackoffJitter:   cfg.Dispatcher.BackoffJitter,
		UnknownRetryCap: cfg.Dispatcher.UnknownRetryCap,
		RatePerSec:      ratePerSec(cfg.Dispatcher.RatePerSec),
		CatchUp:         catchUpPolicy(cfg.Scheduler.CatchUp),
		ReplayBound:     cfg.Scheduler.ReplayBound,
		Location:        schedSvc.Location(),
	}, st, sender, bus, log.With(logx.String("comp", "dispatch")))

	dispSvc.SetRearmer(schedSvc)
	schedSvc.SetDispatcher(dispSvc)

	return &App{
		cfgPath: cfgPath,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   st,
		bot:     botSvc,
		disp:    dispSvc,
		sched:   schedSvc,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	// Dispatcher first so recovery-armed jobs can be claimed right away.
	a.disp.Start(runCtx)
	if err := a.sched.Start(runCtx); err != nil {
		a.disp.Stop(context.Background())
		cancel()
		return err
	}
	if err := a.bot.Start(runCtx); err != nil {
		a.sched.Stop(context.Background())
		a.disp.Stop(context.Background())
		cancel()
		return err
	}

	a.watchEvents(runCtx)

	if err := config.Watch(runCtx, a.cfgPath, a.log.With(logx.String("comp", "config")), a.applyReload); err != nil {
		// Hot reload is a convenience; run without it rather than failing.
		a.log.Warn("config watch unavailable", logx.Err(err))
	}

	a.log.Info("app started")
	return nil
}

// watchEvents forwards terminal failures to the admin chat.
func (a *App) watchEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if e.Type != eventbus.EventJobFailed {
					continue
				}
				je, ok := e.Data.(eventbus.JobEvent)
				if !ok {
					continue
				}
				msg := fmt.Sprintf("reminder %s failed after %d attempt(s)", shortID(je.JobID), je.Attempt)
				if je.Error != "" {
					msg += ": " + je.Error
				}
				a.bot.NotifyAdmin(msg)
			}
		}
	}()
}

// applyReload applies the hot-reloadable subset of the config: log level
// and sinks, and the outbound send rate. Storage and telegram changes
// need a restart.
func (a *App) applyReload(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.disp.SetRate(ratePerSec(cfg.Dispatcher.RatePerSec))
	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) {
	a.log.Info("stopping")
	if a.cancel != nil {
		a.cancel()
	}

	// One component must not stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context)) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan struct{})
		go func() {
			defer close(done)
			fn(stepCtx)
		}()
		select {
		case <-done:
			a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached", logx.String("name", name))
		}
	}

	// Triggers stop first, then in-flight deliveries drain, then polling.
	step("scheduler", 2*time.Second, func(c context.Context) { a.sched.Stop(c) })
	step("dispatcher", 5*time.Second, func(c context.Context) { a.disp.Stop(c) })
	step("telegram", 3*time.Second, func(c context.Context) { _ = a.bot.Stop(c) })

	a.wg.Wait()

	if err := a.store.Close(); err != nil {
		a.log.Warn("store close", logx.Err(err))
	}
	a.log.Info("stopped")
	a.logs.Close()
}

func catchUpPolicy(s string) schedule.CatchUpPolicy {
	if strings.EqualFold(strings.TrimSpace(s), "replay") {
		return schedule.CatchUpReplay
	}
	return schedule.CatchUpCoalesce
}

func ratePerSec(v int) int {
	if v == 0 {
		return 25 // Telegram bot-wide sane default
	}
	if v < 0 {
		return 0
	}
	return v
}

func retentionKeep(r *config.RetentionConfig) time.Duration {
	if r == nil || !r.Enabled {
		return 0
	}
	return config.DurationOr(r.Keep, 720*time.Hour)
}

func retentionSweep(r *config.RetentionConfig) time.Duration {
	if r == nil || !r.Enabled {
		return 0
	}
	return config.DurationOr(r.SweepInterval, time.Hour)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
