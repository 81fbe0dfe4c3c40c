package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"

	"dare/internal/config"
	"dare/internal/eventbus"
	"dare/internal/notifier"
	"dare/internal/portal"
	"dare/internal/registration"
	"dare/internal/runtime/supervisor"
	"dare/internal/storage"
	"dare/internal/task"
	logx "dare/pkg/logx"
)

// App wires the job supervisor to logging, storage, the notifier and the
// portal.
type App struct {
	cfg *config.App

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	notif *notifier.Service
	tasks *task.Manager
	sup   *supervisor.Supervisor

	portalCfg portal.Config
	loopCfg   registration.LoopConfig
	recorder  registration.Recorder

	// OnStatus, if set, receives a one-line summary whenever the set of
	// running jobs changes.
	OnStatus func(status string)
}

func NewApp(cfgPath string) (*App, error) {
	cfg, err := config.LoadApp(cfgPath)
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
	a := &App{cfg: cfg, logs: logSvc, log: log.With(logx.String("comp", "app")), bus: eventbus.New()}

	// Storage (optional)
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, a.abort(err)
		}
		a.store = st
		a.recorder = auditRecorder{store: st}
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	sinks := []notifier.Sink{notifier.NewDiscordSink(cleanhttp.DefaultPooledClient(), "")}
	if tok := strings.TrimSpace(cfg.Notifier.TelegramToken); tok != "" {
		ts, err := notifier.NewTelegramSink(tok, "", nil)
		if err != nil {
			return nil, a.abort(fmt.Errorf("notifier.telegram_token: %w", err))
		}
		sinks = append(sinks, ts)
	}
	a.notif = notifier.New(ncfg, sinks, log, a.bus, a.store)

	if a.portalCfg, err = mapPortalConfig(cfg); err != nil {
		return nil, a.abort(err)
	}
	if a.loopCfg, err = mapLoopConfig(cfg); err != nil {
		return nil, a.abort(err)
	}
	health, err := portal.New(a.portalCfg, log.With(logx.String("comp", "health")))
	if err != nil {
		return nil, a.abort(err)
	}

	tcfg, err := mapTaskConfig(cfg)
	if err != nil {
		return nil, a.abort(err)
	}
	a.tasks = task.New(tcfg, task.Deps{
		Factory: a.buildJob,
		Health:  health,
		Bus:     a.bus,
	}, log.With(logx.String("comp", "supervisor")))
	return a, nil
}

// abort releases what NewApp opened before failing.
func (a *App) abort(err error) error {
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.logs.Close()
	return err
}

// Config is the effective process configuration.
func (a *App) Config() *config.App { return a.cfg }

// Run starts the notifier and runs jobs until ctx is done or, with
// exit_when_idle, every job has ended. It always shuts down before
// returning.
func (a *App) Run(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log))

	// Jobs still notify while they stop, so the notifier outlives ctx and
	// is stopped explicitly.
	if a.notif.Enabled() {
		a.notif.Start(context.WithoutCancel(ctx))
		a.log.Info("notifier enabled", logx.Strings("sinks", a.notif.Sinks()))
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Int64("goroutines", a.sup.Counters().Active))
				if je, ok := e.Data.(eventbus.JobEvent); ok && a.OnStatus != nil {
					a.OnStatus(fmt.Sprintf("%d job(s) running", je.Live))
				}
			}
		}
	})

	a.log.Info("app started", logx.String("config_dir", a.cfg.Supervisor.ConfigDir))
	err := a.tasks.Run(a.sup.Context())
	reason := StopIdle
	switch {
	case err != nil:
		reason = StopFatalError
	case ctx.Err() != nil:
		reason = StopSignal
	}
	a.stop(reason)
	return err
}

func (a *App) stop(reason StopReason) {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// Bound each step so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(ctx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-ctx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("notifier", 10*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	_ = a.logs.Close()
}
