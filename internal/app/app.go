// Package app wires configuration, logging, the rule watcher and the scheduler
// into one supervised daemon.
package app

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/afero"

	"regularly/internal/config"
	"regularly/internal/eventbus"
	"regularly/internal/rules"
	"regularly/internal/runner"
	"regularly/internal/runtime/supervisor"
	"regularly/internal/scheduler"
	"regularly/internal/watch"
	logx "regularly/pkg/logx"
)

type App struct {
	cfg *config.Config

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	output   io.WriteCloser
	watcher  *watch.Watcher
	sched    *scheduler.Scheduler
	notifier Notifier

	sup *supervisor.Supervisor
}

type Option func(*App)

// WithNotifier replaces the sd_notify transport.
func WithNotifier(n Notifier) Option {
	return func(a *App) { a.notifier = n }
}

func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: nil config")
	}
	logSvc, log := logx.New(cfg.Logging)
	log = log.With(logx.String("comp", "app"))

	var output io.WriteCloser
	if cfg.Output.Path != "" {
		output = logx.NewRollingFile(cfg.Output.Path, cfg.Output.MaxSizeMB, cfg.Output.MaxBackups, cfg.Output.MaxAgeDays)
	}

	bus := eventbus.New()

	loader := &rules.Loader{
		Fs:         afero.NewOsFs(),
		Path:       cfg.RulesPath,
		Log:        log.With(logx.String("comp", "rules")),
		RunNowOnce: cfg.RunNow,
	}

	rcfg := runner.Config{Shell: cfg.Shell, Dir: cfg.Dir}
	if output != nil {
		rcfg.Output = output
	}
	run := runner.New(rcfg, log.With(logx.String("comp", "runner")))

	watcher := watch.New(filepath.Dir(cfg.RulesPath), bus, log.With(logx.String("comp", "watch")))

	sched := scheduler.New(scheduler.Config{
		RulesName: filepath.Base(cfg.RulesPath),
		IdlePoll:  cfg.IdlePoll,
		MaxWait:   cfg.MaxWait,
	}, loader, run, bus, log.With(logx.String("comp", "scheduler")))

	a := &App{
		cfg:      cfg,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		output:   output,
		watcher:  watcher,
		sched:    sched,
		notifier: sdNotifier{},
	}
	for _, o := range opts {
		o(a)
	}
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

// Start opens the rule directory watch and launches the loops. A watch that
// cannot be established is returned as an error; the daemon cannot work without it.
func (a *App) Start(ctx context.Context) error {
	a.log.Info("starting",
		logx.String("dir", a.cfg.Dir),
		logx.String("rules", a.cfg.RulesPath),
		logx.String("shell", strings.Join(a.cfg.Shell, " ")),
		logx.String("output", a.cfg.Output.Path),
		logx.String("settings", a.cfg.Source),
		logx.Bool("run_now", a.cfg.RunNow),
	)
	if err := a.watcher.Open(); err != nil {
		a.log.Error("cannot watch rule directory", logx.Err(err))
		return err
	}

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("status", func(c context.Context) { a.track(c, events, unsub) })
	a.sup.Go("watch", a.watcher.Run)
	a.sup.Go("scheduler", a.sched.Run)
	a.sup.Go0("watchdog", a.watchdog)

	a.notify(daemon.SdNotifyReady)
	return nil
}

// Stop cancels every loop, waits for them up to ctx and releases the sinks.
// An executing command gets SIGTERM and the runner's grace period.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeSinks()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify(daemon.SdNotifyStopping)

	start := time.Now()
	err := a.sup.Stop(ctx)
	if err != nil && ctx.Err() != nil {
		a.log.Warn("stop deadline reached (continuing)", logx.Err(err), logx.Duration("elapsed", time.Since(start)))
	} else {
		a.log.Info("stopped", logx.Duration("took", time.Since(start)))
	}
	a.closeSinks()
	return err
}

func (a *App) closeSinks() {
	if a.output != nil {
		_ = a.output.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
