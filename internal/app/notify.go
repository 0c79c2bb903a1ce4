package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"regularly/internal/eventbus"
	logx "regularly/pkg/logx"
)

// Notifier delivers sd_notify(3) states. Outside systemd it reports false.
type Notifier interface {
	Notify(state string) (bool, error)
	WatchdogInterval() (time.Duration, error)
}

type sdNotifier struct{}

func (sdNotifier) Notify(state string) (bool, error) { return daemon.SdNotify(false, state) }

func (sdNotifier) WatchdogInterval() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) }

func (a *App) notify(states ...string) {
	for _, st := range states {
		if _, err := a.notifier.Notify(st); err != nil {
			a.log.Debug("sd_notify failed", logx.String("state", st), logx.Err(err))
		}
	}
}

func status(s string) string { return "STATUS=" + s }

func loadedStatus(l eventbus.Loaded) string {
	switch {
	case l.Err != nil:
		return "no rules: " + l.Err.Error()
	case l.Runnable == 0:
		return fmt.Sprintf("%d rules, none runnable", l.Rules)
	default:
		return fmt.Sprintf("%d rules, next run %s", l.Runnable, l.Next.UTC().Format(time.RFC3339))
	}
}

func finishedStatus(name string, f eventbus.Finished) string {
	return fmt.Sprintf("%s %s, next run %s", name, f.Outcome, f.Next.UTC().Format(time.RFC3339))
}

// watchdog pings systemd at half the configured interval from a cron job. It
// returns at once when the unit has no watchdog. cron.Every runs at whole
// seconds, so WatchdogSec below 2s gets a 1s ping.
func (a *App) watchdog(ctx context.Context) {
	every, err := a.notifier.WatchdogInterval()
	if err != nil {
		a.log.Warn("watchdog setting unreadable", logx.Err(err))
		return
	}
	if every <= 0 {
		return
	}
	every /= 2
	if every < time.Second {
		a.log.Warn("watchdog interval below cron resolution", logx.Duration("ping", every))
	}

	c := cron.New(cron.WithLocation(time.UTC))
	c.Schedule(cron.Every(every), cron.FuncJob(func() {
		a.notify(daemon.SdNotifyWatchdog)
	}))
	a.log.Debug("watchdog enabled", logx.Duration("ping", every))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
}

// track mirrors bus events into sd_notify states and the debug log.
func (a *App) track(ctx context.Context, events <-chan eventbus.Event, unsub func()) {
	defer unsub()
	rulesName := filepath.Base(a.cfg.RulesPath)
	reloading := false
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("kind", string(e.Kind)), logx.String("name", e.Name), logx.Time("time", e.Time))
			switch e.Kind {
			case eventbus.KindFileChanged:
				if !reloading && (e.Name == "" || e.Name == rulesName) {
					reloading = true
					a.notify(daemon.SdNotifyReloading)
				}
			case eventbus.KindRulesLoaded:
				l, _ := e.Data.(eventbus.Loaded)
				if reloading {
					reloading = false
					a.notify(daemon.SdNotifyReady)
				}
				a.notify(status(loadedStatus(l)))
			case eventbus.KindRuleFinished:
				f, _ := e.Data.(eventbus.Finished)
				a.notify(status(finishedStatus(e.Name, f)))
			}
		}
	}
}
