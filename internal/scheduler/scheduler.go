// Package scheduler runs the control loop: pick the rule due first, wait for it
// or for a change of the rule file, run it, apply the retry policy, re-slot it.
//
// Everything here runs on one goroutine. One command runs at a time and the
// rule table and due queue are never shared, so there are no locks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/time/rate"

	"regularly/internal/duequeue"
	"regularly/internal/eventbus"
	"regularly/internal/retry"
	"regularly/internal/rules"
	"regularly/internal/runner"
	logx "regularly/pkg/logx"
)

const (
	DefaultIdlePoll = 10 * time.Second
	DefaultMaxWait  = time.Hour

	// MinWait is the shortest wait; it keeps a not-yet-due rule from busy-looping.
	MinWait = time.Second

	idleWarnEvery = 10 * time.Minute
)

// Loader produces the rule table. Due times are computed relative to now.
type Loader interface {
	Load(now time.Time) ([]*rules.Rule, error)
}

// Executor runs one command to completion.
type Executor interface {
	Run(ctx context.Context, name, command string) runner.Outcome
}

type Config struct {
	// RulesName is the base name of the rule file; change events naming any
	// other entry are ignored.
	RulesName string
	IdlePoll  time.Duration
	MaxWait   time.Duration
	Clock     Clock
}

type state int

const (
	stateSelectNext state = iota
	stateWaitForEvent
	stateExecute
)

func (s state) String() string {
	switch s {
	case stateSelectNext:
		return "select"
	case stateWaitForEvent:
		return "wait"
	case stateExecute:
		return "execute"
	default:
		return "unknown"
	}
}

type Scheduler struct {
	cfg    Config
	log    logx.Logger
	clock  Clock
	loader Loader
	exec   Executor
	bus    eventbus.Bus

	changes <-chan eventbus.Event
	unsub   func()

	queue   *duequeue.Queue[*rules.Rule]
	loadErr error

	idleWarn rate.Sometimes
}

// New subscribes to file changes on bus immediately so no change published
// before Run is lost. The scheduler's own events never reach that subscription.
func New(cfg Config, loader Loader, exec Executor, bus eventbus.Bus, log logx.Logger) *Scheduler {
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = DefaultIdlePoll
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	if cfg.IdlePoll < MinWait {
		cfg.IdlePoll = MinWait
	}
	if cfg.MaxWait < MinWait {
		cfg.MaxWait = MinWait
	}
	clk := cfg.Clock
	if clk == nil {
		clk = realClock{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		cfg:      cfg,
		log:      log,
		clock:    clk,
		loader:   loader,
		exec:     exec,
		bus:      bus,
		queue:    duequeue.New(rules.DueOf),
		idleWarn: rate.Sometimes{First: 1, Interval: idleWarnEvery},
	}
	if bus != nil {
		s.changes, s.unsub = bus.Subscribe(64, eventbus.KindFileChanged)
	}
	return s
}

// Run loads the rules and drives the loop until ctx is cancelled. The only
// error it returns is a broken due queue, which the daemon treats as fatal.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.unsub != nil {
		defer s.unsub()
	}
	s.reload()

	var (
		st      = stateSelectNext
		wait    time.Duration
		runNext bool // the wait ends exactly at the head's due time
	)
	for ctx.Err() == nil {
		s.log.Trace("state", logx.Stringer("state", st))
		switch st {
		case stateSelectNext:
			st, wait, runNext = s.selectNext()

		case stateWaitForEvent:
			switch s.wait(ctx, wait) {
			case woke:
				if runNext {
					st = stateExecute
				} else {
					if s.queue.Len() == 0 && s.loadErr != nil {
						s.reload()
					}
					st = stateSelectNext
				}
			case changed:
				s.reload()
				st = stateSelectNext
			case cancelled:
				return nil
			}

		case stateExecute:
			if err := s.execute(ctx); err != nil {
				s.log.Error("due queue invariant violated", logx.Err(err))
				return err
			}
			// back-to-back runs never wait, so pick up changes made meanwhile
			if s.pendingChange() {
				s.reload()
			}
			st = stateSelectNext
		}
	}
	return nil
}

// selectNext decides between running the head now and waiting. The returned
// flag reports whether the wait, if it elapses, lands on the head's due time.
func (s *Scheduler) selectNext() (state, time.Duration, bool) {
	r, ok := s.queue.Peek()
	if !ok || r.Disabled {
		s.idleWarn.Do(func() {
			if !ok {
				s.log.Warn("no rules to run; waiting for the rule file to change", logx.Duration("poll", s.cfg.IdlePoll))
			} else {
				s.log.Warn("all rules disabled; waiting for the rule file to change", logx.Duration("poll", s.cfg.IdlePoll))
			}
		})
		return stateWaitForEvent, s.cfg.IdlePoll, false
	}

	now := s.clock.Now()
	if !r.Due.After(now) {
		return stateExecute, 0, false
	}
	remaining := r.Due.Sub(now)
	if remaining < MinWait {
		remaining = MinWait
	}
	if remaining > s.cfg.MaxWait {
		return stateWaitForEvent, s.cfg.MaxWait, false
	}
	s.log.Debug("next rule", logx.String("rule", r.DisplayName()), logx.Time("due", r.Due), logx.Duration("in", remaining))
	return stateWaitForEvent, remaining, true
}

type wakeup int

const (
	woke wakeup = iota
	changed
	cancelled
)

func (s *Scheduler) wait(ctx context.Context, d time.Duration) wakeup {
	timer := s.clock.After(d)
	for {
		select {
		case <-ctx.Done():
			return cancelled
		case <-timer:
			return woke
		case ev, ok := <-s.changes:
			if !ok {
				s.changes = nil
				continue
			}
			if s.touchesRules(ev) {
				return changed
			}
		}
	}
}

// pendingChange drains buffered change events without blocking.
func (s *Scheduler) pendingChange() bool {
	found := false
	for {
		select {
		case ev, ok := <-s.changes:
			if !ok {
				s.changes = nil
				return found
			}
			if s.touchesRules(ev) {
				found = true
			}
		default:
			return found
		}
	}
}

// touchesRules reports whether ev names the rule file. An empty name means
// the watcher lost events, which counts as a change.
func (s *Scheduler) touchesRules(ev eventbus.Event) bool {
	if ev.Kind != eventbus.KindFileChanged {
		return false
	}
	if ev.Name != "" && ev.Name != s.cfg.RulesName {
		s.log.Trace("ignoring change", logx.String("name", ev.Name))
		return false
	}
	s.log.Info("rule file changed; reloading", logx.String("name", ev.Name))
	return true
}

// execute runs the head rule synchronously, then re-slots it.
func (s *Scheduler) execute(ctx context.Context) error {
	r, ok := s.queue.Peek()
	if !ok {
		return nil
	}
	name := r.DisplayName()
	s.log.Info("running rule", logx.String("rule", name), logx.String("command", r.Command))

	out := s.exec.Run(ctx, name, r.Command)
	if ctx.Err() != nil && out.Kind != runner.Exited {
		// shutdown killed the command; its outcome says nothing about the rule
		return nil
	}

	now := s.clock.Now()
	d := retry.Decide(r, out.OK(), now)
	d.Apply(r)

	fields := []logx.Field{
		logx.String("rule", name),
		logx.Stringer("outcome", out),
		logx.Duration("took", out.Took),
		logx.Time("next", r.Due),
	}
	switch {
	case out.OK():
		s.log.Info("rule finished", fields...)
	case d.SlowedDown:
		s.log.Warn("rule failed; slowing down", append(fields,
			logx.String("command", r.Command),
			logx.Stringer("interval", r.Interval),
			logx.Stringer("failing", r.Failing))...)
	default:
		s.log.Warn("rule failed", append(fields,
			logx.String("command", r.Command),
			logx.Int("retries_remaining", r.RetriesRemaining))...)
	}

	at, err := s.queue.Reposition(0)
	if err != nil {
		return fmt.Errorf("reposition %q: %w", name, err)
	}
	if err := s.queue.CheckAround(at); err != nil {
		return fmt.Errorf("reposition %q: %w", name, err)
	}

	s.publish(eventbus.Event{
		Kind: eventbus.KindRuleFinished,
		Name: name,
		Data: eventbus.Finished{
			Outcome:    out.String(),
			OK:         out.OK(),
			SlowedDown: d.SlowedDown,
			Interval:   r.Interval.String(),
			Next:       r.Due,
			Took:       out.Took,
		},
	})
	return nil
}

// reload rebuilds the rule table and due queue from scratch. A failed load
// leaves zero rules; the loop then idles until the file changes.
func (s *Scheduler) reload() {
	now := s.clock.Now()
	rs, err := s.loader.Load(now)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.log.Warn("rule file missing", logx.Err(err))
		} else {
			s.log.Warn("rule file load failed", logx.Err(err))
		}
		rs = nil
	}
	s.loadErr = err
	s.queue = duequeue.NewFrom(rules.DueOf, rs)

	loaded := eventbus.Loaded{Rules: len(rs), Err: err}
	for _, r := range rs {
		if !r.Disabled {
			loaded.Runnable++
		}
	}
	if head, ok := s.queue.Peek(); ok && !head.Disabled {
		loaded.Next = head.Due
	}
	s.log.Info("rules loaded", logx.Int("rules", loaded.Rules), logx.Int("runnable", loaded.Runnable), logx.Time("next", loaded.Next))
	s.publish(eventbus.Event{Kind: eventbus.KindRulesLoaded, Data: loaded})
}

func (s *Scheduler) publish(ev eventbus.Event) {
	if s.bus == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = s.clock.Now()
	}
	s.bus.Publish(ev)
}
