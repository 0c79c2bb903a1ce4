package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regularly/internal/eventbus"
	"regularly/internal/interval"
	"regularly/internal/rules"
	"regularly/internal/runner"
	logx "regularly/pkg/logx"
)

var t0 = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

// fakeClock either jumps forward by every requested wait (auto) or hands out
// timers that never fire.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	auto  bool
	waits []time.Duration

	// cancel is called once stopAfter waits were requested
	stopAfter int
	cancel    context.CancelFunc
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waits = append(c.waits, d)
	if c.stopAfter > 0 && len(c.waits) >= c.stopAfter {
		c.cancel()
	}
	ch := make(chan time.Time, 1)
	if c.auto {
		c.now = c.now.Add(d)
		ch <- c.now
	}
	return ch
}

func (c *fakeClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

type run struct {
	name string
	at   time.Time
}

// fakeExec records runs and cancels the loop after limit runs.
type fakeExec struct {
	mu     sync.Mutex
	clock  *fakeClock
	runs   []run
	fail   map[string]bool
	limit  int
	cancel context.CancelFunc
}

func (e *fakeExec) Run(_ context.Context, name, _ string) runner.Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runs = append(e.runs, run{name: name, at: e.clock.Now()})
	if e.limit > 0 && len(e.runs) >= e.limit {
		e.cancel()
	}
	if e.fail[name] {
		return runner.Outcome{Kind: runner.Exited, Code: 1}
	}
	return runner.Outcome{Kind: runner.Exited}
}

func (e *fakeExec) Runs() []run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]run(nil), e.runs...)
}

// fakeLoader hands out one rule table per call, repeating the last one.
type fakeLoader struct {
	mu     sync.Mutex
	tables []func(now time.Time) ([]*rules.Rule, error)
	calls  int
}

func (l *fakeLoader) Load(now time.Time) ([]*rules.Rule, error) {
	l.mu.Lock()
	l.calls++
	i := l.calls - 1
	if i >= len(l.tables) {
		i = len(l.tables) - 1
	}
	f := l.tables[i]
	l.mu.Unlock()
	return f(now)
}

func (l *fakeLoader) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func rule(name string, iv interval.Interval, due time.Time) *rules.Rule {
	return &rules.Rule{
		Name:     name,
		Command:  "echo " + name,
		Interval: iv,
		Failing:  iv.Double(),
		Due:      due,
	}
}

func table(rs ...func(now time.Time) *rules.Rule) func(time.Time) ([]*rules.Rule, error) {
	return func(now time.Time) ([]*rules.Rule, error) {
		out := make([]*rules.Rule, 0, len(rs))
		for _, r := range rs {
			out = append(out, r(now))
		}
		return out, nil
	}
}

func runLoop(ctx context.Context, t *testing.T, s *Scheduler) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler did not stop")
		return nil
	}
}

func TestRunNowRuleIsSelectedFirst(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: t0, auto: true}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := &fakeExec{clock: clk, limit: 1, cancel: cancel}

	var loaded *rules.Rule
	loader := &fakeLoader{tables: []func(time.Time) ([]*rules.Rule, error){
		func(now time.Time) ([]*rules.Rule, error) {
			rs, warns := rules.Parse([]byte("interval = 1 hour\nbackup\n"), now, true)
			assert.Empty(t, warns)
			loaded = rs[0]
			return rs, nil
		},
	}}

	s := New(Config{RulesName: "rules", Clock: clk}, loader, exec, eventbus.New(), logx.Nop())
	require.NoError(t, runLoop(ctx, t, s))

	runs := exec.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, "backup", runs[0].name)
	assert.Equal(t, t0, runs[0].at)
	assert.Empty(t, clk.Waits(), "a rule due now must not wait")
	assert.Equal(t, t0.Add(time.Hour), loaded.Due)
	assert.Equal(t, rules.DefaultRetries, loaded.RetriesRemaining)
}

func TestRunsInDueOrder(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: t0, auto: true}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := &fakeExec{clock: clk, limit: 3, cancel: cancel}

	loader := &fakeLoader{tables: []func(time.Time) ([]*rules.Rule, error){table(
		func(now time.Time) *rules.Rule {
			return rule("a", interval.Interval{Minutes: 10}, now.Add(10*time.Minute))
		},
		func(now time.Time) *rules.Rule {
			return rule("b", interval.Interval{Minutes: 5}, now.Add(5*time.Minute))
		},
	)}}

	s := New(Config{RulesName: "rules", Clock: clk}, loader, exec, nil, logx.Nop())
	require.NoError(t, runLoop(ctx, t, s))

	// b re-slotted to +10m lands after a, which was already due then
	assert.Equal(t, []run{
		{name: "b", at: t0.Add(5 * time.Minute)},
		{name: "a", at: t0.Add(10 * time.Minute)},
		{name: "b", at: t0.Add(10 * time.Minute)},
	}, exec.Runs())
	assert.True(t, s.queue.Sorted())
}

func TestLongWaitsAreCapped(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: t0, auto: true}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := &fakeExec{clock: clk, limit: 1, cancel: cancel}

	loader := &fakeLoader{tables: []func(time.Time) ([]*rules.Rule, error){table(
		func(now time.Time) *rules.Rule {
			return rule("slow", interval.Interval{Hours: 2, Minutes: 30}, now.Add(150*time.Minute))
		},
	)}}

	s := New(Config{RulesName: "rules", Clock: clk, MaxWait: time.Hour}, loader, exec, nil, logx.Nop())
	require.NoError(t, runLoop(ctx, t, s))

	assert.Equal(t, []time.Duration{time.Hour, time.Hour, 30 * time.Minute}, clk.Waits())
	require.Len(t, exec.Runs(), 1)
	assert.Equal(t, t0.Add(150*time.Minute), exec.Runs()[0].at)
}

func TestShortRemainderWaitsAtLeastASecond(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: t0.Add(-300 * time.Millisecond), auto: true}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := &fakeExec{clock: clk, limit: 1, cancel: cancel}

	loader := &fakeLoader{tables: []func(time.Time) ([]*rules.Rule, error){table(
		func(time.Time) *rules.Rule { return rule("soon", interval.Interval{Minutes: 1}, t0) },
	)}}

	s := New(Config{RulesName: "rules", Clock: clk}, loader, exec, nil, logx.Nop())
	require.NoError(t, runLoop(ctx, t, s))
	assert.Equal(t, []time.Duration{time.Second}, clk.Waits())
}

func TestFailureSlowsDownAndPublishes(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: t0, auto: true}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := &fakeExec{clock: clk, limit: 2, cancel: cancel, fail: map[string]bool{"flaky": true}}

	var r *rules.Rule
	loader := &fakeLoader{tables: []func(time.Time) ([]*rules.Rule, error){
		func(now time.Time) ([]*rules.Rule, error) {
			r = rule("flaky", interval.Interval{Hours: 1}, now)
			r.Failing = interval.Interval{Hours: 9}
			r.RetryBudget = 1
			r.RetriesRemaining = 1
			return []*rules.Rule{r}, nil
		},
	}}

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	var logs bytes.Buffer
	s := New(Config{RulesName: "rules", Clock: clk}, loader, exec, bus, logx.NewWriter(&logs, "info"))
	require.NoError(t, runLoop(ctx, t, s))

	assert.Equal(t, interval.Interval{Hours: 5}, r.Interval)
	assert.Equal(t, 1, r.RetriesRemaining)
	assert.Contains(t, logs.String(), "rule failed; slowing down")
	assert.Contains(t, logs.String(), `"failing":"9h"`)

	var finished []eventbus.Finished
	for len(events) > 0 {
		ev := <-events
		if ev.Kind == eventbus.KindRuleFinished {
			assert.Equal(t, "flaky", ev.Name)
			finished = append(finished, ev.Data.(eventbus.Finished))
		}
	}
	require.Len(t, finished, 2)
	assert.False(t, finished[0].SlowedDown)
	assert.True(t, finished[1].SlowedDown)
	assert.False(t, finished[1].OK)
	assert.Equal(t, "exited(1)", finished[1].Outcome)
}

func TestIdleWhenNothingRunnable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		table func(time.Time) ([]*rules.Rule, error)
	}{
		{name: "missing file", table: func(time.Time) ([]*rules.Rule, error) {
			return nil, fmt.Errorf("read rules: %w", os.ErrNotExist)
		}},
		{name: "all disabled", table: table(func(now time.Time) *rules.Rule {
			r := rule("off", interval.Interval{Minutes: 1}, now)
			r.Disabled = true
			return r
		})},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			clk := &fakeClock{now: t0, auto: true, stopAfter: 3, cancel: cancel}
			exec := &fakeExec{clock: clk}
			loader := &fakeLoader{tables: []func(time.Time) ([]*rules.Rule, error){tt.table}}

			s := New(Config{RulesName: "rules", Clock: clk, IdlePoll: 10 * time.Second}, loader, exec, nil, logx.Nop())
			require.NoError(t, runLoop(ctx, t, s))

			assert.Empty(t, exec.Runs())
			for _, w := range clk.Waits() {
				assert.Equal(t, 10*time.Second, w)
			}
			assert.GreaterOrEqual(t, len(clk.Waits()), 3)
		})
	}
}

func TestMissingFileIsRetriedOnIdlePoll(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: t0, auto: true}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := &fakeExec{clock: clk, limit: 1, cancel: cancel}

	loader := &fakeLoader{tables: []func(time.Time) ([]*rules.Rule, error){
		func(time.Time) ([]*rules.Rule, error) { return nil, os.ErrNotExist },
		table(func(now time.Time) *rules.Rule { return rule("late", interval.Interval{Hours: 1}, now) }),
	}}

	s := New(Config{RulesName: "rules", Clock: clk, IdlePoll: 10 * time.Second}, loader, exec, nil, logx.Nop())
	require.NoError(t, runLoop(ctx, t, s))

	assert.Equal(t, 2, loader.Calls())
	require.Len(t, exec.Runs(), 1)
	assert.Equal(t, t0.Add(10*time.Second), exec.Runs()[0].at)
}

func TestReloadOnlyForRuleFile(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: t0}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := &fakeExec{clock: clk}

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	loader := &fakeLoader{tables: []func(time.Time) ([]*rules.Rule, error){
		table(func(now time.Time) *rules.Rule { return rule("first", interval.Interval{Hours: 1}, now.Add(time.Hour)) }),
		table(
			func(now time.Time) *rules.Rule {
				return rule("second", interval.Interval{Hours: 2}, now.Add(2*time.Hour))
			},
			func(now time.Time) *rules.Rule {
				return rule("third", interval.Interval{Hours: 3}, now.Add(3*time.Hour))
			},
		),
	}}

	s := New(Config{RulesName: "rules", Clock: clk}, loader, exec, bus, logx.Nop())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	nextLoaded := func() eventbus.Loaded {
		t.Helper()
		deadline := time.After(5 * time.Second)
		for {
			select {
			case ev := <-events:
				if ev.Kind == eventbus.KindRulesLoaded {
					return ev.Data.(eventbus.Loaded)
				}
			case <-deadline:
				t.Fatal("no rules.loaded event")
			}
		}
	}

	first := nextLoaded()
	assert.Equal(t, 1, first.Rules)
	assert.Equal(t, t0.Add(time.Hour), first.Next)

	bus.Publish(eventbus.Event{Kind: eventbus.KindFileChanged, Name: "rules.swp"})
	bus.Publish(eventbus.Event{Kind: eventbus.KindFileChanged, Name: "rules"})

	second := nextLoaded()
	assert.Equal(t, 2, second.Rules)
	assert.Equal(t, 2, second.Runnable)
	assert.Equal(t, t0.Add(2*time.Hour), second.Next)
	assert.Equal(t, 2, loader.Calls())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Empty(t, exec.Runs())
}

// changingExec publishes a rule file change while run number at executes.
type changingExec struct {
	*fakeExec
	bus eventbus.Bus
	at  int
}

func (e *changingExec) Run(ctx context.Context, name, command string) runner.Outcome {
	out := e.fakeExec.Run(ctx, name, command)
	if len(e.fakeExec.Runs()) == e.at {
		e.bus.Publish(eventbus.Event{Kind: eventbus.KindFileChanged, Name: "rules"})
	}
	return out
}

func TestChangeDuringBackToBackRunsReloads(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{now: t0, auto: true}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := eventbus.New()
	exec := &changingExec{fakeExec: &fakeExec{clock: clk, limit: 71, cancel: cancel}, bus: bus, at: 70}

	// 80 rules due at once: the loop runs them without ever waiting, and
	// publishes far more events than a subscription buffer holds
	loader := &fakeLoader{tables: []func(time.Time) ([]*rules.Rule, error){
		func(now time.Time) ([]*rules.Rule, error) {
			out := make([]*rules.Rule, 0, 80)
			for i := 0; i < 80; i++ {
				out = append(out, rule(fmt.Sprintf("r%02d", i), interval.Interval{Hours: 1}, now))
			}
			return out, nil
		},
		table(func(now time.Time) *rules.Rule { return rule("after", interval.Interval{Hours: 1}, now) }),
	}}

	s := New(Config{RulesName: "rules", Clock: clk}, loader, exec, bus, logx.Nop())
	require.NoError(t, runLoop(ctx, t, s))

	assert.Equal(t, 2, loader.Calls())
	runs := exec.Runs()
	require.Len(t, runs, 71)
	assert.Equal(t, "r69", runs[69].name)
	assert.Equal(t, "after", runs[70].name)
	assert.Empty(t, clk.Waits())
}
