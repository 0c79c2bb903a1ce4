package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regularly/internal/config"
	"regularly/internal/eventbus"
)

type fakeNotifier struct {
	mu       sync.Mutex
	states   []string
	watchdog time.Duration
}

func (n *fakeNotifier) Notify(state string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.states = append(n.states, state)
	return true, nil
}

func (n *fakeNotifier) WatchdogInterval() (time.Duration, error) { return n.watchdog, nil }

func (n *fakeNotifier) States() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.states...)
}

func testConfig(t *testing.T, env map[string]string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	env[config.EnvConfigDir] = dir
	cfg, err := config.Load(afero.NewOsFs(), func(k string) string { return env[k] })
	require.NoError(t, err)
	cfg.Logging.Console = false
	return cfg
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestAppRunsRuleNowAndReloads(t *testing.T) {
	cfg := testConfig(t, map[string]string{config.EnvRunNow: "1"})
	marker := filepath.Join(cfg.Dir, "marker")
	require.NoError(t, os.WriteFile(cfg.RulesPath, []byte("name = touch\ninterval = 1h\necho ran >> marker\n"), 0o600))

	n := &fakeNotifier{}
	a, err := New(cfg, WithNotifier(n))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	eventually(t, func() bool {
		b, err := os.ReadFile(marker)
		return err == nil && strings.Contains(string(b), "ran")
	}, "rule did not run")

	// rewriting the rule file triggers a reload; run-now applied to the first load only
	require.NoError(t, os.WriteFile(cfg.RulesPath, []byte("interval = 2h\necho second >> marker\n"), 0o600))
	eventually(t, func() bool {
		for _, st := range n.States() {
			if st == "RELOADING=1" {
				return true
			}
		}
		return false
	}, "no reload notification")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	assert.NoError(t, a.Err())

	b, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "ran\n", string(b))

	out, err := os.ReadFile(cfg.Output.Path)
	require.NoError(t, err)
	assert.Contains(t, string(out), "touch: echo ran >> marker")

	states := n.States()
	assert.Contains(t, states, "READY=1")
	assert.Contains(t, states, "STOPPING=1")
}

func TestAppStartFailsWithoutRuleDir(t *testing.T) {
	cfg := testConfig(t, map[string]string{})
	cfg.RulesPath = filepath.Join(cfg.Dir, "missing", "rules")

	a, err := New(cfg, WithNotifier(&fakeNotifier{}))
	require.NoError(t, err)
	assert.Error(t, a.Start(context.Background()))
	assert.NoError(t, a.Stop(context.Background(), StopFatalError))
}

func TestWatchdogPingsUntilCancelled(t *testing.T) {
	cfg := testConfig(t, map[string]string{})
	n := &fakeNotifier{watchdog: 2 * time.Second}
	a, err := New(cfg, WithNotifier(n))
	require.NoError(t, err)
	defer func() { _ = a.Stop(context.Background(), StopAppStop) }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.watchdog(ctx)
		close(done)
	}()

	eventually(t, func() bool {
		for _, st := range n.States() {
			if st == "WATCHDOG=1" {
				return true
			}
		}
		return false
	}, "no watchdog ping")

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog did not stop")
	}
}

func TestStatusText(t *testing.T) {
	t.Parallel()
	next := time.Date(2024, time.May, 1, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, "2 rules, next run 2024-05-01T08:00:00Z", loadedStatus(eventbus.Loaded{Rules: 3, Runnable: 2, Next: next}))
	assert.Equal(t, "1 rules, none runnable", loadedStatus(eventbus.Loaded{Rules: 1}))
	assert.Equal(t, "no rules: gone", loadedStatus(eventbus.Loaded{Err: errors.New("gone")}))
	assert.Equal(t, "backup exited(0), next run 2024-05-01T08:00:00Z",
		finishedStatus("backup", eventbus.Finished{Outcome: "exited(0)", Next: next}))
}
