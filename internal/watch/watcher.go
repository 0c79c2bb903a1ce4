// Package watch reports changes inside the rule directory.
//
// The directory is watched rather than the file so atomic replaces (write to a
// temp file, rename over) are seen. Events are debounced per entry name and
// published as eventbus.KindFileChanged; deciding which names matter is left
// to subscribers.
package watch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"regularly/internal/eventbus"
	logx "regularly/pkg/logx"
)

const (
	DefaultDebounce = 250 * time.Millisecond

	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second

	// at most restartBurst restarts per restartEvery, on top of the backoff
	restartEvery = 10 * time.Second
	restartBurst = 3
)

// relevant covers writes, replaces (create/rename) and deletion.
const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove

type Watcher struct {
	dir      string
	bus      eventbus.Bus
	log      logx.Logger
	debounce time.Duration

	mu     sync.Mutex
	w      *fsnotify.Watcher
	timers map[string]*time.Timer
}

func New(dir string, bus eventbus.Bus, log logx.Logger) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watcher{
		dir:      dir,
		bus:      bus,
		log:      log,
		debounce: DefaultDebounce,
		timers:   map[string]*time.Timer{},
	}
}

// SetDebounce overrides the quiet period before an event is published.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Open establishes the watch. A daemon that cannot watch its rule directory
// cannot function, so callers treat this error as fatal.
func (w *Watcher) Open() error {
	fw, err := open(w.dir)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.w = fw
	w.mu.Unlock()
	return nil
}

func open(dir string) (*fsnotify.Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch init: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return fw, nil
}

// Run delivers events until ctx is cancelled. When fsnotify breaks, the watch is
// recreated with a jittered exponential backoff.
func (w *Watcher) Run(ctx context.Context) error {
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	next := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		return wait
	}
	restarts := rate.NewLimiter(rate.Every(restartEvery), restartBurst)
	defer w.stopTimers()

	for {
		if ctx.Err() != nil {
			w.close()
			return nil
		}

		w.mu.Lock()
		fw := w.w
		w.mu.Unlock()
		if fw == nil {
			var err error
			fw, err = open(w.dir)
			if err != nil {
				wait := next()
				w.log.Warn("watch setup failed", logx.Err(err), logx.String("dir", w.dir), logx.Duration("backoff", wait))
				if !sleep(ctx, wait) {
					return nil
				}
				continue
			}
			w.mu.Lock()
			w.w = fw
			w.mu.Unlock()
			// events may have been missed while the watch was down
			w.emit("")
		}

		backoff = restartBackoffBase
		w.log.Debug("watcher started", logx.String("dir", w.dir))

		if stop := w.pump(ctx, fw); stop {
			w.close()
			return nil
		}

		w.close()
		wait := next()
		w.log.Warn("watcher stopped; restarting", logx.String("dir", w.dir), logx.Duration("backoff", wait))
		if !sleep(ctx, wait) {
			return nil
		}
		if err := restarts.Wait(ctx); err != nil {
			return nil
		}
	}
}

// pump forwards events until the watcher breaks (false) or ctx ends (true).
func (w *Watcher) pump(ctx context.Context, fw *fsnotify.Watcher) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case ev, ok := <-fw.Events:
			if !ok {
				return false
			}
			if ev.Op&relevant != 0 {
				w.schedule(filepath.Base(ev.Name))
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return false
			}
			if err == nil {
				continue
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.log.Warn("watch overflow; forcing reload", logx.Err(err), logx.String("dir", w.dir))
				w.schedule("")
				continue
			}
			w.log.Warn("watch error", logx.Err(err), logx.String("dir", w.dir))
			if errors.Is(err, fsnotify.ErrClosed) {
				return false
			}
		}
	}
}

// schedule (re)arms the debounce timer of name. An empty name means "unknown
// entry"; subscribers should treat it as a possible change of anything.
func (w *Watcher) schedule(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t := w.timers[name]; t != nil {
		t.Stop()
	}
	w.timers[name] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, name)
		w.mu.Unlock()
		w.emit(name)
	})
}

func (w *Watcher) emit(name string) {
	w.log.Debug("change detected", logx.String("dir", w.dir), logx.String("name", name))
	w.bus.Publish(eventbus.Event{Kind: eventbus.KindFileChanged, Name: name})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for name, t := range w.timers {
		t.Stop()
		delete(w.timers, name)
	}
}

func (w *Watcher) close() {
	w.mu.Lock()
	fw := w.w
	w.w = nil
	w.mu.Unlock()
	if fw != nil {
		_ = fw.Close()
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
