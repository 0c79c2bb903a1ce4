package rules

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"

	"regularly/internal/interval"
	logx "regularly/pkg/logx"
)

// DefaultRetries is the retry budget of commands that precede any "retries =" line.
const DefaultRetries = 3

// maxFailingDoublings bounds the load-time failing interval correction.
const maxFailingDoublings = 24

// Warning is a non-fatal problem found while loading. The offending line or
// key/value pair is skipped; the rest of the file still loads.
type Warning struct {
	Line int
	Msg  string
	Err  error
}

func (w Warning) String() string {
	if w.Err != nil {
		return fmt.Sprintf("line %d: %s: %v", w.Line, w.Msg, w.Err)
	}
	return fmt.Sprintf("line %d: %s", w.Line, w.Msg)
}

// Loader reads the rule file through an afero.Fs.
type Loader struct {
	Fs   afero.Fs
	Path string
	Log  logx.Logger

	// RunNowOnce makes the next Load schedule every rule at now. It is cleared
	// by that Load, so later reloads compute due times normally.
	RunNowOnce bool
}

// Load parses the rule file. A missing or unreadable file is returned as an
// error (wrapping the fs error, e.g. os.ErrNotExist); parse problems are logged
// as warnings and never fail the load.
func (l *Loader) Load(now time.Time) ([]*Rule, error) {
	fs := l.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	log := l.Log
	if log.IsZero() {
		log = logx.Nop()
	}

	data, err := afero.ReadFile(fs, l.Path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", l.Path, err)
	}

	runNow := l.RunNowOnce
	l.RunNowOnce = false

	rules, warns := Parse(data, now, runNow)
	for _, w := range warns {
		log.Warn("rule file problem", logx.String("path", l.Path), logx.Int("line", w.Line), logx.String("msg", w.Msg), logx.Err(w.Err))
	}
	log.Debug("rules parsed", logx.String("path", l.Path), logx.Int("rules", len(rules)), logx.Int("warnings", len(warns)), logx.Bool("run_now", runNow))
	return rules, nil
}

// defaults is the state threaded from line to line: every key/value line
// yields a new defaults value, every command line snapshots it into a Rule.
type defaults struct {
	name     string
	interval interval.Interval
	failing  interval.Interval
	retries  int
	disabled bool
}

// keyLine matches "key = value". Group 2 is the whitespace before "=", which
// separates unknown keys ("foo = 1") from shell assignments ("FOO=bar cmd").
var keyLine = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_]*)(\s*)=(.*)$`)

// Parse folds the rule file text into rules. now anchors interval math;
// runNow schedules every rule at now instead of one interval later.
func Parse(data []byte, now time.Time, runNow bool) ([]*Rule, []Warning) {
	var (
		out   []*Rule
		warns []Warning
	)

	lines := bytes.Split(data, []byte{'\n'})
	// The element after the final newline is the unterminated tail.
	tail := lines[len(lines)-1]
	lines = lines[:len(lines)-1]
	if len(bytes.TrimSpace(tail)) > 0 {
		warns = append(warns, Warning{Line: len(lines) + 1, Msg: "unterminated final line discarded: " + strconv.Quote(string(tail))})
	}

	d := defaults{retries: DefaultRetries}
	for i, raw := range lines {
		n := i + 1
		line := strings.TrimRight(string(raw), "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		if m := keyLine.FindStringSubmatch(line); m != nil {
			key := strings.ToLower(m[1])
			if isKey(key) {
				next, err := d.set(key, strings.TrimSpace(m[3]))
				if err != nil {
					warns = append(warns, Warning{Line: n, Msg: "bad value for " + key, Err: err})
					continue
				}
				d = next
				continue
			}
			if m[2] != "" {
				warns = append(warns, Warning{Line: n, Msg: "unknown key " + strconv.Quote(m[1])})
				continue
			}
		}

		r, ws := d.commit(trimmed, n, now, runNow)
		warns = append(warns, ws...)
		if r != nil {
			out = append(out, r)
		}
	}
	return out, warns
}

func isKey(k string) bool {
	switch k {
	case "name", "wait", "interval", "retries", "failing", "disabled":
		return true
	}
	return false
}

func (d defaults) set(key, value string) (defaults, error) {
	switch key {
	case "name":
		d.name = value
	case "wait", "interval":
		iv, err := interval.Parse(value)
		if err != nil {
			return d, err
		}
		if iv.IsZero() {
			return d, fmt.Errorf("interval %q is zero", value)
		}
		d.interval = iv
	case "failing":
		iv, err := interval.Parse(value)
		if err != nil {
			return d, err
		}
		d.failing = iv
	case "retries":
		n, err := strconv.Atoi(value)
		if err != nil {
			return d, err
		}
		if n < 0 {
			return d, fmt.Errorf("retries must be >= 0, got %d", n)
		}
		d.retries = n
	case "disabled":
		b, err := ParseBool(value)
		if err != nil {
			return d, err
		}
		d.disabled = b
	}
	return d, nil
}

// ParseBool accepts strconv booleans plus yes/no, y/n and on/off, in any case.
func ParseBool(s string) (bool, error) {
	t := strings.TrimSpace(s)
	switch strings.ToLower(t) {
	case "yes", "on", "y":
		return true, nil
	case "no", "off", "n":
		return false, nil
	}
	b, err := strconv.ParseBool(t)
	if err != nil {
		return false, fmt.Errorf("invalid boolean %q", s)
	}
	return b, nil
}

func (d defaults) commit(command string, line int, now time.Time, runNow bool) (*Rule, []Warning) {
	if d.interval.IsZero() {
		return nil, []Warning{{Line: line, Msg: "command has no interval; skipped"}}
	}

	var warns []Warning
	failing, fixed := NormalizeFailing(now, d.interval, d.failing)
	if fixed {
		warns = append(warns, Warning{
			Line: line,
			Msg:  fmt.Sprintf("failing interval %s shorter than interval %s; using %s", d.failing, d.interval, failing),
		})
	}

	due := interval.Apply(now, d.interval)
	if runNow {
		due = interval.Apply(now, interval.Interval{})
	}
	return &Rule{
		Name:             d.name,
		Command:          command,
		Line:             line,
		Interval:         d.interval,
		Failing:          failing,
		RetryBudget:      d.retries,
		RetriesRemaining: d.retries,
		Due:              due,
		Disabled:         d.disabled,
	}, warns
}

// NormalizeFailing enforces Apply(now, failing) >= Apply(now, iv).
// An unset failing interval becomes twice iv; a short one is doubled until it
// is long enough, which is reported through fixed.
func NormalizeFailing(now time.Time, iv, failing interval.Interval) (_ interval.Interval, fixed bool) {
	if failing.IsZero() {
		return iv.Double(), false
	}
	target := interval.Apply(now, iv)
	for i := 0; interval.Apply(now, failing).Before(target); i++ {
		if i == maxFailingDoublings {
			return iv.Double(), true
		}
		failing = failing.Double()
		fixed = true
	}
	return failing, fixed
}
