// Package runner executes rule commands through a shell, one at a time.
//
// Run blocks until the child exits. Output of every run is appended to a single
// sink (normally a rotated log file), framed by a header line.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	logx "regularly/pkg/logx"
)

var DefaultShell = []string{"/bin/sh", "-c"}

const defaultGracePeriod = 10 * time.Second

type Config struct {
	// Shell is argv that precedes the command text, e.g. ["/bin/bash", "-o", "pipefail", "-c"].
	Shell []string
	// Dir is the working directory of commands.
	Dir string
	// Output receives stdout and stderr of commands.
	Output io.Writer
	// GracePeriod is how long a command may take to exit after SIGTERM
	// during shutdown before it is killed.
	GracePeriod time.Duration
}

type Runner struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Runner {
	if len(cfg.Shell) == 0 {
		cfg.Shell = DefaultShell
	}
	if cfg.Output == nil {
		cfg.Output = io.Discard
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{cfg: cfg, log: log}
}

// Run executes command and classifies how it ended. ctx is the process
// lifetime: cancelling it terminates the child, nothing else does.
func (r *Runner) Run(ctx context.Context, name, command string) Outcome {
	started := time.Now()
	out := r.cfg.Output

	args := make([]string, 0, len(r.cfg.Shell))
	args = append(args, r.cfg.Shell[1:]...)
	args = append(args, command)

	cmd := exec.CommandContext(ctx, r.cfg.Shell[0], args...)
	cmd.Dir = r.cfg.Dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = r.cfg.GracePeriod

	fmt.Fprintf(out, "=== %s %s: %s\n", started.UTC().Format(time.RFC3339), name, command)
	r.log.Debug("command starting", logx.String("rule", name), logx.String("shell", strings.Join(r.cfg.Shell, " ")))

	err := cmd.Run()
	o := classify(err)
	o.Started = started
	o.Took = time.Since(started)
	if !o.OK() {
		fmt.Fprintf(out, "=== %s %s: %s\n", time.Now().UTC().Format(time.RFC3339), name, o)
	}
	return o
}

func classify(err error) Outcome {
	if err == nil {
		return Outcome{Kind: Exited}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return Outcome{Kind: Signaled, Signal: ws.Signal(), Err: err}
		}
		return Outcome{Kind: Exited, Code: ee.ExitCode(), Err: err}
	}
	return Outcome{Kind: Errored, Code: -1, Err: err}
}
