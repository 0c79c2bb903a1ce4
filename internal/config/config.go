package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"regularly/internal/runner"
	"regularly/internal/scheduler"
	logx "regularly/pkg/logx"
)

const (
	RulesFile    = "rules"
	LogFile      = "regularly.log"
	OutputFile   = "output.log"
	SettingsYAML = "settings.yaml"
	SettingsJSON = "settings.json"
)

// Config is the resolved runtime configuration.
type Config struct {
	Dir       string
	RulesPath string
	// RunNow forces every due time to now on the initial load.
	RunNow bool
	// Shell is prepended to the command text, which becomes the final argument.
	Shell    []string
	IdlePoll time.Duration
	MaxWait  time.Duration
	Logging  logx.Config
	Output   OutputConfig

	// Source is the settings file that was read, empty if none existed.
	Source string
}

// OutputConfig describes the rotated file receiving command output.
type OutputConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// settings mirrors settings.yaml / settings.json. Every key is optional.
type settings struct {
	Rules    string          `json:"rules,omitempty" yaml:"rules,omitempty"`
	Shell    string          `json:"shell,omitempty" yaml:"shell,omitempty"`
	IdlePoll string          `json:"idle_poll,omitempty" yaml:"idle_poll,omitempty"`
	MaxWait  string          `json:"max_wait,omitempty" yaml:"max_wait,omitempty"`
	Log      *logSettings    `json:"log,omitempty" yaml:"log,omitempty"`
	Output   *outputSettings `json:"output,omitempty" yaml:"output,omitempty"`
}

type logSettings struct {
	Level      string `json:"level,omitempty" yaml:"level,omitempty"`
	Console    *bool  `json:"console,omitempty" yaml:"console,omitempty"`
	File       string `json:"file,omitempty" yaml:"file,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" yaml:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty" yaml:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty" yaml:"max_age_days,omitempty"`
}

type outputSettings struct {
	Path       string `json:"path,omitempty" yaml:"path,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" yaml:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty" yaml:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty" yaml:"max_age_days,omitempty"`
}

// Load resolves the configuration directory, creates it, reads the optional
// settings file and applies environment overrides. getenv is usually os.Getenv.
func Load(fs afero.Fs, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	dir, err := ResolveDir(getenv)
	if err != nil {
		return nil, err
	}
	if err := fs.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("config dir %s: %w", dir, err)
	}

	cfg := defaults(dir)

	st, src, err := readSettings(fs, dir)
	if err != nil {
		return nil, err
	}
	cfg.Source = src
	if st != nil {
		if err := st.apply(cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", src, err)
		}
	}
	if err := applyEnv(cfg, getenv); err != nil {
		return nil, err
	}
	cfg.RulesPath = resolve(dir, cfg.RulesPath)
	if cfg.Logging.File.Enabled {
		cfg.Logging.File.Path = resolve(dir, cfg.Logging.File.Path)
	}
	if cfg.Output.Path != "" {
		cfg.Output.Path = resolve(dir, cfg.Output.Path)
	}
	return cfg, nil
}

func defaults(dir string) *Config {
	return &Config{
		Dir:       dir,
		RulesPath: filepath.Join(dir, RulesFile),
		Shell:     append([]string(nil), runner.DefaultShell...),
		IdlePoll:  scheduler.DefaultIdlePoll,
		MaxWait:   scheduler.DefaultMaxWait,
		Logging: logx.Config{
			Level:   "info",
			Console: true,
			File:    logx.FileConfig{Enabled: true, Path: filepath.Join(dir, LogFile)},
		},
		Output: OutputConfig{Path: filepath.Join(dir, OutputFile)},
	}
}

// readSettings returns (nil, "", nil) when neither settings file exists.
func readSettings(fs afero.Fs, dir string) (*settings, string, error) {
	for _, name := range []string{SettingsYAML, SettingsJSON} {
		path := filepath.Join(dir, name)
		b, err := afero.ReadFile(fs, path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, path, fmt.Errorf("read %s: %w", path, err)
		}
		st, err := parseSettings(path, b)
		if err != nil {
			return nil, path, fmt.Errorf("parse %s: %w", path, err)
		}
		return st, path, nil
	}
	return nil, "", nil
}

func parseSettings(path string, data []byte) (*settings, error) {
	var st settings
	if isYAML(path) {
		if err := decodeYAML(data, &st); err != nil {
			return nil, err
		}
		return &st, nil
	}
	if t := bytes.TrimSpace(data); len(t) == 0 || string(t) == "null" {
		return &st, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&st); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid settings: trailing data")
		}
		return nil, err
	}
	return &st, nil
}

func (st *settings) apply(cfg *Config) error {
	if st.Rules != "" {
		cfg.RulesPath = st.Rules
	}
	if st.Shell != "" {
		sh, err := SplitShell("shell", st.Shell)
		if err != nil {
			return err
		}
		cfg.Shell = sh
	}
	var err error
	if cfg.IdlePoll, err = parseLoopDuration("idle_poll", st.IdlePoll, cfg.IdlePoll, scheduler.MinWait); err != nil {
		return err
	}
	if cfg.MaxWait, err = parseLoopDuration("max_wait", st.MaxWait, cfg.MaxWait, scheduler.MinWait); err != nil {
		return err
	}
	if l := st.Log; l != nil {
		if l.Level != "" {
			if _, ok := logx.ParseLevel(l.Level); !ok {
				return fmt.Errorf("log.level: unknown level %q", l.Level)
			}
			cfg.Logging.Level = l.Level
		}
		if l.Console != nil {
			cfg.Logging.Console = *l.Console
		}
		if l.File != "" {
			setLogFile(cfg, l.File)
		}
		cfg.Logging.File.MaxSizeMB = l.MaxSizeMB
		cfg.Logging.File.MaxBackups = l.MaxBackups
		cfg.Logging.File.MaxAgeDays = l.MaxAgeDays
	}
	if o := st.Output; o != nil {
		if o.Path != "" {
			setOutput(cfg, o.Path)
		}
		cfg.Output.MaxSizeMB = o.MaxSizeMB
		cfg.Output.MaxBackups = o.MaxBackups
		cfg.Output.MaxAgeDays = o.MaxAgeDays
	}
	return nil
}

// "off" (or "none") disables a file sink.
func isOff(v string) bool { return v == "off" || v == "none" }

func setLogFile(cfg *Config, v string) {
	if isOff(v) {
		cfg.Logging.File.Enabled = false
		cfg.Logging.File.Path = ""
		return
	}
	cfg.Logging.File.Enabled = true
	cfg.Logging.File.Path = v
}

func setOutput(cfg *Config, v string) {
	if isOff(v) {
		cfg.Output.Path = ""
		return
	}
	cfg.Output.Path = v
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
