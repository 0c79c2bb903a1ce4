package config

import (
	"fmt"

	shlex "github.com/anmitsu/go-shlex"

	"regularly/internal/rules"
	logx "regularly/pkg/logx"
)

const (
	EnvRules    = "REGULARLY_RULES"
	EnvRunNow   = "REGULARLY_RUN_NOW"
	EnvShell    = "REGULARLY_SHELL"
	EnvLogLevel = "REGULARLY_LOG_LEVEL"
	EnvLogFile  = "REGULARLY_LOG_FILE"
	EnvOutput   = "REGULARLY_OUTPUT"
)

func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv(EnvRules); v != "" {
		p, err := expand(v)
		if err != nil {
			return err
		}
		cfg.RulesPath = p
	}
	if v := getenv(EnvRunNow); v != "" {
		on, err := rules.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRunNow, err)
		}
		cfg.RunNow = on
	}
	if v := getenv(EnvShell); v != "" {
		sh, err := SplitShell(EnvShell, v)
		if err != nil {
			return err
		}
		cfg.Shell = sh
	}
	if v := getenv(EnvLogLevel); v != "" {
		if _, ok := logx.ParseLevel(v); !ok {
			return fmt.Errorf("%s: unknown level %q", EnvLogLevel, v)
		}
		cfg.Logging.Level = v
	}
	if v := getenv(EnvLogFile); v != "" {
		setLogFile(cfg, v)
	}
	if v := getenv(EnvOutput); v != "" {
		setOutput(cfg, v)
	}
	return nil
}

// SplitShell splits a shell command line with POSIX quoting rules.
func SplitShell(name, s string) ([]string, error) {
	words, err := shlex.Split(s, true)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("%s: empty shell", name)
	}
	return words, nil
}
