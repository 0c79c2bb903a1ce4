package config

import (
	"fmt"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
)

const (
	EnvConfigDir     = "REGULARLY_CONFIG_DIR"
	EnvXDGConfigHome = "XDG_CONFIG_HOME"

	appDir = "regularly"
)

// ResolveDir picks the configuration directory: $REGULARLY_CONFIG_DIR, then
// $XDG_CONFIG_HOME/regularly, then ~/.config/regularly. A leading "~" is expanded.
func ResolveDir(getenv func(string) string) (string, error) {
	if d := getenv(EnvConfigDir); d != "" {
		return expand(d)
	}
	if x := getenv(EnvXDGConfigHome); x != "" {
		d, err := expand(x)
		if err != nil {
			return "", err
		}
		return filepath.Join(d, appDir), nil
	}
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("config dir: %w", err)
	}
	return filepath.Join(home, ".config", appDir), nil
}

func expand(p string) (string, error) {
	d, err := homedir.Expand(p)
	if err != nil {
		return "", fmt.Errorf("config dir %q: %w", p, err)
	}
	return filepath.Clean(d), nil
}
