package config

import (
	"fmt"
	"strings"
	"time"
)

// parseLoopDuration reads idle_poll or max_wait. Empty keeps def. Anything
// below min is rejected: the scheduler would wake up nearly continuously.
func parseLoopDuration(key, raw string, def, min time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, raw, err)
	}
	if d < min {
		return 0, fmt.Errorf("%s: %s is below the %s minimum", key, d, min)
	}
	return d, nil
}
