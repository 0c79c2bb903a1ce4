// Package rules holds the Rule record and the rule-file loader.
package rules

import (
	"strings"
	"time"

	"regularly/internal/interval"
)

// Never is the due time of disabled rules; it sorts after every real due time.
var Never = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// Rule is one scheduled command. The rule table owns Rule values; the due queue
// only references them.
type Rule struct {
	Name    string
	Command string
	Line    int // line of the command in the rule file, 1-based

	// Interval is the current cadence. It starts at the configured interval and
	// drifts toward Failing under sustained failure; only a reload resets it.
	Interval interval.Interval
	Failing  interval.Interval

	RetryBudget      int
	RetriesRemaining int

	Due      time.Time
	Disabled bool
}

// DisplayName falls back to the command text when no name was configured.
func (r *Rule) DisplayName() string {
	if n := strings.TrimSpace(r.Name); n != "" {
		return n
	}
	return r.Command
}

// DueOf is the due-time accessor used by the queue. Disabled rules are never due.
func DueOf(r *Rule) time.Time {
	if r.Disabled {
		return Never
	}
	return r.Due
}
