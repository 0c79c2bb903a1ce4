// Package retry decides a rule's next cadence after each run.
//
// Success keeps the current interval and refills the retry budget. Failures
// first spend the budget on quick retries at the normal cadence; once it is
// exhausted the interval moves halfway toward the failing interval. The
// slow-down is persistent: a later success does not speed the rule back up,
// only a reload of the rule file restores the configured interval.
package retry

import (
	"time"

	"regularly/internal/interval"
	"regularly/internal/rules"
)

// State is the part of a rule the policy reads and rewrites.
type State struct {
	Interval         interval.Interval
	RetriesRemaining int
	Due              time.Time
}

// Decision is the policy output for one run.
type Decision struct {
	State
	SlowedDown bool
}

// Decide is a pure function of the rule, the run result and now.
func Decide(r *rules.Rule, ok bool, now time.Time) Decision {
	iv := r.Interval
	d := Decision{State: State{Interval: iv}}

	switch {
	case ok:
		d.RetriesRemaining = r.RetryBudget
	case r.RetriesRemaining > 0:
		d.RetriesRemaining = r.RetriesRemaining - 1
	default:
		d.Interval = slowDown(iv, r.Failing, now)
		d.RetriesRemaining = r.RetryBudget
		d.SlowedDown = true
	}
	d.Due = interval.Apply(now, d.Interval)
	return d
}

// Apply writes d back into r.
func (d Decision) Apply(r *rules.Rule) {
	r.Interval = d.Interval
	r.RetriesRemaining = d.RetriesRemaining
	r.Due = d.Due
}

// slowDown blends cur halfway toward failing. Components can move in opposite
// directions (1h toward 90m blends to 45m), so a blend whose span at now does
// not lie between the two spans is replaced by failing itself.
func slowDown(cur, failing interval.Interval, now time.Time) interval.Interval {
	next := interval.Between(cur, failing)
	lo, hi := cur.Span(now), failing.Span(now)
	if lo > hi {
		lo, hi = hi, lo
	}
	if span := next.Span(now); span < lo || span > hi {
		return failing
	}
	return next
}
