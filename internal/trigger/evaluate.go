// Package trigger decides when a consumer rule fires and with which
// messages, sweeps per-message timeouts, and runs consumer callbacks
// with panic recovery.
//
// Nothing here locks: the owning channel calls Evaluate and SweepTimeouts
// while holding its lock and runs Invoke on the rule's lane.
package trigger

import (
	"time"

	"github.com/dayuer/dispatchd/internal/bus"
	"github.com/dayuer/dispatchd/internal/groupclock"
	"github.com/dayuer/dispatchd/internal/rule"
)

// Reason tells why a rule fired.
type Reason string

const (
	ReasonForcedFlush Reason = "forced_flush" // candidates reached the max size
	ReasonConditions  Reason = "conditions"   // age conditions held
)

// Decision is the outcome of one evaluation.
type Decision struct {
	Fire     bool
	Reason   Reason
	Messages []*bus.Message
}

// Evaluate decides whether r fires now given its candidates (oldest first).
// The batch is the oldest min(len, MaxSize) candidates.
func Evaluate(r *rule.Rule, candidates []*bus.Message, clocks *groupclock.Registry, now time.Time) Decision {
	n := len(candidates)
	if n == 0 || n < r.MinSize() {
		return Decision{}
	}

	batch := candidates
	if n > r.MaxSize() {
		batch = candidates[:r.MaxSize()]
	}

	if n >= r.MaxSize() {
		return Decision{Fire: true, Reason: ReasonForcedFlush, Messages: batch}
	}
	if !MessageAgeHolds(r.MessageAge(), candidates, now) {
		return Decision{}
	}
	if !ConsumeEventHolds(r.ConsumeEvent(), clocks, now) {
		return Decision{}
	}
	return Decision{Fire: true, Reason: ReasonConditions, Messages: batch}
}

// MessageAgeHolds evaluates the message-age trigger over candidates.
func MessageAgeHolds(t rule.MessageAge, candidates []*bus.Message, now time.Time) bool {
	if t.Mode == rule.AgeNone {
		return true
	}
	old := 0
	for _, m := range candidates {
		if m.Age(now) >= t.Threshold {
			old++
		}
	}
	switch t.Mode {
	case rule.AgeAll:
		return old == len(candidates)
	case rule.AgeLeastOne:
		return old >= 1
	case rule.AgeLeastX:
		return old >= t.Count
	default:
		return false
	}
}

// ConsumeEventHolds evaluates the consume-event-age trigger.
func ConsumeEventHolds(t rule.ConsumeEvent, clocks *groupclock.Registry, now time.Time) bool {
	if !t.Configured() {
		return true
	}
	elapsed, fired := clocks.ElapsedSince(t.Group, now)
	if !fired {
		return t.Never
	}
	return elapsed >= t.Age
}
