package channels

import (
	"log"

	"github.com/dayuer/dispatchd/internal/bus"
	"github.com/dayuer/dispatchd/internal/journal"
	"github.com/dayuer/dispatchd/internal/trigger"
)

// predicateKind names a rule predicate evaluated under the channel mutex.
type predicateKind string

const (
	predicatePool    predicateKind = "pool filter"
	predicateReplace predicateKind = "replace filter"
)

type faultKey struct {
	kind  predicateKind
	msgID string
}

// guardPredicate runs fn and turns a panic into false. The first panic per
// (predicate, message) is counted and queued in reports for the journal.
// Called with c.mu held.
func (c *Channel) guardPredicate(a *attachment, kind predicateKind, m *bus.Message, fn func() bool, reports *[]journal.Entry) bool {
	var ok bool
	err := trigger.Guard(func() error {
		ok = fn()
		return nil
	})
	if err == nil {
		return ok
	}

	key := faultKey{kind: kind, msgID: m.ID()}
	if a.faults[key] {
		return false
	}
	a.faults[key] = true
	a.stats.Errors++
	log.Printf("[Channel] %s: %s of rule %s failed on %s: %v", c.id, kind, a.rule.ID(), m.ID(), err)
	*reports = append(*reports, journal.Entry{
		Kind:       journal.KindUnhandledError,
		RuleID:     a.rule.ID(),
		MessageIDs: []string{m.ID()},
		Detail:     string(kind) + ": " + err.Error(),
	})
	return false
}

// poolFilter returns the guarded candidate filter of a.
func (c *Channel) poolFilter(a *attachment, reports *[]journal.Entry) bus.Filter {
	return func(m *bus.Message) bool {
		return c.guardPredicate(a, predicatePool, m, func() bool { return a.rule.Accepts(m) }, reports)
	}
}

// replacers returns the guarded replacers of every attached rule carrying a
// replace filter. A panicking predicate replaces nothing.
func (c *Channel) replacers(reports *[]journal.Entry) []bus.Replacer {
	var out []bus.Replacer
	for _, a := range c.rules {
		r, ok := a.rule.Replacer()
		if !ok {
			continue
		}
		out = append(out, bus.Replacer{
			Scope: c.poolFilter(a, reports),
			Replaces: func(newer, older *bus.Message) bool {
				return c.guardPredicate(a, predicateReplace, newer, func() bool { return r.Replaces(newer, older) }, reports)
			},
		})
	}
	return out
}

// forgetFaults drops the fault marks of a message that left the pool.
func (a *attachment) forgetFaults(msgID string) {
	delete(a.faults, faultKey{kind: predicatePool, msgID: msgID})
	delete(a.faults, faultKey{kind: predicateReplace, msgID: msgID})
}
