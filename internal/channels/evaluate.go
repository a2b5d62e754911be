package channels

import (
	"fmt"
	"log"
	"time"

	"github.com/dayuer/dispatchd/internal/bus"
	"github.com/dayuer/dispatchd/internal/journal"
	"github.com/dayuer/dispatchd/internal/rule"
	"github.com/dayuer/dispatchd/internal/trigger"
)

// run is the evaluation loop. Passes never overlap.
func (c *Channel) run() {
	defer close(c.loopDone)
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		case <-c.wake:
		}
		c.evaluate()
	}
}

// evaluate runs one pass over the attached rules in attachment order.
func (c *Channel) evaluate() {
	for _, e := range c.evaluateLocked() {
		c.record(e)
	}
}

// evaluateLocked decides and submits firings under the mutex. It returns the
// predicate failures to journal once the mutex is released.
func (c *Channel) evaluateLocked() []journal.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	var reports []journal.Entry
	now := c.now()
	for _, a := range c.rules {
		candidates := c.pool.Snapshot(c.poolFilter(a, &reports))
		a.stats.Candidates = len(candidates)

		for _, m := range trigger.SweepTimeouts(a.rule, a.state, candidates, now) {
			c.submitTimeout(a, m)
		}

		if a.state.InFlight() {
			continue
		}
		d := trigger.Evaluate(a.rule, candidates, c.clocks, now)
		if !d.Fire {
			continue
		}
		a.state.Begin()
		b := rule.NewBatch(c, a.rule.ID(), d.Messages, c.batchHooks(a))
		reason := d.Reason
		if !a.fire.Submit(func() { c.fire(a, b, reason) }) {
			a.state.End()
		}
	}
	return reports
}

func (c *Channel) batchHooks(a *attachment) rule.BatchHooks {
	return rule.BatchHooks{
		Heartbeat: func(id string) {
			c.mu.Lock()
			a.state.Heartbeat(id, c.now(), a.rule.Timeout().After)
			c.mu.Unlock()
		},
		TimedOut: func(id string) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return a.state.TimedOut(id)
		},
	}
}

// fire runs on the rule's fire lane.
func (c *Channel) fire(a *attachment, b *rule.Batch, reason trigger.Reason) {
	err := trigger.Invoke(c.ctx, a.rule, b)
	msgs := b.Messages()

	c.mu.Lock()
	a.state.End()
	removed := 0
	if err == nil {
		now := c.now()
		a.state.MarkConsumed(msgs)
		if !a.rule.KeepMessages() {
			for _, m := range b.Consumed() {
				if _, ok := c.pool.Remove(m.ID()); ok {
					c.forgetLocked(m.ID())
					removed++
				}
			}
		}
		for _, g := range a.rule.Groups() {
			c.clocks.RecordFired(g, now)
		}
		a.stats.Fired++
		a.stats.Consumed += int64(removed)
		a.stats.LastFired = now
	} else {
		a.stats.Errors++
	}
	c.mu.Unlock()

	if err != nil {
		c.handleError(a, msgs, err)
	} else {
		c.record(journal.Entry{
			Kind:       journal.KindFired,
			RuleID:     a.rule.ID(),
			MessageIDs: messageIDs(msgs),
			Detail:     fmt.Sprintf("%s, %d removed", reason, removed),
		})
	}
	c.signal()
}

// handleError routes a failed firing to the rule's handlers. Nothing is
// retried; unhandled errors are reported to the sink.
func (c *Channel) handleError(a *attachment, msgs []*bus.Message, err error) {
	ce := &rule.ConsumeError{RuleID: a.rule.ID(), ChannelID: c.id, Messages: msgs, Err: err}
	ids := messageIDs(msgs)
	c.record(journal.Entry{Kind: journal.KindConsumeError, RuleID: a.rule.ID(), MessageIDs: ids, Detail: err.Error()})

	handled := false
	if herr := trigger.Guard(func() error {
		handled = a.rule.HandleError(c.ctx, ce)
		return nil
	}); herr != nil {
		log.Printf("[Channel] %s: error handler of rule %s failed: %v", c.id, a.rule.ID(), herr)
		handled = false
	}
	if !handled {
		log.Printf("[Channel] %s: unhandled error: %v", c.id, ce)
		c.record(journal.Entry{Kind: journal.KindUnhandledError, RuleID: a.rule.ID(), MessageIDs: ids, Detail: ce.Error()})
	}
}

// submitTimeout queues the timeout handler of a for m. Called with c.mu held.
func (c *Channel) submitTimeout(a *attachment, m *bus.Message) {
	a.stats.Timeouts++
	a.timeouts.Submit(func() {
		if err := trigger.Guard(func() error {
			a.rule.HandleTimeout(c.ctx, m)
			return nil
		}); err != nil {
			log.Printf("[Channel] %s: timeout handler of rule %s failed: %v", c.id, a.rule.ID(), err)
		}
		c.record(journal.Entry{Kind: journal.KindTimeout, RuleID: a.rule.ID(), MessageIDs: []string{m.ID()}})
	})
}

func messageIDs(msgs []*bus.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID()
	}
	return ids
}
