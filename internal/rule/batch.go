package rule

import "github.com/dayuer/dispatchd/internal/bus"

// BatchHooks connect a batch to the per-rule state kept by its channel.
type BatchHooks struct {
	// Heartbeat pushes the timeout deadline of a message forward.
	Heartbeat func(msgID string)
	// TimedOut reports whether a message already timed out for the rule.
	TimedOut func(msgID string) bool
}

// batchItem is a batched message plus the flags the consumer sets on it.
type batchItem struct {
	msg       *bus.Message
	processed bool
	kept      bool
}

// Batch is the view of one firing handed to a ConsumeFunc. Messages are in
// insertion order, oldest first. A cursor walks them:
//
//	for b.Next() {
//		m := b.Current()
//		...
//		b.SetProcessed()
//	}
//
// A Batch belongs to the goroutine running the consumer and must not be
// shared with other goroutines.
type Batch struct {
	ruleID string
	ch     ChannelRef
	items  []batchItem
	cursor int
	hooks  BatchHooks
}

// NewBatch wraps msgs for one firing of rule ruleID on ch.
func NewBatch(ch ChannelRef, ruleID string, msgs []*bus.Message, hooks BatchHooks) *Batch {
	items := make([]batchItem, len(msgs))
	for i, m := range msgs {
		items[i] = batchItem{msg: m}
	}
	return &Batch{
		ruleID: ruleID,
		ch:     ch,
		items:  items,
		cursor: -1,
		hooks:  hooks,
	}
}

// RuleID returns the id of the firing rule.
func (b *Batch) RuleID() string { return b.ruleID }

// Channel returns the owning channel.
func (b *Batch) Channel() ChannelRef { return b.ch }

// Len returns the number of messages in the batch.
func (b *Batch) Len() int { return len(b.items) }

// Messages returns all batched messages, oldest first.
func (b *Batch) Messages() []*bus.Message {
	out := make([]*bus.Message, len(b.items))
	for i, it := range b.items {
		out[i] = it.msg
	}
	return out
}

// Next advances the cursor and reports whether a message is available.
func (b *Batch) Next() bool {
	if b.cursor+1 >= len(b.items) {
		b.cursor = len(b.items)
		return false
	}
	b.cursor++
	return true
}

// Reset moves the cursor back before the first message.
func (b *Batch) Reset() { b.cursor = -1 }

// Current returns the message under the cursor, or nil outside Next.
func (b *Batch) Current() *bus.Message {
	if it := b.current(); it != nil {
		return it.msg
	}
	return nil
}

// IsFirst reports whether the cursor is on the first message.
func (b *Batch) IsFirst() bool { return b.cursor == 0 && len(b.items) > 0 }

// IsLast reports whether the cursor is on the last message.
func (b *Batch) IsLast() bool { return len(b.items) > 0 && b.cursor == len(b.items)-1 }

// IsProcessed reports the processed flag of the current message.
func (b *Batch) IsProcessed() bool {
	it := b.current()
	return it != nil && it.processed
}

// SetProcessed flags the current message as processed.
func (b *Batch) SetProcessed() {
	if it := b.current(); it != nil {
		it.processed = true
	}
}

// Keep leaves the current message in the pool when the firing succeeds.
func (b *Batch) Keep() {
	if it := b.current(); it != nil {
		it.kept = true
	}
}

// IsKept reports whether the current message was kept.
func (b *Batch) IsKept() bool {
	it := b.current()
	return it != nil && it.kept
}

// Heartbeat restarts the timeout clock of the current message.
func (b *Batch) Heartbeat() {
	it := b.current()
	if it != nil && b.hooks.Heartbeat != nil {
		b.hooks.Heartbeat(it.msg.ID())
	}
}

// IsTimedOut reports whether the current message already timed out for this rule.
func (b *Batch) IsTimedOut() bool {
	it := b.current()
	return it != nil && b.hooks.TimedOut != nil && b.hooks.TimedOut(it.msg.ID())
}

// Consumed returns the messages a successful firing removes: every message
// not kept.
func (b *Batch) Consumed() []*bus.Message {
	out := make([]*bus.Message, 0, len(b.items))
	for _, it := range b.items {
		if !it.kept {
			out = append(out, it.msg)
		}
	}
	return out
}

// ProcessedCount returns how many messages were flagged processed.
func (b *Batch) ProcessedCount() int {
	n := 0
	for _, it := range b.items {
		if it.processed {
			n++
		}
	}
	return n
}

func (b *Batch) current() *batchItem {
	if b.cursor < 0 || b.cursor >= len(b.items) {
		return nil
	}
	return &b.items[b.cursor]
}
