package bus

import (
	"container/list"
	"time"
)

// Filter reports whether a message belongs to a selection. A nil Filter accepts everything.
type Filter func(*Message) bool

// Replacer describes one rule's dedup policy: among the messages accepted by
// Scope, an older message is dropped when Replaces(newer, older) reports true.
type Replacer struct {
	Scope    Filter
	Replaces func(newer, older *Message) bool
}

// Pool is the insertion-ordered set of messages stored in one channel.
//
// Pool is not goroutine-safe; the owning channel serializes access.
type Pool struct {
	channelID string
	order     *list.List
	index     map[string]*list.Element

	newID IDGenerator
	now   func() time.Time
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithIDGenerator overrides the message id generator.
func WithIDGenerator(gen IDGenerator) PoolOption {
	return func(p *Pool) { p.newID = gen }
}

// WithClock overrides the insertion time source.
func WithClock(now func() time.Time) PoolOption {
	return func(p *Pool) { p.now = now }
}

// NewPool creates an empty pool for the given channel.
func NewPool(channelID string, opts ...PoolOption) *Pool {
	p := &Pool{
		channelID: channelID,
		order:     list.New(),
		index:     make(map[string]*list.Element),
		newID:     DefaultIDGenerator,
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Insert stores payload as a new message. Each replacer whose scope accepts
// the new message may remove older messages first. It returns the new
// message and the messages it superseded.
func (p *Pool) Insert(payload any, replacers ...Replacer) (*Message, []*Message) {
	m := &Message{
		id:         p.newID(),
		channelID:  p.channelID,
		payload:    payload,
		insertedAt: p.now(),
	}

	var removed []*Message
	for _, r := range replacers {
		removed = append(removed, p.TryReplace(m, r)...)
	}

	p.index[m.id] = p.order.PushBack(m)
	return m, removed
}

// TryReplace removes every pooled message that m supersedes under r.
// Nothing happens when r has no Replaces func or its scope rejects m.
func (p *Pool) TryReplace(m *Message, r Replacer) []*Message {
	if r.Replaces == nil || !accepts(r.Scope, m) {
		return nil
	}
	var removed []*Message
	for e := p.order.Front(); e != nil; {
		next := e.Next()
		old := e.Value.(*Message)
		if old.id != m.id && accepts(r.Scope, old) && r.Replaces(m, old) {
			p.order.Remove(e)
			delete(p.index, old.id)
			removed = append(removed, old)
		}
		e = next
	}
	return removed
}

// Remove deletes the message with the given id.
func (p *Pool) Remove(id string) (*Message, bool) {
	e, ok := p.index[id]
	if !ok {
		return nil, false
	}
	p.order.Remove(e)
	delete(p.index, id)
	return e.Value.(*Message), true
}

// Get returns the pooled message with the given id.
func (p *Pool) Get(id string) (*Message, bool) {
	e, ok := p.index[id]
	if !ok {
		return nil, false
	}
	return e.Value.(*Message), true
}

// Snapshot returns the messages accepted by filter, oldest first.
// The returned slice is owned by the caller.
func (p *Pool) Snapshot(filter Filter) []*Message {
	out := make([]*Message, 0, p.order.Len())
	for e := p.order.Front(); e != nil; e = e.Next() {
		m := e.Value.(*Message)
		if accepts(filter, m) {
			out = append(out, m)
		}
	}
	return out
}

// Size counts the messages accepted by filter.
func (p *Pool) Size(filter Filter) int {
	if filter == nil {
		return p.order.Len()
	}
	n := 0
	for e := p.order.Front(); e != nil; e = e.Next() {
		if filter(e.Value.(*Message)) {
			n++
		}
	}
	return n
}

// Len returns the number of pooled messages.
func (p *Pool) Len() int { return p.order.Len() }

// Clear empties the pool and returns what it held, oldest first.
func (p *Pool) Clear() []*Message {
	out := p.Snapshot(nil)
	p.order.Init()
	p.index = make(map[string]*list.Element)
	return out
}

func accepts(f Filter, m *Message) bool {
	return f == nil || f(m)
}
