// Package channels implements the runtime channel: a message pool, its
// group clocks and the consumer rules attached to it, driven by one
// evaluation loop.
//
// Locking: one mutex guards the pool, the clocks and every rule's trigger
// state. The loop holds it for a whole evaluation pass, producers hold it
// for a single insert or remove. Consumer callbacks never run under it;
// each rule hands its firings to its own lane and timeout handlers to a
// second one, so a slow rule holds up nobody else.
package channels

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/dayuer/dispatchd/internal/bus"
	"github.com/dayuer/dispatchd/internal/groupclock"
	"github.com/dayuer/dispatchd/internal/journal"
	"github.com/dayuer/dispatchd/internal/lane"
	"github.com/dayuer/dispatchd/internal/rule"
	"github.com/dayuer/dispatchd/internal/trigger"
)

// DefaultTickInterval is the evaluation cadence when Config leaves it unset.
const DefaultTickInterval = 50 * time.Millisecond

// Config configures a channel.
type Config struct {
	ID   string
	Name string

	// TickInterval bounds how late an age threshold is noticed.
	TickInterval time.Duration

	// Sink receives the channel's journal entries. Defaults to journal.LogSink.
	Sink journal.Sink

	// Context is handed to every callback. It is not cancelled by Close.
	Context context.Context

	IDGenerator bus.IDGenerator
	Now         func() time.Time
}

// Channel owns a pool of messages and the rules consuming from it.
type Channel struct {
	id   string
	name string
	ctx  context.Context
	sink journal.Sink
	now  func() time.Time
	tick time.Duration

	mu          sync.Mutex
	pool        *bus.Pool
	clocks      *groupclock.Registry
	rules       []*attachment
	closed      bool
	closeReason string
	disposed    []<-chan struct{}

	wake     chan struct{}
	stop     chan struct{}
	loopDone chan struct{}
}

// attachment is a rule attached to this channel plus its runtime state.
type attachment struct {
	rule     *rule.Rule
	state    *trigger.State
	fire     *lane.Lane
	timeouts *lane.Lane
	stats    RuleStats
	faults   map[faultKey]bool
}

// New creates a channel and starts its evaluation loop.
func New(cfg Config) *Channel {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Sink == nil {
		cfg.Sink = journal.LogSink{Quiet: true}
	}
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	poolOpts := []bus.PoolOption{bus.WithClock(cfg.Now)}
	if cfg.IDGenerator != nil {
		poolOpts = append(poolOpts, bus.WithIDGenerator(cfg.IDGenerator))
	}

	c := &Channel{
		id:       cfg.ID,
		name:     cfg.Name,
		ctx:      cfg.Context,
		sink:     cfg.Sink,
		now:      cfg.Now,
		tick:     cfg.TickInterval,
		pool:     bus.NewPool(cfg.ID, poolOpts...),
		clocks:   groupclock.New(),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go c.run()
	return c
}

// ID returns the channel identity.
func (c *Channel) ID() string { return c.id }

// Name returns the display name; it defaults to the id.
func (c *Channel) Name() string { return c.name }

// Store adds payload to the pool and returns the new message id. Rules
// carrying a replace filter may evict older messages first.
func (c *Channel) Store(payload any) (string, error) {
	id, reports, err := c.insert(payload)
	for _, e := range reports {
		c.record(e)
	}
	if err != nil {
		return "", err
	}
	c.signal()
	return id, nil
}

func (c *Channel) insert(payload any) (string, []journal.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", nil, ErrClosed
	}
	var reports []journal.Entry
	m, replaced := c.pool.Insert(payload, c.replacers(&reports)...)
	for _, old := range replaced {
		c.forgetLocked(old.ID())
	}
	return m.ID(), reports, nil
}

// Remove deletes a message from the pool.
func (c *Channel) Remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, ok := c.pool.Remove(id); !ok {
		return ErrMessageNotFound
	}
	c.forgetLocked(id)
	return nil
}

// forgetLocked drops every rule's state about a message that left the pool.
func (c *Channel) forgetLocked(id string) {
	for _, a := range c.rules {
		a.state.Forget(id)
		a.forgetFaults(id)
	}
}

// Attach runs the rule's attach hook against this channel and, if it
// succeeds, adds the rule after the ones already attached.
func (c *Channel) Attach(r *rule.Rule) error {
	c.mu.Lock()
	err := c.checkAttachLocked(r)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	if err := trigger.Guard(func() error { return r.Attached(c) }); err != nil {
		c.record(journal.Entry{Kind: journal.KindAttachFailure, RuleID: r.ID(), Detail: err.Error()})
		return &AttachError{ChannelID: c.id, RuleID: r.ID(), Err: err}
	}

	c.mu.Lock()
	if err := c.checkAttachLocked(r); err != nil {
		c.mu.Unlock()
		r.Detached(c)
		return err
	}
	prefix := c.id + "/" + r.ID()
	c.rules = append(c.rules, &attachment{
		rule:     r,
		state:    trigger.NewState(),
		fire:     lane.New(prefix + "/fire"),
		timeouts: lane.New(prefix + "/timeout"),
		stats:    RuleStats{ID: r.ID(), AttachedAt: c.now()},
		faults:   make(map[faultKey]bool),
	})
	c.mu.Unlock()

	c.signal()
	return nil
}

func (c *Channel) checkAttachLocked(r *rule.Rule) error {
	if c.closed {
		return ErrClosed
	}
	for _, a := range c.rules {
		if a.rule.ID() == r.ID() {
			return ErrDuplicateRule
		}
	}
	return nil
}

// Detach removes a rule. A firing already running completes; queued work
// is dropped; the rule's detach hook runs once its lanes are idle.
func (c *Channel) Detach(ruleID string) error {
	c.mu.Lock()
	idx := -1
	for i, a := range c.rules {
		if a.rule.ID() == ruleID {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return ErrRuleNotFound
	}
	a := c.rules[idx]
	c.rules = append(c.rules[:idx:idx], c.rules[idx+1:]...)
	c.mu.Unlock()

	c.dispose(a)
	return nil
}

// dispose closes a detached rule's lanes and runs its detach hook after both
// are idle.
func (c *Channel) dispose(a *attachment) {
	a.timeouts.Close(nil)
	a.fire.Close(func() {
		<-a.timeouts.Done()
		a.rule.Detached(c)
	})
	c.mu.Lock()
	c.disposed = append(c.disposed, a.fire.Done())
	c.mu.Unlock()
}

// Close detaches every rule, clears the pool and marks the channel closed.
// Later Store calls fail with ErrClosed. Close does not wait for in-flight
// firings; use Drain for that. Only the first call has an effect.
func (c *Channel) Close(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeReason = reason
	rules := c.rules
	c.rules = nil
	dropped := c.pool.Clear()
	c.mu.Unlock()

	close(c.stop)
	for _, a := range rules {
		c.dispose(a)
	}
	log.Printf("[Channel] %s closed (%s), %d rules detached, %d messages dropped", c.id, reason, len(rules), len(dropped))
	c.record(journal.Entry{Kind: journal.KindChannelClosed, Detail: reason})
}

// Drain waits until the evaluation loop stopped and every detached rule
// finished its in-flight work and disposal. Must not be called from a
// callback of this channel.
func (c *Channel) Drain(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	waits := append([]<-chan struct{}(nil), c.disposed...)
	c.mu.Unlock()
	if closed {
		waits = append(waits, c.loopDone)
	}
	for _, w := range waits {
		select {
		case <-w:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Size returns the number of pooled messages.
func (c *Channel) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool.Len()
}

// Messages returns the pooled messages, oldest first.
func (c *Channel) Messages() []*bus.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool.Snapshot(nil)
}

// Message looks up one pooled message.
func (c *Channel) Message(id string) (*bus.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool.Get(id)
}

// GroupClock returns when group last fired on this channel.
func (c *Channel) GroupClock(group string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clocks.LastFired(group)
}

// RuleIDs returns the attached rules in attachment order.
func (c *Channel) RuleIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, len(c.rules))
	for i, a := range c.rules {
		ids[i] = a.rule.ID()
	}
	return ids
}

// signal wakes the evaluation loop without blocking.
func (c *Channel) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// record stamps e with the channel and time and writes it to the sink.
func (c *Channel) record(e journal.Entry) {
	e.ChannelID = c.id
	if e.Time.IsZero() {
		e.Time = c.now()
	}
	if err := c.sink.Record(context.WithoutCancel(c.ctx), e); err != nil {
		log.Printf("[Channel] %s: journal %s failed: %v", c.id, e.Kind, err)
	}
}
