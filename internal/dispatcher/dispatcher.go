// Package dispatcher owns the channels of a process, the lifecycle of the
// channel managers that configure them, and routes producer calls.
package dispatcher

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dayuer/dispatchd/internal/bus"
	"github.com/dayuer/dispatchd/internal/channels"
	"github.com/dayuer/dispatchd/internal/journal"
	"github.com/dayuer/dispatchd/internal/trigger"
)

func logf(format string, args ...any) {
	log.Printf("[Dispatcher] "+format, args...)
}

// Dispatcher is the channel registry.
type Dispatcher struct {
	ctx    context.Context
	cancel context.CancelFunc
	sink   journal.Sink
	tick   time.Duration
	idGen  bus.IDGenerator

	mu       sync.Mutex
	channels map[string]*channels.Channel
	masters  map[string]*Handle
	handles  map[ChannelManager]*Handle
	order    []*Handle
	shutdown bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSink sets the diagnostic sink shared by every channel.
func WithSink(s journal.Sink) Option {
	return func(d *Dispatcher) { d.sink = s }
}

// WithTickInterval sets the default evaluation cadence of new channels.
func WithTickInterval(t time.Duration) Option {
	return func(d *Dispatcher) { d.tick = t }
}

// WithContext sets the parent of the context handed to callbacks.
func WithContext(ctx context.Context) Option {
	return func(d *Dispatcher) { d.ctx = ctx }
}

// WithIDGenerator sets the message id generator of new channels.
func WithIDGenerator(gen bus.IDGenerator) Option {
	return func(d *Dispatcher) { d.idGen = gen }
}

// New creates a dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		ctx:      context.Background(),
		sink:     journal.LogSink{Quiet: true},
		tick:     channels.DefaultTickInterval,
		channels: make(map[string]*channels.Channel),
		masters:  make(map[string]*Handle),
		handles:  make(map[ChannelManager]*Handle),
	}
	for _, o := range opts {
		o(d)
	}
	d.ctx, d.cancel = context.WithCancel(d.ctx)
	return d
}

// RegisterChannelManager registers m. A master creates its channel and then
// attaches the managers waiting for it; a non-master is attached at once if
// its channel exists and waits otherwise.
func (d *Dispatcher) RegisterChannelManager(m ChannelManager) (*Handle, error) {
	var p Policy
	m.Configure(&p)
	if p.ChannelID == "" {
		return nil, fmt.Errorf("%w: empty channel id", ErrInvalidPolicy)
	}
	if p.Name == "" {
		p.Name = p.ChannelID
	}

	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return nil, ErrShutdown
	}
	if _, ok := d.handles[m]; ok {
		d.mu.Unlock()
		return nil, ErrAlreadyRegistered
	}
	if p.Master && d.masters[p.ChannelID] != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrChannelExists, p.ChannelID)
	}

	h := &Handle{d: d, manager: m, policy: p}
	d.handles[m] = h
	d.order = append(d.order, h)

	var ch *channels.Channel
	var pending []*Handle
	switch {
	case p.Master:
		ch = channels.New(d.channelConfig(p))
		d.channels[p.ChannelID] = ch
		d.masters[p.ChannelID] = h
		h.binding = newBinding(ch)
		for _, other := range d.order {
			if other != h && other.binding == nil && other.policy.ChannelID == p.ChannelID {
				other.binding = newBinding(ch)
				pending = append(pending, other)
			}
		}
	case d.channels[p.ChannelID] != nil:
		ch = d.channels[p.ChannelID]
		h.binding = newBinding(ch)
	}
	binding := h.binding
	d.mu.Unlock()

	if binding == nil {
		logf("%s waits for the master of channel %s", describe(p), p.ChannelID)
		return h, nil
	}

	if err := d.attach(h, binding); err != nil {
		return nil, err
	}
	if p.Master {
		logf("channel %s (%s) created", p.ChannelID, p.Name)
	}
	for _, other := range pending {
		other.d.mu.Lock()
		b := other.binding
		other.d.mu.Unlock()
		if b == nil {
			continue
		}
		if err := d.attach(other, b); err != nil {
			logf("pending manager of %s dropped: %v", p.ChannelID, err)
		}
	}
	return h, nil
}

// attach runs the manager's OnAttach hook. On failure the manager is
// unregistered and the failure journaled.
func (d *Dispatcher) attach(h *Handle, b *Binding) error {
	err := trigger.Guard(func() error { return h.manager.OnAttach(b) })
	if err == nil {
		return nil
	}
	ae := &AttachError{ChannelID: h.policy.ChannelID, Err: err}
	d.record(journal.Entry{Kind: journal.KindAttachFailure, ChannelID: h.policy.ChannelID, Detail: err.Error()})
	if uerr := d.UnregisterChannelManager(h.manager); uerr != nil {
		logf("unregister after failed attach: %v", uerr)
	}
	return ae
}

// UnregisterChannelManager removes m. Unregistering a master closes its
// channel and returns the channel's other managers to pending; any other
// manager only has its rules detached.
func (d *Dispatcher) UnregisterChannelManager(m ChannelManager) error {
	d.mu.Lock()
	h, ok := d.handles[m]
	if !ok {
		d.mu.Unlock()
		return ErrNotRegistered
	}
	delete(d.handles, m)
	for i, o := range d.order {
		if o == h {
			d.order = append(d.order[:i:i], d.order[i+1:]...)
			break
		}
	}
	b := h.binding
	h.binding = nil

	var closing *channels.Channel
	id := h.policy.ChannelID
	if d.masters[id] == h {
		delete(d.masters, id)
		closing = d.channels[id]
		delete(d.channels, id)
		for _, o := range d.order {
			if o.policy.ChannelID == id {
				o.binding = nil
			}
		}
	}
	d.mu.Unlock()

	switch {
	case closing != nil:
		closing.Close("master manager unregistered")
	case b != nil:
		b.detachAll()
	}
	return nil
}

// GetChannel returns a live channel.
func (d *Dispatcher) GetChannel(id string) (*channels.Channel, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.channels[id]
	return ch, ok
}

// Channels returns the live channels ordered by id.
func (d *Dispatcher) Channels() []*channels.Channel {
	d.mu.Lock()
	out := make([]*channels.Channel, 0, len(d.channels))
	for _, ch := range d.channels {
		out = append(out, ch)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Pending returns the policies of managers waiting for their master.
func (d *Dispatcher) Pending() []Policy {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Policy
	for _, h := range d.order {
		if h.binding == nil {
			out = append(out, h.policy)
		}
	}
	return out
}

// Store routes payload to a channel.
func (d *Dispatcher) Store(channelID string, payload any) (string, error) {
	ch, err := d.lookup(channelID)
	if err != nil {
		return "", err
	}
	return ch.Store(payload)
}

// Remove deletes a message from a channel.
func (d *Dispatcher) Remove(channelID, msgID string) error {
	ch, err := d.lookup(channelID)
	if err != nil {
		return err
	}
	return ch.Remove(msgID)
}

func (d *Dispatcher) lookup(channelID string) (*channels.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown {
		return nil, ErrShutdown
	}
	ch, ok := d.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	return ch, nil
}

// Stats returns a snapshot of every live channel.
func (d *Dispatcher) Stats() []channels.Stats {
	chs := d.Channels()
	out := make([]channels.Stats, len(chs))
	for i, ch := range chs {
		out[i] = ch.Stats()
	}
	return out
}

// Shutdown closes every channel concurrently and waits, within ctx, for
// in-flight firings to finish. Only the first call does anything.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return nil
	}
	d.shutdown = true
	chs := make([]*channels.Channel, 0, len(d.channels))
	for _, ch := range d.channels {
		chs = append(chs, ch)
	}
	d.channels = make(map[string]*channels.Channel)
	d.masters = make(map[string]*Handle)
	d.handles = make(map[ChannelManager]*Handle)
	for _, h := range d.order {
		h.binding = nil
	}
	d.order = nil
	d.mu.Unlock()

	defer d.cancel()
	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range chs {
		g.Go(func() error {
			ch.Close("dispatcher shutdown")
			return ch.Drain(gctx)
		})
	}
	err := g.Wait()
	logf("shut down, %d channels closed", len(chs))
	return err
}

func (d *Dispatcher) channelConfig(p Policy) channels.Config {
	tick := d.tick
	if p.TickInterval > 0 {
		tick = p.TickInterval
	}
	return channels.Config{
		ID:           p.ChannelID,
		Name:         p.Name,
		TickInterval: tick,
		Sink:         d.sink,
		Context:      d.ctx,
		IDGenerator:  d.idGen,
	}
}

func (d *Dispatcher) record(e journal.Entry) {
	e.Time = time.Now()
	if err := d.sink.Record(context.WithoutCancel(d.ctx), e); err != nil {
		logf("journal %s failed: %v", e.Kind, err)
	}
}

func describe(p Policy) string {
	if p.Master {
		return "master manager"
	}
	return "manager"
}
