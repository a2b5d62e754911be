package dispatcher

import (
	"errors"
	"sync"
	"time"

	"github.com/dayuer/dispatchd/internal/channels"
	"github.com/dayuer/dispatchd/internal/rule"
)

// Policy is what a channel manager declares about the channel it serves.
type Policy struct {
	ChannelID string
	Name      string
	// Master managers create the channel; the others only add rules to it.
	Master bool
	// TickInterval overrides the dispatcher default for a channel created
	// by this (master) manager.
	TickInterval time.Duration
}

// ChannelManager configures a channel and contributes rules to it.
// Managers are used as map keys and must be comparable; pointers are.
type ChannelManager interface {
	Configure(p *Policy)
	// OnAttach runs once the channel is live. Rules attached through the
	// binding are detached when the manager is unregistered.
	OnAttach(b *Binding) error
}

// Binding is a manager's access to its live channel.
type Binding struct {
	ch *channels.Channel

	mu    sync.Mutex
	rules []string
}

func newBinding(ch *channels.Channel) *Binding {
	return &Binding{ch: ch}
}

// Channel returns the live channel.
func (b *Binding) Channel() *channels.Channel { return b.ch }

// Attach attaches r to the channel on behalf of the manager.
func (b *Binding) Attach(r *rule.Rule) error {
	if err := b.ch.Attach(r); err != nil {
		return err
	}
	b.mu.Lock()
	b.rules = append(b.rules, r.ID())
	b.mu.Unlock()
	return nil
}

// RuleIDs returns the rules attached through this binding.
func (b *Binding) RuleIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.rules...)
}

// detachAll detaches every rule attached through the binding.
func (b *Binding) detachAll() {
	b.mu.Lock()
	ids := b.rules
	b.rules = nil
	b.mu.Unlock()
	for _, id := range ids {
		if err := b.ch.Detach(id); err != nil && !errors.Is(err, channels.ErrRuleNotFound) {
			logf("detach rule %s from %s: %v", id, b.ch.ID(), err)
		}
	}
}

// Handle is a registered manager.
type Handle struct {
	d       *Dispatcher
	manager ChannelManager
	policy  Policy

	binding *Binding // nil while pending; guarded by d.mu
}

// Policy returns the policy declared by the manager.
func (h *Handle) Policy() Policy { return h.policy }

// Manager returns the registered manager.
func (h *Handle) Manager() ChannelManager { return h.manager }

// Channel returns the manager's live channel, or nil while it waits for
// its master.
func (h *Handle) Channel() *channels.Channel {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	if h.binding == nil {
		return nil
	}
	return h.binding.ch
}

// Pending reports whether the manager still waits for its master.
func (h *Handle) Pending() bool { return h.Channel() == nil }

// Close unregisters the manager.
func (h *Handle) Close() error {
	return h.d.UnregisterChannelManager(h.manager)
}
