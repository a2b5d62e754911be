package rulespec

import (
	"errors"
	"fmt"
	"log"

	"github.com/dayuer/dispatchd/internal/actions"
	"github.com/dayuer/dispatchd/internal/dispatcher"
)

// channelManager is the master manager of a declared channel.
type channelManager struct {
	spec ChannelSpec
}

func (m *channelManager) Configure(p *dispatcher.Policy) {
	p.ChannelID = m.spec.ID
	p.Name = m.spec.Name
	p.Master = true
	p.TickInterval = m.spec.Tick
}

func (m *channelManager) OnAttach(*dispatcher.Binding) error { return nil }

// ruleManager contributes the rules of one channel. Rules are built on every
// attach so a re-created channel gets fresh rules.
type ruleManager struct {
	channelID string
	rules     []RuleSpec
	res       *actions.Resolver
}

func (m *ruleManager) Configure(p *dispatcher.Policy) {
	p.ChannelID = m.channelID
}

func (m *ruleManager) OnAttach(b *dispatcher.Binding) error {
	for _, rs := range m.rules {
		r, err := Build(rs, m.res)
		if err != nil {
			return err
		}
		if err := b.Attach(r); err != nil {
			return fmt.Errorf("attach %s: %w", rs.label(), err)
		}
	}
	return nil
}

// Set is the managers registered for one rules file.
type Set struct {
	d       *dispatcher.Dispatcher
	masters map[string]*dispatcher.Handle
	members []*dispatcher.Handle
}

// Channels returns the ids of the channels the set declares.
func (s *Set) Channels() []string {
	out := make([]string, 0, len(s.masters))
	for id := range s.masters {
		out = append(out, id)
	}
	return out
}

// Close unregisters every manager of the set; declared channels close.
func (s *Set) Close() error {
	var errs []error
	for _, h := range s.members {
		errs = append(errs, ignoreUnregistered(h.Close()))
	}
	for _, h := range s.masters {
		errs = append(errs, ignoreUnregistered(h.Close()))
	}
	s.members = nil
	s.masters = nil
	return errors.Join(errs...)
}

func ignoreUnregistered(err error) error {
	if errors.Is(err, dispatcher.ErrNotRegistered) {
		return nil
	}
	return err
}

// Apply registers f with d. With a previous set, its rule managers are
// replaced, channels no longer declared are closed, and channels still
// declared keep running. Every rule is validated before anything changes.
// When a registration fails, the managers registered by this call are
// removed and the previous set stays in effect.
func Apply(d *dispatcher.Dispatcher, f *File, res *actions.Resolver, prev *Set) (*Set, error) {
	if err := Validate(f, res); err != nil {
		return nil, err
	}

	next := &Set{d: d, masters: make(map[string]*dispatcher.Handle)}
	declared := make(map[string]bool)
	for _, c := range f.Channels {
		declared[c.ID] = true
	}

	// Old rule managers leave first so rule ids can be reused.
	var oldMembers []*dispatcher.Handle
	if prev != nil {
		oldMembers = prev.members
		for _, h := range oldMembers {
			if err := ignoreUnregistered(h.Close()); err != nil {
				log.Printf("[Rules] unregister rules of %s: %v", h.Policy().ChannelID, err)
			}
		}
		for id, h := range prev.masters {
			if declared[id] {
				next.masters[id] = h
			}
		}
	}

	var created []*dispatcher.Handle
	rollback := func(err error) (*Set, error) {
		for _, h := range created {
			if cerr := ignoreUnregistered(h.Close()); cerr != nil {
				log.Printf("[Rules] rollback %s: %v", h.Policy().ChannelID, cerr)
			}
		}
		restored := make([]*dispatcher.Handle, 0, len(oldMembers))
		for _, h := range oldMembers {
			rh, rerr := d.RegisterChannelManager(h.Manager())
			if rerr != nil {
				log.Printf("[Rules] restore rules of %s: %v", h.Policy().ChannelID, rerr)
				continue
			}
			restored = append(restored, rh)
		}
		if prev != nil {
			prev.members = restored
		}
		return nil, err
	}

	for _, c := range f.Channels {
		if _, ok := next.masters[c.ID]; ok {
			continue
		}
		h, err := d.RegisterChannelManager(&channelManager{spec: c})
		if err != nil {
			return rollback(fmt.Errorf("channel %s: %w", c.ID, err))
		}
		created = append(created, h)
		next.masters[c.ID] = h
	}

	for _, id := range f.RuleChannels() {
		h, err := d.RegisterChannelManager(&ruleManager{channelID: id, rules: f.RulesFor(id), res: res})
		if err != nil {
			return rollback(fmt.Errorf("rules of %s: %w", id, err))
		}
		created = append(created, h)
		if h.Pending() {
			log.Printf("[Rules] rules of %s wait for the channel to be declared", id)
		}
		next.members = append(next.members, h)
	}

	if prev != nil {
		for id, h := range prev.masters {
			if declared[id] {
				continue
			}
			if err := ignoreUnregistered(h.Close()); err != nil {
				log.Printf("[Rules] close channel %s: %v", id, err)
			}
		}
	}

	log.Printf("[Rules] ✅ %d channels, %d rules applied", len(f.Channels), countEnabled(f))
	return next, nil
}

func countEnabled(f *File) int {
	n := 0
	for _, r := range f.Rules {
		if r.IsEnabled() {
			n++
		}
	}
	return n
}
