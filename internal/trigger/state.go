package trigger

import (
	"time"

	"github.com/dayuer/dispatchd/internal/bus"
	"github.com/dayuer/dispatchd/internal/rule"
)

// State is the per-attachment bookkeeping of one rule on one channel.
type State struct {
	inFlight  bool
	deadlines map[string]time.Time // heartbeat overrides of insertedAt+timeout
	timedOut  map[string]bool
	consumed  map[string]bool // part of a successful firing of this rule
}

// NewState returns an idle state.
func NewState() *State {
	return &State{
		deadlines: make(map[string]time.Time),
		timedOut:  make(map[string]bool),
		consumed:  make(map[string]bool),
	}
}

// InFlight reports whether a firing is queued or running.
func (s *State) InFlight() bool { return s.inFlight }

// Begin marks a firing as started. It reports false if one already is.
func (s *State) Begin() bool {
	if s.inFlight {
		return false
	}
	s.inFlight = true
	return true
}

// End marks the firing as finished.
func (s *State) End() { s.inFlight = false }

// MarkConsumed records that msgs were part of a successful firing.
func (s *State) MarkConsumed(msgs []*bus.Message) {
	for _, m := range msgs {
		s.consumed[m.ID()] = true
		delete(s.deadlines, m.ID())
	}
}

// Heartbeat moves the timeout deadline of msgID to now+after.
func (s *State) Heartbeat(msgID string, now time.Time, after time.Duration) {
	if after <= 0 || s.timedOut[msgID] {
		return
	}
	s.deadlines[msgID] = now.Add(after)
}

// TimedOut reports whether msgID already timed out.
func (s *State) TimedOut(msgID string) bool { return s.timedOut[msgID] }

// Forget drops everything known about msgID, once it left the pool.
func (s *State) Forget(msgID string) {
	delete(s.deadlines, msgID)
	delete(s.timedOut, msgID)
	delete(s.consumed, msgID)
}

// SweepTimeouts returns the candidates of r whose timeout elapsed at now and
// marks them, so that each message is returned at most once per state.
// Messages that were part of a successful firing never time out.
func SweepTimeouts(r *rule.Rule, s *State, candidates []*bus.Message, now time.Time) []*bus.Message {
	after := r.Timeout().After
	if after <= 0 {
		return nil
	}
	var expired []*bus.Message
	for _, m := range candidates {
		id := m.ID()
		if s.consumed[id] || s.timedOut[id] {
			continue
		}
		deadline, ok := s.deadlines[id]
		if !ok {
			deadline = m.InsertedAt().Add(after)
		}
		if !now.Before(deadline) {
			s.timedOut[id] = true
			delete(s.deadlines, id)
			expired = append(expired, m)
		}
	}
	return expired
}
