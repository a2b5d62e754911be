package channels

import (
	"time"

	"github.com/dayuer/dispatchd/internal/lane"
)

// RuleStats are the counters of one attached rule.
type RuleStats struct {
	ID         string     `json:"id"`
	AttachedAt time.Time  `json:"attachedAt"`
	MinSize    int        `json:"minSize"`
	MaxSize    int        `json:"maxSize"`
	Candidates int        `json:"candidates"`
	InFlight   bool       `json:"inFlight"`
	Fired      int64      `json:"fired"`
	Errors     int64      `json:"errors"`
	Timeouts   int64      `json:"timeouts"`
	Consumed   int64      `json:"consumed"`
	LastFired  time.Time  `json:"lastFired,omitempty"`
	Groups     []string   `json:"groups"`
	Lane       lane.Stats `json:"lane"`
}

// Stats describes a channel at one instant.
type Stats struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Closed      bool                 `json:"closed"`
	CloseReason string               `json:"closeReason,omitempty"`
	Size        int                  `json:"size"`
	Rules       []RuleStats          `json:"rules"`
	GroupClocks map[string]time.Time `json:"groupClocks"`
}

// Stats returns a snapshot of the channel and its rules.
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	s := Stats{
		ID:          c.id,
		Name:        c.name,
		Closed:      c.closed,
		CloseReason: c.closeReason,
		Size:        c.pool.Len(),
		Rules:       make([]RuleStats, 0, len(c.rules)),
		GroupClocks: c.clocks.Snapshot(),
	}
	lanes := make([]*lane.Lane, 0, len(c.rules))
	for _, a := range c.rules {
		rs := a.stats
		rs.MinSize = a.rule.MinSize()
		rs.MaxSize = a.rule.MaxSize()
		rs.InFlight = a.state.InFlight()
		rs.Groups = a.rule.Groups()
		s.Rules = append(s.Rules, rs)
		lanes = append(lanes, a.fire)
	}
	c.mu.Unlock()

	for i, l := range lanes {
		s.Rules[i].Lane = l.Stats()
	}
	return s
}
