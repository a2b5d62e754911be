// Package groupclock records, per consume group, when a rule of that group
// last fired successfully.
//
// A Registry is owned by one channel and is not goroutine-safe: writes happen
// when a firing completes and reads happen during evaluation, both under the
// channel's lock.
package groupclock

import (
	"sort"
	"time"
)

// Registry maps group names to the time of their last successful firing.
type Registry struct {
	fired map[string]time.Time
}

// New creates an empty registry. Every group starts as "never fired".
func New() *Registry {
	return &Registry{fired: make(map[string]time.Time)}
}

// RecordFired marks group as fired at the given time.
func (r *Registry) RecordFired(group string, at time.Time) {
	r.fired[group] = at
}

// ElapsedSince returns how long ago group last fired. The boolean is false
// when the group never fired; the duration is then meaningless.
func (r *Registry) ElapsedSince(group string, now time.Time) (time.Duration, bool) {
	at, ok := r.fired[group]
	if !ok {
		return 0, false
	}
	return now.Sub(at), true
}

// LastFired returns the last firing time of group.
func (r *Registry) LastFired(group string) (time.Time, bool) {
	at, ok := r.fired[group]
	return at, ok
}

// Groups returns the names of all groups that fired at least once, sorted.
func (r *Registry) Groups() []string {
	names := make([]string, 0, len(r.fired))
	for g := range r.fired {
		names = append(names, g)
	}
	sort.Strings(names)
	return names
}

// Snapshot copies the registry contents.
func (r *Registry) Snapshot() map[string]time.Time {
	out := make(map[string]time.Time, len(r.fired))
	for g, at := range r.fired {
		out[g] = at
	}
	return out
}

// Reset forgets every recorded firing.
func (r *Registry) Reset() {
	r.fired = make(map[string]time.Time)
}
