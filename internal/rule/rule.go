// Package rule defines consumer rules: the immutable configuration that
// decides when pooled messages are delivered to a consumer callback and
// which messages make up the delivered batch.
//
// Rules are built once with New and a list of options and cannot be changed
// afterwards; reconfiguring means detaching the rule and attaching a new one.
package rule

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/dayuer/dispatchd/internal/bus"
)

// Group names every rule is a member of, besides the ones it declares.
const (
	// GroupAny is shared by every rule on a channel.
	GroupAny = "*"
	// privateGroupPrefix + rule ID names the rule's own group.
	privateGroupPrefix = "rule:"
)

// DefaultMaxSize is the pool max size of a rule that sets none.
const DefaultMaxSize = math.MaxInt32

// AgeMode selects how message ages gate a firing.
type AgeMode int

const (
	AgeNone     AgeMode = iota // No age requirement.
	AgeAll                     // Every candidate is old enough.
	AgeLeastOne                // At least one candidate is old enough.
	AgeLeastX                  // At least Count candidates are old enough.
)

// String returns the mode name used in rule files and status output.
func (m AgeMode) String() string {
	switch m {
	case AgeNone:
		return "none"
	case AgeAll:
		return "all"
	case AgeLeastOne:
		return "least_one"
	case AgeLeastX:
		return "least_x"
	default:
		return fmt.Sprintf("AgeMode(%d)", int(m))
	}
}

// ParseAgeMode parses a mode name as produced by String. Empty means none.
func ParseAgeMode(s string) (AgeMode, error) {
	switch s {
	case "", "none":
		return AgeNone, nil
	case "all":
		return AgeAll, nil
	case "least_one":
		return AgeLeastOne, nil
	case "least_x":
		return AgeLeastX, nil
	default:
		return AgeNone, fmt.Errorf("rule: unknown message age mode %q", s)
	}
}

// MessageAge is the message-age trigger.
type MessageAge struct {
	Mode      AgeMode
	Threshold time.Duration
	Count     int // only for AgeLeastX
}

// ConsumeEvent is the consume-event-age trigger: it holds while the group's
// last successful firing is at least Age old, or, with Never set, while the
// group never fired.
type ConsumeEvent struct {
	Group string
	Age   time.Duration
	Never bool
}

// Configured reports whether the trigger takes part in evaluation.
func (c ConsumeEvent) Configured() bool {
	return c.Group != "" || c.Age > 0 || c.Never
}

// Timeout is the per-message timeout policy.
type Timeout struct {
	After   time.Duration
	Handler TimeoutFunc
}

// ConsumeFunc receives one batch per firing. A returned error (or a panic)
// is routed to the rule's error handlers.
type ConsumeFunc func(ctx context.Context, b *Batch) error

// TimeoutFunc is called once per message that timed out for the rule.
type TimeoutFunc func(ctx context.Context, m *bus.Message)

// ErrorFunc handles a failed firing.
type ErrorFunc func(ctx context.Context, err *ConsumeError)

// ChannelRef is the view of the owning channel given to hooks and batches.
type ChannelRef interface {
	ID() string
	Name() string
	Store(payload any) (string, error)
	Remove(id string) error
}

// errorRoute is one (error kind -> handler) pair.
type errorRoute struct {
	kind    error
	match   func(error) bool
	handler ErrorFunc
}

func (r errorRoute) matches(err error) bool {
	if r.match != nil {
		return r.match(err)
	}
	return isKind(err, r.kind)
}

// Rule is an immutable consumer rule.
type Rule struct {
	id            string
	consume       ConsumeFunc
	poolFilter    bus.Filter
	replaceFilter func(newer, older *bus.Message) bool
	minSize       int
	maxSize       int
	messageAge    MessageAge
	consumeEvent  ConsumeEvent
	timeout       Timeout
	defaultError  ErrorFunc
	errorRoutes   []errorRoute
	keepMessages  bool
	groups        []string
	onAttach      func(ChannelRef) error
	onDetach      func(ChannelRef)
}

// Option configures a rule under construction.
type Option func(*Rule)

// WithID fixes the rule id instead of generating one.
func WithID(id string) Option {
	return func(r *Rule) { r.id = id }
}

// WithPoolFilter restricts the rule's candidates.
func WithPoolFilter(f bus.Filter) Option {
	return func(r *Rule) { r.poolFilter = f }
}

// WithReplaceFilter makes a newly stored message supersede older candidates
// of this rule for which f(newer, older) holds.
func WithReplaceFilter(f func(newer, older *bus.Message) bool) Option {
	return func(r *Rule) { r.replaceFilter = f }
}

// WithMinSize sets the minimum number of candidates required to fire.
func WithMinSize(n int) Option {
	return func(r *Rule) { r.minSize = n }
}

// WithMaxSize sets the candidate count that forces a flush, and the batch cap.
func WithMaxSize(n int) Option {
	return func(r *Rule) { r.maxSize = n }
}

// WithPoolSize sets both bounds.
func WithPoolSize(min, max int) Option {
	return func(r *Rule) {
		r.minSize = min
		r.maxSize = max
	}
}

// WithMessageAge sets the message-age trigger for AgeNone, AgeAll and AgeLeastOne.
func WithMessageAge(mode AgeMode, threshold time.Duration) Option {
	return func(r *Rule) { r.messageAge = MessageAge{Mode: mode, Threshold: threshold} }
}

// WithMessageAgeCount sets an AgeLeastX trigger.
func WithMessageAgeCount(count int, threshold time.Duration) Option {
	return func(r *Rule) {
		r.messageAge = MessageAge{Mode: AgeLeastX, Threshold: threshold, Count: count}
	}
}

// WithConsumeEventAge gates firing on the idle time of group. An empty group
// means the rule's private group.
func WithConsumeEventAge(group string, age time.Duration, never bool) Option {
	return func(r *Rule) { r.consumeEvent = ConsumeEvent{Group: group, Age: age, Never: never} }
}

// WithTimeout enables per-message timeouts.
func WithTimeout(after time.Duration, handler TimeoutFunc) Option {
	return func(r *Rule) { r.timeout = Timeout{After: after, Handler: handler} }
}

// WithErrorHandler sets the handler for errors no route matches.
func WithErrorHandler(h ErrorFunc) Option {
	return func(r *Rule) { r.defaultError = h }
}

// OnError routes errors matching kind (errors.Is, or errors.As when kind is
// a pointer to an error type's zero value) to h. Routes are tried in the
// order they were added.
func OnError(kind error, h ErrorFunc) Option {
	return func(r *Rule) { r.errorRoutes = append(r.errorRoutes, errorRoute{kind: kind, handler: h}) }
}

// OnErrorFunc routes errors accepted by match to h.
func OnErrorFunc(match func(error) bool, h ErrorFunc) Option {
	return func(r *Rule) { r.errorRoutes = append(r.errorRoutes, errorRoute{match: match, handler: h}) }
}

// WithKeepMessages leaves consumed messages in the pool.
func WithKeepMessages() Option {
	return func(r *Rule) { r.keepMessages = true }
}

// WithGroups adds group memberships updated on every successful firing.
func WithGroups(groups ...string) Option {
	return func(r *Rule) { r.groups = append(r.groups, groups...) }
}

// WithOnAttach runs fn once against the live channel before the rule is evaluated.
func WithOnAttach(fn func(ChannelRef) error) Option {
	return func(r *Rule) { r.onAttach = fn }
}

// WithOnDetach runs fn once the rule is detached and its in-flight work finished.
func WithOnDetach(fn func(ChannelRef)) Option {
	return func(r *Rule) { r.onDetach = fn }
}

// New builds and validates a rule.
func New(consume ConsumeFunc, opts ...Option) (*Rule, error) {
	r := &Rule{
		consume: consume,
		minSize: 1,
		maxSize: DefaultMaxSize,
	}
	for _, o := range opts {
		o(r)
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	if r.id == "" {
		r.id = bus.DefaultIDGenerator()
	}
	if r.consumeEvent.Configured() && r.consumeEvent.Group == "" {
		r.consumeEvent.Group = r.PrivateGroup()
	}
	r.groups = normalizeGroups(r.PrivateGroup(), r.groups)
	return r, nil
}

// MustNew is like New but panics on invalid configuration.
func MustNew(consume ConsumeFunc, opts ...Option) *Rule {
	r, err := New(consume, opts...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Rule) validate() error {
	switch {
	case r.consume == nil:
		return ErrNoConsumer
	case r.minSize < 0:
		return fmt.Errorf("%w: min size %d", ErrInvalidSize, r.minSize)
	case r.maxSize < 1 || r.maxSize < r.minSize:
		return fmt.Errorf("%w: max size %d with min size %d", ErrInvalidSize, r.maxSize, r.minSize)
	case r.messageAge.Mode < AgeNone || r.messageAge.Mode > AgeLeastX:
		return fmt.Errorf("%w: mode %v", ErrInvalidAge, r.messageAge.Mode)
	case r.messageAge.Threshold < 0:
		return fmt.Errorf("%w: negative threshold", ErrInvalidAge)
	case r.messageAge.Mode == AgeLeastX && r.messageAge.Count < 1:
		return fmt.Errorf("%w: least_x needs a positive count", ErrInvalidAge)
	case r.consumeEvent.Age < 0:
		return fmt.Errorf("%w: negative consume event age", ErrInvalidAge)
	case r.timeout.After < 0:
		return fmt.Errorf("%w: negative timeout", ErrInvalidTimeout)
	}
	for _, g := range r.groups {
		if g == "" {
			return ErrEmptyGroup
		}
	}
	for _, route := range r.errorRoutes {
		if route.handler == nil || (route.kind == nil && route.match == nil) {
			return ErrInvalidErrorRoute
		}
	}
	return nil
}

// normalizeGroups returns private, GroupAny, then the declared groups without duplicates.
func normalizeGroups(private string, declared []string) []string {
	seen := map[string]bool{private: true, GroupAny: true}
	out := []string{private, GroupAny}
	for _, g := range declared {
		if !seen[g] {
			seen[g] = true
			out = append(out, g)
		}
	}
	return out
}

// ID returns the rule identity.
func (r *Rule) ID() string { return r.id }

// PrivateGroup returns the group only this rule belongs to.
func (r *Rule) PrivateGroup() string { return privateGroupPrefix + r.id }

// Accepts reports whether m is a candidate of this rule.
func (r *Rule) Accepts(m *bus.Message) bool {
	return r.poolFilter == nil || r.poolFilter(m)
}

// Replacer returns the pool replacer of this rule; ok is false without a replace filter.
func (r *Rule) Replacer() (bus.Replacer, bool) {
	if r.replaceFilter == nil {
		return bus.Replacer{}, false
	}
	return bus.Replacer{Scope: r.Accepts, Replaces: r.replaceFilter}, true
}

// MinSize returns the candidate count below which the rule never fires.
func (r *Rule) MinSize() int { return r.minSize }

// MaxSize returns the largest batch; reaching it forces a firing.
func (r *Rule) MaxSize() int { return r.maxSize }

// MessageAge returns the message-age trigger.
func (r *Rule) MessageAge() MessageAge { return r.messageAge }

// ConsumeEvent returns the consume-event-age trigger.
func (r *Rule) ConsumeEvent() ConsumeEvent { return r.consumeEvent }

// Timeout returns the per-message timeout and its handler.
func (r *Rule) Timeout() Timeout { return r.timeout }

// KeepMessages reports whether firings leave their messages pooled.
func (r *Rule) KeepMessages() bool { return r.keepMessages }

// Groups returns every group the rule updates when it fires: its private
// group, GroupAny, then the declared groups.
func (r *Rule) Groups() []string {
	out := make([]string, len(r.groups))
	copy(out, r.groups)
	return out
}

// Consume invokes the consumer callback.
func (r *Rule) Consume(ctx context.Context, b *Batch) error {
	return r.consume(ctx, b)
}

// HandleTimeout invokes the timeout handler, if any.
func (r *Rule) HandleTimeout(ctx context.Context, m *bus.Message) {
	if r.timeout.Handler != nil {
		r.timeout.Handler(ctx, m)
	}
}

// HandleError routes err to the first matching route, else the default
// handler. It reports false when nothing handled the error.
func (r *Rule) HandleError(ctx context.Context, err *ConsumeError) bool {
	for _, route := range r.errorRoutes {
		if route.matches(err.Err) {
			route.handler(ctx, err)
			return true
		}
	}
	if r.defaultError != nil {
		r.defaultError(ctx, err)
		return true
	}
	return false
}

// Attached runs the attach hook.
func (r *Rule) Attached(ch ChannelRef) error {
	if r.onAttach == nil {
		return nil
	}
	return r.onAttach(ch)
}

// Detached runs the disposal hook.
func (r *Rule) Detached(ch ChannelRef) {
	if r.onDetach != nil {
		r.onDetach(ch)
	}
}
