// Package journal records what the dispatching runtime does: firings,
// consume errors, timeouts, attach failures and channel closures.
//
// A Sink is the runtime's diagnostic sink. Unhandled consume errors always
// end up here, so a deployment that wants them persisted picks the SQLite
// or Redis sink; LogSink is the default.
package journal

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"
)

// Kind classifies an entry.
type Kind string

const (
	KindFired          Kind = "fired"
	KindConsumeError   Kind = "consume_error"
	KindUnhandledError Kind = "unhandled_error"
	KindTimeout        Kind = "timeout"
	KindAttachFailure  Kind = "attach_failure"
	KindChannelClosed  Kind = "channel_closed"
)

// Entry is one journal record.
type Entry struct {
	Time       time.Time `json:"time"`
	Kind       Kind      `json:"kind"`
	ChannelID  string    `json:"channelId"`
	RuleID     string    `json:"ruleId,omitempty"`
	MessageIDs []string  `json:"messageIds,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink receives journal entries. Implementations must be safe for
// concurrent use.
type Sink interface {
	Record(ctx context.Context, e Entry) error
	Close() error
}

// LogSink writes entries with the standard logger.
type LogSink struct {
	// Quiet drops fired entries, which are by far the most frequent.
	Quiet bool
}

func (s LogSink) Record(_ context.Context, e Entry) error {
	if s.Quiet && e.Kind == KindFired {
		return nil
	}
	var b strings.Builder
	b.WriteString("[Journal] ")
	b.WriteString(string(e.Kind))
	b.WriteString(" channel=")
	b.WriteString(e.ChannelID)
	if e.RuleID != "" {
		b.WriteString(" rule=")
		b.WriteString(e.RuleID)
	}
	if len(e.MessageIDs) > 0 {
		b.WriteString(" messages=")
		b.WriteString(strings.Join(e.MessageIDs, ","))
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	log.Print(b.String())
	return nil
}

func (LogSink) Close() error { return nil }

// Multi fans entries out to several sinks. Sinks can be added while
// entries are recorded.
type Multi struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewMulti returns a fan-out over sinks; nil sinks are skipped.
func NewMulti(sinks ...Sink) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		m.Add(s)
	}
	return m
}

// Add appends a sink.
func (m *Multi) Add(s Sink) {
	if s == nil {
		return
	}
	m.mu.Lock()
	m.sinks = append(m.sinks, s)
	m.mu.Unlock()
}

// Record forwards e to every sink and joins their errors.
func (m *Multi) Record(ctx context.Context, e Entry) error {
	m.mu.RLock()
	sinks := append([]Sink(nil), m.sinks...)
	m.mu.RUnlock()

	var errs []error
	for _, s := range sinks {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m *Multi) Close() error {
	m.mu.Lock()
	sinks := m.sinks
	m.sinks = nil
	m.mu.Unlock()

	var errs []error
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reader is a sink that can list what it recorded, newest first.
type Reader interface {
	Recent(ctx context.Context, limit int) ([]Entry, error)
}
