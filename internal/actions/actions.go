// Package actions turns the action blocks of a rules file into rule
// callbacks: consumers, timeout handlers and error handlers.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/dayuer/dispatchd/internal/bus"
	"github.com/dayuer/dispatchd/internal/rule"
)

// Action types.
const (
	TypeLog     = "log"
	TypeWebhook = "webhook"
	TypeForward = "forward"
	TypeDrop    = "drop"
)

var (
	ErrUnknownType = errors.New("actions: unknown action type")
	ErrMissingURL  = errors.New("actions: webhook needs a url")
	ErrMissingDest = errors.New("actions: forward needs a channel")
	ErrNoStorer    = errors.New("actions: forward needs a dispatcher")
)

// Spec is one action block.
type Spec struct {
	Type     string            `yaml:"type" json:"type"`
	URL      string            `yaml:"url,omitempty" json:"url,omitempty"`
	Channel  string            `yaml:"channel,omitempty" json:"channel,omitempty"`
	Template string            `yaml:"template,omitempty" json:"template,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	// EventType is the CloudEvents type of webhook events.
	EventType string `yaml:"event_type,omitempty" json:"eventType,omitempty"`
}

// Storer stores payloads into channels; the dispatcher is one.
type Storer interface {
	Store(channelID string, payload any) (string, error)
}

// Resolver builds callbacks from specs.
type Resolver struct {
	store  Storer
	client *http.Client
	source string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithStorer sets the destination of forward actions.
func WithStorer(s Storer) Option {
	return func(r *Resolver) { r.store = s }
}

// WithHTTPClient sets the client used by webhook actions.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.client = c }
}

// WithSource sets the CloudEvents source of webhook events.
func WithSource(source string) Option {
	return func(r *Resolver) { r.source = source }
}

// NewResolver returns a resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		client: &http.Client{Timeout: 30 * time.Second},
		source: "dispatchd",
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Validate checks a spec without building anything.
func (r *Resolver) Validate(s Spec) error {
	switch s.Type {
	case "", TypeLog, TypeDrop:
		return nil
	case TypeWebhook:
		if s.URL == "" {
			return ErrMissingURL
		}
		return nil
	case TypeForward:
		if s.Channel == "" {
			return ErrMissingDest
		}
		if r.store == nil {
			return ErrNoStorer
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, s.Type)
	}
}

// Consumer builds the consumer callback of s. An empty type logs.
func (r *Resolver) Consumer(s Spec) (rule.ConsumeFunc, error) {
	if err := r.Validate(s); err != nil {
		return nil, err
	}
	switch s.Type {
	case TypeWebhook:
		w := &webhook{spec: s, client: r.client, source: r.source}
		return w.consume, nil
	case TypeForward:
		store, dest := r.store, s.Channel
		return func(_ context.Context, b *rule.Batch) error {
			for b.Next() {
				if _, err := store.Store(dest, b.Current().Payload()); err != nil {
					return fmt.Errorf("forward to %s: %w", dest, err)
				}
				b.SetProcessed()
			}
			return nil
		}, nil
	case TypeDrop:
		return func(context.Context, *rule.Batch) error { return nil }, nil
	default:
		tmpl := s.Template
		return func(_ context.Context, b *rule.Batch) error {
			for b.Next() {
				log.Printf("[Action] %s/%s %s", b.Channel().ID(), b.RuleID(), describe(tmpl, b.Current()))
				b.SetProcessed()
			}
			return nil
		}, nil
	}
}

// TimeoutHandler builds a timeout handler from s; a nil spec gives nil.
func (r *Resolver) TimeoutHandler(s *Spec) (rule.TimeoutFunc, error) {
	if s == nil {
		return nil, nil
	}
	consume, err := r.Consumer(*s)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, m *bus.Message) {
		b := rule.NewBatch(messageRef{m}, "timeout", []*bus.Message{m}, rule.BatchHooks{})
		if err := consume(ctx, b); err != nil {
			log.Printf("[Action] timeout action for %s failed: %v", m.ID(), err)
		}
	}, nil
}

// ErrorHandler builds an error handler from s; a nil spec gives nil.
func (r *Resolver) ErrorHandler(s *Spec) (rule.ErrorFunc, error) {
	if s == nil {
		return nil, nil
	}
	consume, err := r.Consumer(*s)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, ce *rule.ConsumeError) {
		if len(ce.Messages) == 0 {
			return
		}
		ref := messageRef{ce.Messages[0]}
		b := rule.NewBatch(ref, ce.RuleID, ce.Messages, rule.BatchHooks{})
		if err := consume(ctx, b); err != nil {
			log.Printf("[Action] error action for rule %s failed: %v (original: %v)", ce.RuleID, err, ce.Err)
		}
	}, nil
}

// describe renders m with tmpl, or prints its id and payload.
func describe(tmpl string, m *bus.Message) string {
	if tmpl != "" {
		if data, ok := m.Payload().(map[string]any); ok {
			return RenderTemplate(tmpl, data)
		}
	}
	return fmt.Sprintf("%s %v", m.ID(), m.Payload())
}

// messageRef is the channel view handed to actions that run outside a
// firing. It only knows the channel id; it cannot store or remove.
type messageRef struct{ m *bus.Message }

func (r messageRef) ID() string   { return r.m.ChannelID() }
func (r messageRef) Name() string { return r.m.ChannelID() }

func (r messageRef) Store(any) (string, error) {
	return "", errors.New("actions: store is not available outside a firing")
}

func (r messageRef) Remove(string) error {
	return errors.New("actions: remove is not available outside a firing")
}
