// Package rulespec loads declarative rule files and turns them into channel
// managers for the dispatcher.
//
// A file declares channels (each becomes a master manager) and rules (grouped
// per channel into one non-master manager). Reloading replaces the rule
// managers and keeps the channels that are still declared, so their pooled
// messages survive.
package rulespec

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dayuer/dispatchd/internal/actions"
)

var (
	ErrDuplicateChannel = errors.New("rulespec: duplicate channel")
	ErrDuplicateRule    = errors.New("rulespec: duplicate rule id")
	ErrMissingChannel   = errors.New("rulespec: rule without channel")
)

// File is a parsed rules file.
type File struct {
	Channels []ChannelSpec `yaml:"channels"`
	Rules    []RuleSpec    `yaml:"rules"`

	path string
}

// ChannelSpec declares a channel.
type ChannelSpec struct {
	ID   string        `yaml:"id"`
	Name string        `yaml:"name,omitempty"`
	Tick time.Duration `yaml:"tick,omitempty"`
}

// RuleSpec declares one consumer rule.
type RuleSpec struct {
	ID           string          `yaml:"id"`
	Channel      string          `yaml:"channel"`
	Enabled      *bool           `yaml:"enabled,omitempty"`
	Match        Match           `yaml:"match,omitempty"`
	ReplaceBy    []string        `yaml:"replace_by,omitempty"`
	MinSize      *int            `yaml:"min_size,omitempty"`
	MaxSize      *int            `yaml:"max_size,omitempty"`
	MessageAge   *MessageAgeSpec `yaml:"message_age,omitempty"`
	ConsumeAge   *ConsumeAgeSpec `yaml:"consume_age,omitempty"`
	Timeout      time.Duration   `yaml:"timeout,omitempty"`
	Groups       []string        `yaml:"groups,omitempty"`
	KeepMessages bool            `yaml:"keep_messages,omitempty"`
	Action       actions.Spec    `yaml:"action"`
	OnTimeout    *actions.Spec   `yaml:"on_timeout,omitempty"`
	OnError      *actions.Spec   `yaml:"on_error,omitempty"`
}

// IsEnabled returns whether the rule is enabled (default true).
func (r RuleSpec) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// MessageAgeSpec is the message-age trigger.
type MessageAgeSpec struct {
	Mode      string        `yaml:"mode"`
	Threshold time.Duration `yaml:"threshold"`
	Count     int           `yaml:"count,omitempty"`
}

// ConsumeAgeSpec is the consume-event-age trigger.
type ConsumeAgeSpec struct {
	Group string        `yaml:"group,omitempty"`
	Age   time.Duration `yaml:"age"`
	Never bool          `yaml:"never,omitempty"`
}

// Load reads and parses a rules file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.path = path
	return f, nil
}

// Parse parses rules from YAML and checks their structure.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if err := f.check(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Path returns the file the rules were loaded from, if any.
func (f *File) Path() string { return f.path }

func (f *File) check() error {
	seen := make(map[string]bool)
	for _, c := range f.Channels {
		if c.ID == "" {
			return fmt.Errorf("%w: channel without id", ErrMissingChannel)
		}
		if seen[c.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateChannel, c.ID)
		}
		seen[c.ID] = true
	}
	ids := make(map[string]bool)
	for i, r := range f.Rules {
		if r.Channel == "" {
			return fmt.Errorf("%w: rule #%d", ErrMissingChannel, i+1)
		}
		if r.ID == "" {
			continue
		}
		if ids[r.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateRule, r.ID)
		}
		ids[r.ID] = true
	}
	return nil
}

// RulesFor returns the enabled rules of a channel, in file order.
func (f *File) RulesFor(channelID string) []RuleSpec {
	var out []RuleSpec
	for _, r := range f.Rules {
		if r.Channel == channelID && r.IsEnabled() {
			out = append(out, r)
		}
	}
	return out
}

// RuleChannels returns the channels referenced by enabled rules, in order of
// first use.
func (f *File) RuleChannels() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range f.Rules {
		if r.IsEnabled() && !seen[r.Channel] {
			seen[r.Channel] = true
			out = append(out, r.Channel)
		}
	}
	return out
}
