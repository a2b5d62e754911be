package rulespec

import (
	"fmt"

	"github.com/dayuer/dispatchd/internal/actions"
	"github.com/dayuer/dispatchd/internal/rule"
)

// Build turns a rule spec into a rule.
func Build(rs RuleSpec, res *actions.Resolver) (*rule.Rule, error) {
	consume, err := res.Consumer(rs.Action)
	if err != nil {
		return nil, fmt.Errorf("rule %s action: %w", rs.label(), err)
	}

	opts := []rule.Option{
		rule.WithPoolFilter(rs.Match.Filter()),
		rule.WithReplaceFilter(replaceByFields(rs.ReplaceBy)),
		rule.WithGroups(rs.Groups...),
	}
	if rs.ID != "" {
		opts = append(opts, rule.WithID(rs.ID))
	}
	if rs.MinSize != nil {
		opts = append(opts, rule.WithMinSize(*rs.MinSize))
	}
	if rs.MaxSize != nil {
		opts = append(opts, rule.WithMaxSize(*rs.MaxSize))
	}
	if a := rs.MessageAge; a != nil {
		mode, err := rule.ParseAgeMode(a.Mode)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rs.label(), err)
		}
		if mode == rule.AgeLeastX {
			opts = append(opts, rule.WithMessageAgeCount(a.Count, a.Threshold))
		} else {
			opts = append(opts, rule.WithMessageAge(mode, a.Threshold))
		}
	}
	if c := rs.ConsumeAge; c != nil {
		opts = append(opts, rule.WithConsumeEventAge(c.Group, c.Age, c.Never))
	}
	if rs.KeepMessages {
		opts = append(opts, rule.WithKeepMessages())
	}
	if rs.Timeout > 0 || rs.OnTimeout != nil {
		onTimeout, err := res.TimeoutHandler(rs.OnTimeout)
		if err != nil {
			return nil, fmt.Errorf("rule %s on_timeout: %w", rs.label(), err)
		}
		opts = append(opts, rule.WithTimeout(rs.Timeout, onTimeout))
	}
	if rs.OnError != nil {
		onError, err := res.ErrorHandler(rs.OnError)
		if err != nil {
			return nil, fmt.Errorf("rule %s on_error: %w", rs.label(), err)
		}
		opts = append(opts, rule.WithErrorHandler(onError))
	}

	r, err := rule.New(consume, opts...)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", rs.label(), err)
	}
	return r, nil
}

func (rs RuleSpec) label() string {
	if rs.ID != "" {
		return rs.ID
	}
	return "on " + rs.Channel
}

// Validate builds every enabled rule of f and reports the first failure.
func Validate(f *File, res *actions.Resolver) error {
	for _, rs := range f.Rules {
		if !rs.IsEnabled() {
			continue
		}
		if _, err := Build(rs, res); err != nil {
			return err
		}
	}
	return nil
}
