package rulespec

import (
	"fmt"
	"strings"

	"github.com/dayuer/dispatchd/internal/actions"
	"github.com/dayuer/dispatchd/internal/bus"
)

// Match selects the messages a rule pools. Payloads are JSON-like maps; the
// type field is matched against Type, which supports "*" and "prefix.*".
// Conditions compare fields: a "min_" or "max_" prefix bounds a numeric
// field, anything else must be equal.
type Match struct {
	Type       string         `yaml:"type,omitempty"`
	Conditions map[string]any `yaml:"conditions,omitempty"`
}

// Empty reports whether the match accepts everything.
func (m Match) Empty() bool {
	return (m.Type == "" || m.Type == "*") && len(m.Conditions) == 0
}

// Filter returns the pool filter of m, or nil when it accepts everything.
func (m Match) Filter() bus.Filter {
	if m.Empty() {
		return nil
	}
	return func(msg *bus.Message) bool {
		data, ok := msg.Payload().(map[string]any)
		if !ok {
			return false
		}
		typ, _ := data["type"].(string)
		return matchType(m.Type, typ) && matchConditions(m.Conditions, data)
	}
}

// matchType checks a type against a pattern with wildcards.
func matchType(pattern, typ string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, ".*")
		return strings.HasPrefix(typ, prefix+".")
	}
	return pattern == typ
}

// matchConditions checks that data satisfies every condition.
func matchConditions(conds map[string]any, data map[string]any) bool {
	for key, expected := range conds {
		field := key
		switch {
		case strings.HasPrefix(key, "min_"):
			field = strings.TrimPrefix(key, "min_")
		case strings.HasPrefix(key, "max_"):
			field = strings.TrimPrefix(key, "max_")
		}
		actual := actions.Lookup(data, field)
		if actual == nil {
			return false
		}

		if exp, ok := toFloat64(expected); ok {
			val, ok := toFloat64(actual)
			if !ok {
				return false
			}
			switch {
			case strings.HasPrefix(key, "min_"):
				if val < exp {
					return false
				}
			case strings.HasPrefix(key, "max_"):
				if val > exp {
					return false
				}
			default:
				if val != exp {
					return false
				}
			}
			continue
		}
		if fmt.Sprintf("%v", actual) != fmt.Sprintf("%v", expected) {
			return false
		}
	}
	return true
}

// toFloat64 converts a numeric value to float64.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// replaceByFields returns a replace filter under which a newer message
// supersedes an older one when every listed field is present in both and
// equal.
func replaceByFields(fields []string) func(newer, older *bus.Message) bool {
	if len(fields) == 0 {
		return nil
	}
	return func(newer, older *bus.Message) bool {
		n, ok := newer.Payload().(map[string]any)
		if !ok {
			return false
		}
		o, ok := older.Payload().(map[string]any)
		if !ok {
			return false
		}
		for _, f := range fields {
			nv, ov := actions.Lookup(n, f), actions.Lookup(o, f)
			if nv == nil || ov == nil || fmt.Sprintf("%v", nv) != fmt.Sprintf("%v", ov) {
				return false
			}
		}
		return true
	}
}
