package actions

import (
	"fmt"
	"regexp"
	"strings"
)

var templatePattern = regexp.MustCompile(`\{([^}]+)\}`)

// RenderTemplate replaces {key} and nested {user.name} references with
// values from data. Unknown references are left as they are.
func RenderTemplate(template string, data map[string]any) string {
	return templatePattern.ReplaceAllStringFunc(template, func(match string) string {
		key := match[1 : len(match)-1]
		val := Lookup(data, key)
		if val == nil {
			return match
		}
		return fmt.Sprintf("%v", val)
	})
}

// Lookup reads a dot-separated path from nested maps.
func Lookup(data map[string]any, path string) any {
	current := any(data)
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}
