// Package templates resolves {var} placeholders in outbound message templates.
package templates

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z][a-zA-Z0-9_]*)\}`)

// Template is a named message body with {var} placeholders.
type Template struct {
	Name string `json:"name"`
	Body string `json:"body"`
}

// RequiredVars returns the sorted set of placeholders referenced by the body.
func (t Template) RequiredVars() []string {
	return Placeholders(t.Body)
}

// Validate reports structural problems with the template itself.
func (t Template) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("templates: template name required")
	}
	if strings.TrimSpace(t.Body) == "" {
		return fmt.Errorf("templates: template %q has an empty body", t.Name)
	}
	return nil
}

// Placeholders extracts the distinct placeholder names in body, sorted.
func Placeholders(body string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(body, -1)
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		name := m[1]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Values maps placeholder names to their rendered text. An empty value counts
// as unresolved.
type Values map[string]string

// Merge returns a copy of v overlaid with other.
func (v Values) Merge(other Values) Values {
	out := make(Values, len(v)+len(other))
	for k, val := range v {
		out[k] = val
	}
	for k, val := range other {
		out[k] = val
	}
	return out
}

// RenderError lists the placeholders that had no value.
type RenderError struct {
	Template string
	Missing  []string
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("templates: %q has unresolved placeholders: %s", e.Template, strings.Join(e.Missing, ", "))
}
