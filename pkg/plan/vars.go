package plan

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// varPattern matches ${name} and ${name:-fallback}. Names may carry a
// dot segment for foreach field projections such as ${item.url}. A
// fallback may itself contain balanced brace pairs, so JSON-shaped
// fallbacks like ${hdrs:-{"a":1}} substitute whole; an unmatched }
// ends the placeholder.
var varPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_]+(?:\.[A-Za-z0-9_]+)?)(?::-((?:[^{}]|\{[^{}]*\})*))?\}`)

// Render substitutes ${var} and ${var:-fallback} occurrences in val
// against vars. Strings are rewritten, maps and slices are walked,
// other values pass through untouched. An unset variable without a
// fallback renders as the empty string. This is the single substitution
// routine; the compiler's foreach macro and the runtime both use it.
func Render(val any, vars map[string]any) any {
	switch v := val.(type) {
	case string:
		return varPattern.ReplaceAllStringFunc(v, func(m string) string {
			groups := varPattern.FindStringSubmatch(m)
			key := groups[1]
			if got, ok := vars[key]; ok && got != nil {
				return renderScalar(got)
			}
			return groups[2]
		})
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, inner := range v {
			out[k] = Render(inner, vars)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = Render(inner, vars)
		}
		return out
	default:
		return val
	}
}

// RenderStep renders ${var} substitutions over a validated step's string
// fields and revalidates the result, so rendering cannot produce an
// out-of-schema step.
func RenderStep(s Step, vars map[string]any) Step {
	rendered, ok := Render(s.Fields(), vars).(map[string]any)
	if !ok {
		return s
	}
	out, err := ValidateStep(rendered)
	if err != nil {
		return s
	}
	return out
}

// renderScalar formats a substituted value. Composite values render as
// compact JSON, matching how foreach exposes whole items.
func renderScalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func stringifyOr(v any, def string) string {
	if v == nil {
		return def
	}
	s := stringify(v)
	if s == "" {
		return def
	}
	return s
}

func toFloat(v any, def float64) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f
		}
	}
	return def
}

func toInt(v any, def int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return int(f)
		}
	}
	return def
}

func toBool(v any, def bool) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		if p, err := strconv.ParseBool(b); err == nil {
			return p
		}
	case int:
		return b != 0
	case float64:
		return b != 0
	}
	return def
}
