package repair

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fenceOpenRe = regexp.MustCompile("^```+[a-zA-Z0-9]*\n?")

// ExtractFirstJSON pulls the first JSON array or object out of model
// output. Markdown fences are stripped, then the whole text is tried,
// then every balanced bracket run. Scalars do not count; the second
// return is false when nothing parses.
func ExtractFirstJSON(text string) (any, bool) {
	if text == "" {
		return nil, false
	}
	t := strings.TrimSpace(text)
	if strings.HasPrefix(t, "```") {
		t = fenceOpenRe.ReplaceAllString(t, "")
		if i := strings.LastIndex(t, "```"); i >= 0 {
			t = t[:i]
		}
		t = strings.TrimSpace(t)
	}

	for _, candidate := range []string{t, text} {
		if obj, ok := parseContainer(candidate); ok {
			return obj, true
		}
	}

	for pos := 0; pos < len(t); pos++ {
		if t[pos] != '[' && t[pos] != '{' {
			continue
		}
		if end := balancedEnd(t[pos:]); end > 0 {
			if obj, ok := parseContainer(t[pos : pos+end]); ok {
				return obj, true
			}
		}
	}
	return nil, false
}

// parseContainer decodes JSON and accepts only arrays and objects.
func parseContainer(s string) (any, bool) {
	var obj any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	switch obj.(type) {
	case []any, map[string]any:
		return obj, true
	}
	return nil, false
}

// balancedEnd returns the length of the balanced bracket run starting
// at s[0], ignoring brackets inside string literals, or 0.
func balancedEnd(s string) int {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '[', '{':
			stack = append(stack, ch)
		case ']', '}':
			if len(stack) == 0 {
				return 0
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if (top == '[' && ch != ']') || (top == '{' && ch != '}') {
				return 0
			}
			if len(stack) == 0 {
				return i + 1
			}
		}
	}
	return 0
}

// StepMaps coerces a decoded JSON value into a slice of step objects,
// dropping entries without a type key.
func StepMaps(obj any) []map[string]any {
	arr, ok := obj.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(arr))
	for _, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if _, ok := m["type"]; !ok {
			continue
		}
		out = append(out, m)
	}
	return out
}
