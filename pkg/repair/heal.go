package repair

import (
	"regexp"
	"strings"

	"github.com/stepflow/stepflow/pkg/plan"
)

var (
	nthChildRe  = regexp.MustCompile(`:nth-child\(\s*\d+\s*\)`)
	nthOfTypeRe = regexp.MustCompile(`:nth-of-type\(\s*\d+\s*\)`)
	multiSpace  = regexp.MustCompile(`\s+`)
	spacedGT    = regexp.MustCompile(`\s*>\s*`)
	spacedComma = regexp.MustCompile(`\s*,\s*`)
)

// selectorRequired lists the types where healing must not invent a
// missing selector.
var selectorRequired = map[plan.StepType]bool{
	plan.StepClick:           true,
	plan.StepDoubleClick:     true,
	plan.StepContextClick:    true,
	plan.StepInput:           true,
	plan.StepHover:           true,
	plan.StepScrollToElement: true,
	plan.StepSelect:          true,
	plan.StepFileUpload:      true,
	plan.StepExtract:         true,
	plan.StepAssertText:      true,
	plan.StepCheck:           true,
}

// HeuristicHeal applies safe local fixes to a failing step without
// changing its meaning: selector noise cleanup and missing-field
// defaults. Returns nil when the step cannot be healed. The input map
// is never mutated.
func HeuristicHeal(step map[string]any) map[string]any {
	t, _ := step["type"].(string)
	st := plan.StepType(strings.ToLower(t))
	if !plan.KnownType(string(st)) {
		return nil
	}

	s := make(map[string]any, len(step))
	for k, v := range step {
		s[k] = v
	}

	if sel, ok := s["selector"].(string); ok {
		s["selector"] = CleanSelector(sel)
	}

	switch st {
	case plan.StepWaitURL:
		setDefault(s, "regex", false)
		setDefault(s, "timeout", 12)
	case plan.StepWaitDOMStable:
		setDefault(s, "ms", 1000)
		setDefault(s, "timeout", 12)
	case plan.StepWaitVisible:
		setDefault(s, "timeout", 12)
	case plan.StepWait:
		if sec, ok := asFloat(s["seconds"]); !ok || sec <= 0 {
			s["seconds"] = 0.8
		}
	case plan.StepSelect:
		by, _ := s["by"].(string)
		if by == "" {
			by = "text"
		}
		s["by"] = strings.ToLower(by)
	case plan.StepAssertText:
		attr, _ := s["attr"].(string)
		if attr == "" {
			attr = "text"
		}
		s["attr"] = strings.ToLower(attr)
		match, _ := s["match"].(string)
		if match == "" {
			match = "contains"
		}
		s["match"] = strings.ToLower(match)
	case plan.StepSwitchToTab:
		by, _ := s["by"].(string)
		if by == "" {
			by = "index"
		}
		s["by"] = strings.ToLower(by)
		if _, ok := s["value"].(string); !ok {
			s["value"] = "0"
		}
	}

	if selectorRequired[st] {
		sel, _ := s["selector"].(string)
		if strings.TrimSpace(sel) == "" {
			return nil
		}
	}
	return s
}

// CleanSelector strips brittle constructs: positional nth-child pseudo
// classes, loose whitespace, and padding inside text= sugar.
func CleanSelector(sel string) string {
	sel = strings.TrimSpace(sel)
	sel = nthChildRe.ReplaceAllString(sel, "")
	sel = nthOfTypeRe.ReplaceAllString(sel, "")
	sel = multiSpace.ReplaceAllString(sel, " ")
	sel = spacedGT.ReplaceAllString(sel, ">")
	sel = spacedComma.ReplaceAllString(sel, ",")
	sel = strings.TrimSpace(sel)

	if strings.HasPrefix(sel, "text=") {
		body := strings.TrimSpace(sel[len("text="):])
		body = strings.Trim(body, `'"`)
		body = multiSpace.ReplaceAllString(body, " ")
		return "text=" + strings.TrimSpace(body)
	}
	return sel
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func setDefault(m map[string]any, key string, value any) {
	if _, ok := m[key]; !ok {
		m[key] = value
	}
}
