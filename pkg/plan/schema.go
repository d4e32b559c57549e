package plan

import (
	"sort"
	"strings"
)

// allowedKeys is the projection set per step type. Keys outside the set
// are silently dropped during validation.
var allowedKeys = map[StepType]map[string]bool{
	StepClick:        set("selector"),
	StepDoubleClick:  set("selector"),
	StepContextClick: set("selector"),

	StepInput:    set("selector", "text"),
	StepPressKey: set("key"),
	StepHotkey:   set("keys"),

	StepWait:          set("seconds"),
	StepWaitVisible:   set("selector", "timeout"),
	StepWaitURL:       set("pattern", "regex", "timeout"),
	StepWaitDOMStable: set("ms", "timeout"),

	StepGoto:      set("url"),
	StepGoBack:    set(),
	StepGoForward: set(),
	StepRefresh:   set(),

	StepCheck:     set("selector", "present", "timeout"),
	StepLoopUntil: set("selector", "present", "timeout", "tick"),

	StepScroll:          set("direction", "amount"),
	StepScrollTo:        set("to"),
	StepScrollToElement: set("selector"),

	StepHover:       set("selector"),
	StepSelect:      set("selector", "by", "value"),
	StepFileUpload:  set("selector", "path"),
	StepDragAndDrop: set("source", "target", "to_offset_x", "to_offset_y"),

	StepSwitchToFrame:   set("selector", "index"),
	StepSwitchToDefault: set(),

	StepNewTab:      set(),
	StepSwitchToTab: set("by", "value"),
	StepCloseTab:    set("index"),

	StepExtract:    set("selector", "attr", "var"),
	StepAssertText: set("selector", "attr", "match", "value"),
	StepEvaluate:   set("script", "var"),

	StepPauseForHuman: set("reason"),
}

// requiredKeys lists the fields that must survive projection.
// drag_and_drop additionally needs target or both offsets, checked in
// the normalization pass.
var requiredKeys = map[StepType][]string{
	StepClick:        {"selector"},
	StepDoubleClick:  {"selector"},
	StepContextClick: {"selector"},

	StepInput:    {"selector", "text"},
	StepPressKey: {"key"},
	StepHotkey:   {"keys"},

	StepWait:          {"seconds"},
	StepWaitVisible:   {"selector"},
	StepWaitURL:       {"pattern"},
	StepWaitDOMStable: {},

	StepGoto:      {"url"},
	StepGoBack:    {},
	StepGoForward: {},
	StepRefresh:   {},

	StepCheck:     {"selector", "present"},
	StepLoopUntil: {"selector", "present"},

	StepScroll:          {"direction", "amount"},
	StepScrollTo:        {"to"},
	StepScrollToElement: {"selector"},

	StepHover:       {"selector"},
	StepSelect:      {"selector", "by", "value"},
	StepFileUpload:  {"selector", "path"},
	StepDragAndDrop: {"source"},

	StepSwitchToFrame:   {},
	StepSwitchToDefault: {},

	StepNewTab:      {},
	StepSwitchToTab: {"by", "value"},
	StepCloseTab:    {},

	StepExtract:    {"selector", "attr", "var"},
	StepAssertText: {"selector", "value"},
	StepEvaluate:   {"script"},

	StepPauseForHuman: {},
}

// selectorSteps marks the types whose selector field points at a live
// element, used by the runtime's proactive probe.
var selectorSteps = map[StepType]bool{
	StepClick:           true,
	StepInput:           true,
	StepScrollToElement: true,
	StepCheck:           true,
	StepHover:           true,
	StepSelect:          true,
}

// visibilitySteps marks the selector steps whose probe also requires the
// element to be visible.
var visibilitySteps = map[StepType]bool{
	StepClick: true,
	StepHover: true,
}

func set(keys ...string) map[string]bool {
	m := make(map[string]bool, len(keys)+1)
	m["type"] = true
	for _, k := range keys {
		m[k] = true
	}
	return m
}

// NeedsSelector reports whether the step type addresses a live element
// through its selector field.
func NeedsSelector(t StepType) bool {
	return selectorSteps[t]
}

// NeedsVisible reports whether the runtime probe for the step type
// should require visibility, not just presence.
func NeedsVisible(t StepType) bool {
	return visibilitySteps[t]
}

// KnownType reports whether the value names a type in the closed set.
func KnownType(t string) bool {
	_, ok := allowedKeys[StepType(strings.ToLower(t))]
	return ok
}

// StepTypes returns every type in the closed set, sorted.
func StepTypes() []StepType {
	out := make([]StepType, 0, len(allowedKeys))
	for t := range allowedKeys {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ValidateStep checks a raw step object against the schema: the type
// must be in the closed set, unknown keys are dropped, required fields
// must be present, and per-type defaults and coercions are applied.
// The input map is never mutated.
func ValidateStep(raw map[string]any) (Step, error) {
	if raw == nil {
		return Step{}, NewMalformedError("step must be an object")
	}

	typeVal, _ := raw["type"].(string)
	if typeVal == "" {
		typeVal = strings.TrimSpace(stringify(raw["type"]))
	}
	t := StepType(strings.ToLower(typeVal))
	allowed, ok := allowedKeys[t]
	if !ok {
		return Step{}, NewUnknownTypeError(typeVal)
	}

	fields := make(map[string]any)
	for k, v := range raw {
		if k != "type" && allowed[k] {
			fields[k] = v
		}
	}

	for _, r := range requiredKeys[t] {
		if _, ok := fields[r]; !ok {
			return Step{}, NewMissingFieldError(t, r)
		}
	}

	if err := normalizeFields(t, fields); err != nil {
		return Step{}, err
	}

	return Step{Type: t, fields: fields}, nil
}

// normalizeFields applies per-type defaulting and coercion in place.
func normalizeFields(t StepType, f map[string]any) error {
	switch t {
	case StepWait:
		f["seconds"] = toFloat(f["seconds"], 0.5)

	case StepScroll:
		f["direction"] = strings.ToLower(stringifyOr(f["direction"], "down"))
		f["amount"] = toInt(f["amount"], 600)

	case StepScrollTo:
		f["to"] = strings.ToLower(stringifyOr(f["to"], "bottom"))

	case StepLoopUntil:
		f["timeout"] = toInt(f["timeout"], StepTimeoutSec)
		switch tick := f["tick"].(type) {
		case Step:
			// Already validated on an earlier pass; keep it.
		case map[string]any:
			st, err := ValidateStep(tick)
			if err != nil {
				st = NewStep(StepWait, map[string]any{"seconds": 1.0})
			}
			f["tick"] = st
		default:
			f["tick"] = NewStep(StepWait, map[string]any{"seconds": 1.0})
		}

	case StepWaitVisible:
		f["timeout"] = toInt(f["timeout"], DefaultWaitSec)

	case StepWaitURL:
		f["regex"] = toBool(f["regex"], false)
		f["timeout"] = toInt(f["timeout"], DefaultWaitSec)

	case StepWaitDOMStable:
		f["ms"] = toInt(f["ms"], 1000)
		f["timeout"] = toInt(f["timeout"], DefaultWaitSec)

	case StepSelect:
		f["by"] = strings.ToLower(stringifyOr(f["by"], "text"))

	case StepAssertText:
		f["attr"] = strings.ToLower(stringifyOr(f["attr"], "text"))
		f["match"] = strings.ToLower(stringifyOr(f["match"], "contains"))

	case StepHotkey:
		f["keys"] = keyList(f["keys"])

	case StepDragAndDrop:
		_, hasTarget := f["target"]
		_, hasX := f["to_offset_x"]
		_, hasY := f["to_offset_y"]
		if !hasTarget && !(hasX && hasY) {
			return &Error{
				Class:    ErrorClassMissingField,
				Message:  "drag_and_drop needs 'target' or both 'to_offset_x'/'to_offset_y'",
				StepType: string(t),
				Field:    "target",
			}
		}
		if hasX {
			f["to_offset_x"] = toInt(f["to_offset_x"], 0)
		}
		if hasY {
			f["to_offset_y"] = toInt(f["to_offset_y"], 0)
		}
	}
	return nil
}

// ValidatePlan validates every item of a raw plan, silently dropping
// the ones that fail. Shape errors on the top-level value are returned.
func ValidatePlan(raw any) (Plan, error) {
	items, ok := raw.([]any)
	if !ok {
		if typed, isPlan := raw.([]map[string]any); isPlan {
			items = make([]any, len(typed))
			for i, m := range typed {
				items[i] = m
			}
		} else {
			return nil, NewMalformedError("plan must be an array of steps")
		}
	}

	out := make(Plan, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		st, err := ValidateStep(m)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

// keyList canonicalizes a hotkey chord: lists pass through as strings,
// "CTRL+A" splits on '+', a bare scalar becomes a single chord element.
func keyList(v any) []string {
	switch k := v.(type) {
	case nil:
		return []string{}
	case []string:
		out := make([]string, len(k))
		copy(out, k)
		return out
	case []any:
		out := make([]string, 0, len(k))
		for _, it := range k {
			out = append(out, stringify(it))
		}
		return out
	default:
		s := stringify(v)
		if strings.Contains(s, "+") {
			parts := strings.Split(s, "+")
			out := make([]string, 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			return out
		}
		return []string{s}
	}
}
