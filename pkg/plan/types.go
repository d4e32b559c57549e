// Package plan defines the step schema, validator, and macro-expanding
// compiler for stepflow execution plans. A plan is an ordered list of
// validated steps; the runtime consumes validated steps only.
package plan

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Default timing constants shared by the validator and the runtime.
const (
	// DefaultWaitSec is the default timeout for bounded wait steps.
	DefaultWaitSec = 12

	// StepTimeoutSec is the default overall budget for loop_until.
	StepTimeoutSec = 35
)

// StepType identifies one of the closed set of executable step kinds.
type StepType string

const (
	StepClick        StepType = "click"
	StepDoubleClick  StepType = "double_click"
	StepContextClick StepType = "context_click"

	StepInput    StepType = "input"
	StepPressKey StepType = "press_key"
	StepHotkey   StepType = "hotkey"

	StepWait          StepType = "wait"
	StepWaitVisible   StepType = "wait_visible"
	StepWaitURL       StepType = "wait_url"
	StepWaitDOMStable StepType = "wait_dom_stable"

	StepGoto      StepType = "goto"
	StepGoBack    StepType = "go_back"
	StepGoForward StepType = "go_forward"
	StepRefresh   StepType = "refresh"

	StepCheck     StepType = "check"
	StepLoopUntil StepType = "loop_until"

	StepScroll          StepType = "scroll"
	StepScrollTo        StepType = "scroll_to"
	StepScrollToElement StepType = "scroll_to_element"

	StepHover       StepType = "hover"
	StepSelect      StepType = "select"
	StepFileUpload  StepType = "file_upload"
	StepDragAndDrop StepType = "drag_and_drop"

	StepSwitchToFrame   StepType = "switch_to_frame"
	StepSwitchToDefault StepType = "switch_to_default"

	StepNewTab      StepType = "new_tab"
	StepSwitchToTab StepType = "switch_to_tab"
	StepCloseTab    StepType = "close_tab"

	StepExtract    StepType = "extract"
	StepAssertText StepType = "assert_text"
	StepEvaluate   StepType = "evaluate"

	StepPauseForHuman StepType = "pause_for_human"
)

// Step is a single validated plan step. The field map holds only keys
// permitted for the step's type; construction goes through ValidateStep,
// which projects, checks, and defaults the raw input. Steps are treated
// as immutable once validated.
type Step struct {
	Type   StepType
	fields map[string]any
}

// NewStep builds a step from a type and an already-projected field map.
// Callers outside the validator should prefer ValidateStep. The map is
// copied so later mutation of the argument cannot leak in.
func NewStep(t StepType, fields map[string]any) Step {
	cp := make(map[string]any, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return Step{Type: t, fields: cp}
}

// Fields returns a copy of the step's field map, including the type key,
// in the flat wire shape used by plans on disk and by collaborators.
func (s Step) Fields() map[string]any {
	out := make(map[string]any, len(s.fields)+1)
	out["type"] = string(s.Type)
	for k, v := range s.fields {
		out[k] = v
	}
	return out
}

// Has reports whether the step carries the named field.
func (s Step) Has(key string) bool {
	_, ok := s.fields[key]
	return ok
}

// Get returns the raw field value and whether it is present.
func (s Step) Get(key string) (any, bool) {
	v, ok := s.fields[key]
	return v, ok
}

// Str returns the named field coerced to a string, or empty when absent.
func (s Step) Str(key string) string {
	v, ok := s.fields[key]
	if !ok || v == nil {
		return ""
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprintf("%v", v)
}

// Int returns the named field coerced to an int, or def when absent or
// not convertible.
func (s Step) Int(key string, def int) int {
	v, ok := s.fields[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return def
}

// Float returns the named field coerced to a float64, or def otherwise.
func (s Step) Float(key string, def float64) float64 {
	v, ok := s.fields[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f
		}
	}
	return def
}

// Bool returns the named field coerced to a bool, or def when absent.
func (s Step) Bool(key string, def bool) bool {
	v, ok := s.fields[key]
	if !ok {
		return def
	}
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

// Strings returns the named field as a string slice. Scalar values come
// back as a single-element slice.
func (s Step) Strings(key string) []string {
	v, ok := s.fields[key]
	if !ok || v == nil {
		return nil
	}
	switch l := v.(type) {
	case []string:
		out := make([]string, len(l))
		copy(out, l)
		return out
	case []any:
		out := make([]string, 0, len(l))
		for _, it := range l {
			out = append(out, fmt.Sprintf("%v", it))
		}
		return out
	default:
		return []string{fmt.Sprintf("%v", v)}
	}
}

// Selector returns the step's selector field, empty when not present.
func (s Step) Selector() string {
	return s.Str("selector")
}

// Timeout returns the step's timeout field as a duration, falling back
// to def when absent.
func (s Step) Timeout(def time.Duration) time.Duration {
	if !s.Has("timeout") {
		return def
	}
	return time.Duration(s.Float("timeout", def.Seconds()) * float64(time.Second))
}

// Tick returns the nested tick step of a loop_until, already validated.
// The bool is false when no tick is present.
func (s Step) Tick() (Step, bool) {
	v, ok := s.fields["tick"]
	if !ok {
		return Step{}, false
	}
	switch t := v.(type) {
	case Step:
		return t, true
	case map[string]any:
		st, err := ValidateStep(t)
		if err != nil {
			return Step{}, false
		}
		return st, true
	}
	return Step{}, false
}

// MarshalJSON emits the flat wire shape: type plus the permitted fields.
func (s Step) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Fields())
}

// UnmarshalJSON parses the flat wire shape through the validator, so a
// decoded step is always a valid one.
func (s *Step) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	st, err := ValidateStep(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Signature returns a canonical encoding of the step used for identical
// step detection. encoding/json writes map keys in sorted order, which
// makes the signature stable across field insertion order.
func (s Step) Signature() string {
	b, err := json.Marshal(s.Fields())
	if err != nil {
		return string(s.Type)
	}
	return string(b)
}

// Plan is an ordered list of validated steps.
type Plan []Step

// Signatures returns the canonical signature for each step, in order.
func (p Plan) Signatures() []string {
	out := make([]string, len(p))
	for i, s := range p {
		out[i] = s.Signature()
	}
	return out
}
