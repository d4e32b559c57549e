package repair

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stepflow/stepflow/pkg/engine"
	"github.com/stepflow/stepflow/pkg/plan"
)

// sysRules is the shared preamble for every planning and repair prompt:
// output discipline, selector guidance, and the closed step-type set
// with minimal field shapes.
const sysRules = `You are a reliable web automation bot. Reply with JSON ONLY: no Markdown, no comments, no prose.

Selector rules (stability first):
  1) Prefer stable anchors: [data-testid], [data-qa], [aria-label], [role], [name], [id].
  2) text="..." sugar matches visible text and is converted to XPath.
  3) Explicit xpath=//... is accepted. For unique visible text prefer text="...".
  4) Never use :has(...) or positional :nth-child(...); they are brittle.
  5) Never use the bare 'body' selector or generic classes without context.
  6) If a clickable link is already in the DOM, click it instead of goto to the same URL.
  7) For typing pick editable fields only; skip [readonly], [disabled], aria-readonly, aria-disabled, tabindex='-1'.
  8) Never type into global search or filter boxes (labels like Search, Find, Filter, Lookup, Quick search).

Allowed step types (closed set):
  click | double_click | context_click | input | press_key | hotkey |
  wait | wait_visible | wait_url | wait_dom_stable |
  goto | go_back | go_forward | refresh | check | loop_until |
  scroll | scroll_to | scroll_to_element | hover | select | file_upload | drag_and_drop |
  switch_to_frame | switch_to_default | new_tab | switch_to_tab | close_tab |
  extract | assert_text | evaluate | pause_for_human

Minimal field shapes:
  - click            : {"type":"click","selector":"..."}
  - input            : {"type":"input","selector":"...","text":"..."}
  - press_key        : {"type":"press_key","key":"ENTER"}
  - hotkey           : {"type":"hotkey","keys":["CTRL","a"]}
  - wait             : {"type":"wait","seconds":0.8}
  - wait_visible     : {"type":"wait_visible","selector":"...","timeout":12}
  - wait_url         : {"type":"wait_url","pattern":"/path","regex":false,"timeout":12}
  - wait_dom_stable  : {"type":"wait_dom_stable","ms":1000,"timeout":12}
  - goto             : {"type":"goto","url":"https://..."}
  - check            : {"type":"check","selector":"...","present":true,"timeout":12}
  - loop_until       : {"type":"loop_until","selector":"...","present":true,"timeout":35,"tick":{"type":"scroll","direction":"down","amount":600}}
  - scroll           : {"type":"scroll","direction":"down|up","amount":600}
  - scroll_to        : {"type":"scroll_to","to":"top|bottom"}
  - scroll_to_element: {"type":"scroll_to_element","selector":"..."}
  - hover            : {"type":"hover","selector":"..."}
  - select           : {"type":"select","selector":"...","by":"text|value|index","value":"..."}
  - file_upload      : {"type":"file_upload","selector":"input[type=file]","path":"/abs/path"}
  - drag_and_drop    : {"type":"drag_and_drop","source":"...","target":"..."}
  - switch_to_frame  : {"type":"switch_to_frame","selector":"iframe[...]"} OR {"type":"switch_to_frame","index":0}
  - switch_to_tab    : {"type":"switch_to_tab","by":"index|url_contains|title_contains","value":"..."}
  - close_tab        : {"type":"close_tab"} OR {"type":"close_tab","index":0}
  - extract          : {"type":"extract","selector":"...","attr":"text|html|outer_html|any_attr","var":"name"}
  - assert_text      : {"type":"assert_text","selector":"...","attr":"text","match":"contains|equals|regex|...","value":"..."}
  - evaluate         : {"type":"evaluate","script":"...","var":"name"}
  - pause_for_human  : {"type":"pause_for_human","reason":"..."}

Strings may carry ${var} and ${var:-fallback} substitutions.
Context provided: TASK (goal), HISTORY_DONE (executed steps), KNOWN_VARS (values), VISIBLE_DOM (current HTML).
Behavior:
  - Plan strictly against the current DOM; add waits after navigation or heavy clicks.
  - Never repeat steps already in HISTORY_DONE.`

// promptPlan asks for a full JSON array of steps toward the task.
func promptPlan(snapshot, task string, history []plan.Step, vars map[string]any) string {
	var b strings.Builder
	b.WriteString("[SYS_RULES]\n")
	b.WriteString(sysRules)
	b.WriteString("\n\nReturn ONLY a JSON array of steps that advance the task from the current DOM.\n\n")
	writeContext(&b, task, history, vars)
	writeDOM(&b, snapshot)
	return b.String()
}

// promptRepair asks for a single replacement step object.
func promptRepair(snapshot, task string, history []plan.Step, failing plan.Step, vars map[string]any) string {
	var b strings.Builder
	b.WriteString("[SYS_RULES]\n")
	b.WriteString(sysRules)
	b.WriteString("\n\nRepair the ONE failing step below against the current DOM. ")
	b.WriteString("Return ONLY a JSON object of the replacement step. ")
	b.WriteString("Keep the original intent; make the selector and action valid and stable.\n\n")
	writeContext(&b, task, history, vars)
	fmt.Fprintf(&b, "FAILING_STEP:\n%s\n\n", marshalAny(failing.Fields()))
	writeDOM(&b, snapshot)
	return b.String()
}

// promptOutline asks for a subgoal decomposition of a task.
func promptOutline(task string) string {
	var b strings.Builder
	b.WriteString("[SYS_RULES]\n")
	b.WriteString(sysRules)
	b.WriteString("\n\nBreak the task into a short ordered list of subgoals. Return ONLY a JSON object:\n")
	b.WriteString(`{"subgoals":[{"title":"short heading","goal":"intent description"}]}` + "\n")
	b.WriteString("Each subgoal must be achievable in 1-5 browser actions. Titles are neutral and checkable.\n\n")
	fmt.Fprintf(&b, "TASK:\n%s\n", clip(task, maxTaskChars))
	return b.String()
}

// promptSubgoalSteps asks for steps serving one subgoal only.
func promptSubgoalSteps(snapshot, task string, sg engine.Subgoal, history []plan.Step, vars map[string]any, maxSteps int) string {
	var b strings.Builder
	b.WriteString("[SYS_RULES]\n")
	b.WriteString(sysRules)
	fmt.Fprintf(&b, "\n\nGenerate steps ONLY for the subgoal below. Return ONLY a JSON array of at most %d steps.\n", maxSteps)
	b.WriteString("Add wait_* steps around navigation. Do not goto if already on the right page; do not duplicate HISTORY_DONE.\n\n")
	fmt.Fprintf(&b, "GLOBAL_TASK:\n%s\n\n", clip(task, maxTaskChars))
	fmt.Fprintf(&b, "SUBGOAL:\n%s\n\n", marshalAny(sg))
	fmt.Fprintf(&b, "KNOWN_VARS:\n%s\n\n", marshalAny(vars))
	fmt.Fprintf(&b, "HISTORY_DONE:\n%s\n\n", marshalSteps(history))
	writeDOM(&b, snapshot)
	return b.String()
}

// promptVerify asks whether a subgoal was reached and for fix steps.
func promptVerify(snapshot, task string, sg engine.Subgoal, done []plan.Step, vars map[string]any) string {
	var b strings.Builder
	b.WriteString("[SYS_RULES]\n")
	b.WriteString(sysRules)
	b.WriteString("\n\nCheck against the current DOM whether the subgoal was reached. ")
	b.WriteString("If not, propose up to 3 corrective steps. Return ONLY a JSON object:\n")
	b.WriteString(`{"status":"ok|retry","reason":"short explanation","fix_steps":[...]}` + "\n\n")
	fmt.Fprintf(&b, "GLOBAL_TASK:\n%s\n\n", clip(task, maxTaskChars))
	fmt.Fprintf(&b, "SUBGOAL:\n%s\n\n", marshalAny(sg))
	fmt.Fprintf(&b, "LAST_EXECUTED_STEPS:\n%s\n\n", marshalSteps(done))
	fmt.Fprintf(&b, "KNOWN_VARS:\n%s\n\n", marshalAny(vars))
	writeDOM(&b, snapshot)
	return b.String()
}

func writeContext(b *strings.Builder, task string, history []plan.Step, vars map[string]any) {
	fmt.Fprintf(b, "TASK:\n%s\n\n", clip(task, maxTaskChars))
	fmt.Fprintf(b, "KNOWN_VARS:\n%s\n\n", marshalAny(vars))
	fmt.Fprintf(b, "HISTORY_DONE:\n%s\n\n", marshalSteps(history))
}

func writeDOM(b *strings.Builder, snapshot string) {
	fmt.Fprintf(b, "VISIBLE_DOM:\n```html\n%s\n```", clip(snapshot, maxHTMLChars))
}

func marshalSteps(steps []plan.Step) string {
	fields := make([]map[string]any, len(steps))
	for i, s := range steps {
		fields[i] = s.Fields()
	}
	return marshalAny(fields)
}

func marshalAny(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
