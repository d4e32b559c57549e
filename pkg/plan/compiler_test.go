package plan

import (
	"strings"
	"testing"
)

func TestCompilePlainSteps(t *testing.T) {
	raw := []any{
		map[string]any{"type": "goto", "url": "https://example.com"},
		map[string]any{"type": "click", "selector": "#go"},
	}
	res := Compile(raw, Context{}, DefaultOptions())
	if !res.OK() {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	if len(res.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(res.Steps))
	}
}

func TestCompileAliases(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
		want StepType
	}{
		{"sleep", map[string]any{"type": "sleep", "seconds": 1}, StepWait},
		{"open", map[string]any{"type": "open", "url": "https://x"}, StepGoto},
		{"ensure_url", map[string]any{"type": "ensure_url", "pattern": "dash"}, StepWaitURL},
		{"dom_idle", map[string]any{"type": "dom_idle"}, StepWaitDOMStable},
		{"press", map[string]any{"type": "press", "key": "ENTER"}, StepPressKey},
		{"keys", map[string]any{"type": "keys", "keys": "CTRL+A"}, StepHotkey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Compile([]any{tt.raw}, Context{}, DefaultOptions())
			if !res.OK() || len(res.Steps) != 1 {
				t.Fatalf("compile failed: errors=%v warnings=%v", res.Errors, res.Warnings)
			}
			if res.Steps[0].Type != tt.want {
				t.Errorf("type = %s, want %s", res.Steps[0].Type, tt.want)
			}
		})
	}
}

func TestCompileAssertContainsAdapter(t *testing.T) {
	raw := []any{map[string]any{"type": "assert_contains", "selector": "h1", "value": "Hi"}}
	res := Compile(raw, Context{}, DefaultOptions())
	if !res.OK() || len(res.Steps) != 1 {
		t.Fatalf("compile failed: %v", res.Errors)
	}
	st := res.Steps[0]
	if st.Type != StepAssertText {
		t.Fatalf("type = %s, want assert_text", st.Type)
	}
	if st.Str("match") != "contains" || st.Str("attr") != "text" {
		t.Errorf("adapter defaults missing: match=%q attr=%q", st.Str("match"), st.Str("attr"))
	}
}

func TestCompileExtractTextAdapter(t *testing.T) {
	raw := []any{map[string]any{"type": "extract_text", "selector": "h1", "attr": "href", "var": "v"}}
	res := Compile(raw, Context{}, DefaultOptions())
	if !res.OK() || len(res.Steps) != 1 {
		t.Fatalf("compile failed: %v", res.Errors)
	}
	if res.Steps[0].Str("attr") != "text" {
		t.Errorf("extract_text must force attr=text, got %q", res.Steps[0].Str("attr"))
	}
}

func TestCompileGroupMacro(t *testing.T) {
	raw := []any{
		map[string]any{"macro": "group", "steps": []any{
			map[string]any{"type": "goto", "url": "https://x"},
			map[string]any{"macro": "group", "steps": []any{
				map[string]any{"type": "refresh"},
			}},
		}},
	}
	res := Compile(raw, Context{}, DefaultOptions())
	if !res.OK() {
		t.Fatalf("errors: %v", res.Errors)
	}
	if len(res.Steps) != 2 {
		t.Fatalf("expected 2 flattened steps, got %d", len(res.Steps))
	}
	if res.Steps[1].Type != StepRefresh {
		t.Errorf("nested group child lost: %s", res.Steps[1].Type)
	}
}

func TestCompileIfVarMacro(t *testing.T) {
	steps := []any{map[string]any{"type": "refresh"}}
	tests := []struct {
		name string
		node map[string]any
		vars map[string]any
		want int
	}{
		{"equals true", map[string]any{"macro": "if_var", "name": "flag", "equals": "yes", "steps": steps}, map[string]any{"flag": "yes"}, 1},
		{"equals false", map[string]any{"macro": "if_var", "name": "flag", "equals": "yes", "steps": steps}, map[string]any{"flag": "no"}, 0},
		{"equals stringified", map[string]any{"macro": "if_var", "name": "n", "equals": "3", "steps": steps}, map[string]any{"n": 3}, 1},
		{"exists true", map[string]any{"macro": "if_var", "name": "flag", "exists": true, "steps": steps}, map[string]any{"flag": ""}, 1},
		{"exists false wanted", map[string]any{"macro": "if_var", "name": "flag", "exists": false, "steps": steps}, map[string]any{}, 1},
		{"truthy empty string", map[string]any{"macro": "if_var", "name": "flag", "steps": steps}, map[string]any{"flag": ""}, 0},
		{"truthy value", map[string]any{"macro": "if_var", "name": "flag", "steps": steps}, map[string]any{"flag": "x"}, 1},
		{"missing name", map[string]any{"macro": "if_var", "steps": steps}, map[string]any{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Compile([]any{tt.node}, Context{Vars: tt.vars}, DefaultOptions())
			if !res.OK() {
				t.Fatalf("errors: %v", res.Errors)
			}
			if len(res.Steps) != tt.want {
				t.Errorf("steps = %d, want %d", len(res.Steps), tt.want)
			}
		})
	}
}

func TestCompileForeachMacro(t *testing.T) {
	t.Run("literal list with field projection", func(t *testing.T) {
		raw := []any{map[string]any{
			"macro": "foreach",
			"list": []any{
				map[string]any{"url": "https://a", "q": "one"},
				map[string]any{"url": "https://b", "q": "two"},
			},
			"as": "page",
			"steps": []any{
				map[string]any{"type": "goto", "url": "${page.url}"},
				map[string]any{"type": "input", "selector": "#q", "text": "${page.q}"},
			},
		}}
		res := Compile(raw, Context{}, DefaultOptions())
		if !res.OK() {
			t.Fatalf("errors: %v", res.Errors)
		}
		if len(res.Steps) != 4 {
			t.Fatalf("expected 4 steps, got %d", len(res.Steps))
		}
		if res.Steps[0].Str("url") != "https://a" || res.Steps[2].Str("url") != "https://b" {
			t.Errorf("field projection wrong: %q, %q", res.Steps[0].Str("url"), res.Steps[2].Str("url"))
		}
		if res.Steps[3].Str("text") != "two" {
			t.Errorf("second iteration text = %q, want two", res.Steps[3].Str("text"))
		}
	})

	t.Run("list from variable", func(t *testing.T) {
		raw := []any{map[string]any{
			"macro": "foreach", "list": "urls",
			"steps": []any{map[string]any{"type": "goto", "url": "${item}"}},
		}}
		ctx := Context{Vars: map[string]any{"urls": []any{"https://a", "https://b"}}}
		res := Compile(raw, ctx, DefaultOptions())
		if !res.OK() || len(res.Steps) != 2 {
			t.Fatalf("errors=%v steps=%d", res.Errors, len(res.Steps))
		}
		if res.Steps[1].Str("url") != "https://b" {
			t.Errorf("url = %q, want https://b", res.Steps[1].Str("url"))
		}
	})

	t.Run("missing list yields nothing", func(t *testing.T) {
		raw := []any{map[string]any{
			"macro": "foreach", "list": "nope",
			"steps": []any{map[string]any{"type": "refresh"}},
		}}
		res := Compile(raw, Context{}, DefaultOptions())
		if !res.OK() || len(res.Steps) != 0 {
			t.Fatalf("expected empty expansion, got %d steps (errors %v)", len(res.Steps), res.Errors)
		}
	})
}

func TestCompileUnknownMacro(t *testing.T) {
	raw := []any{map[string]any{"macro": "does_not_exist", "steps": []any{}}}

	t.Run("non-strict warns and drops", func(t *testing.T) {
		res := Compile(raw, Context{}, DefaultOptions())
		if !res.OK() {
			t.Fatalf("non-strict should not error: %v", res.Errors)
		}
		if len(res.Warnings) != 1 {
			t.Fatalf("expected 1 warning, got %v", res.Warnings)
		}
		if len(res.Steps) != 0 {
			t.Errorf("unknown macro must not reach the plan")
		}
	})

	t.Run("strict aborts", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Strict = true
		res := Compile(raw, Context{}, opts)
		if res.OK() {
			t.Fatal("strict should abort on unknown macro")
		}
	})
}

func TestCompileStrictValidation(t *testing.T) {
	raw := []any{
		map[string]any{"type": "goto", "url": "https://x"},
		map[string]any{"type": "click"},
	}

	t.Run("non-strict demotes to warning", func(t *testing.T) {
		res := Compile(raw, Context{}, DefaultOptions())
		if !res.OK() || len(res.Steps) != 1 || len(res.Warnings) != 1 {
			t.Errorf("steps=%d warnings=%v errors=%v", len(res.Steps), res.Warnings, res.Errors)
		}
	})

	t.Run("strict aborts", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Strict = true
		res := Compile(raw, Context{}, opts)
		if res.OK() {
			t.Fatal("strict should abort on invalid step")
		}
	})
}

func TestCompileDepthCap(t *testing.T) {
	reg := DefaultRegistry()
	reg.Register("forever", func(node map[string]any, _ Context) ([]map[string]any, error) {
		return []map[string]any{{"macro": "forever"}}, nil
	})
	c := NewCompiler(reg, DefaultOptions())
	res := c.Compile([]any{map[string]any{"macro": "forever"}}, Context{})
	if res.OK() && len(res.Warnings) == 0 {
		t.Fatal("self-expanding macro must trip the depth cap")
	}
	joined := strings.Join(append(res.Errors, res.Warnings...), "; ")
	if !strings.Contains(joined, "depth") {
		t.Errorf("expected a depth cap message, got %q", joined)
	}
}

func TestCompileMacrosDisabled(t *testing.T) {
	raw := []any{
		map[string]any{"macro": "group", "steps": []any{map[string]any{"type": "refresh"}}},
		map[string]any{"type": "goto", "url": "https://x"},
	}
	opts := DefaultOptions()
	opts.ExpandMacros = false
	res := Compile(raw, Context{}, opts)
	if !res.OK() || len(res.Steps) != 1 {
		t.Fatalf("macro nodes should be dropped when expansion is off: steps=%d", len(res.Steps))
	}
}

func TestCompileRenderVars(t *testing.T) {
	raw := []any{map[string]any{"type": "goto", "url": "${base}/dash"}}
	opts := DefaultOptions()
	opts.RenderVars = true
	res := Compile(raw, Context{Vars: map[string]any{"base": "https://x"}}, opts)
	if !res.OK() || len(res.Steps) != 1 {
		t.Fatalf("errors: %v", res.Errors)
	}
	if res.Steps[0].Str("url") != "https://x/dash" {
		t.Errorf("url = %q", res.Steps[0].Str("url"))
	}
}

func TestRender(t *testing.T) {
	vars := map[string]any{"name": "ads", "n": 3, "obj": map[string]any{"a": 1}}
	tests := []struct {
		in   string
		want string
	}{
		{"${name}", "ads"},
		{"hello ${name}!", "hello ads!"},
		{"${n}", "3"},
		{"${missing}", ""},
		{"${missing:-fallback}", "fallback"},
		{"${name:-other}", "ads"},
		{`${missing:-{"a":1}}`, `{"a":1}`},
		{`pre ${missing:-a{b}c} post`, "pre a{b}c post"},
		{"no vars here", "no vars here"},
	}
	for _, tt := range tests {
		if got := Render(tt.in, vars); got != tt.want {
			t.Errorf("Render(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	t.Run("nested structures", func(t *testing.T) {
		in := map[string]any{"a": []any{"${name}", map[string]any{"b": "${n}"}}}
		out, ok := Render(in, vars).(map[string]any)
		if !ok {
			t.Fatal("map in, map out")
		}
		list := out["a"].([]any)
		if list[0] != "ads" {
			t.Errorf("list[0] = %v", list[0])
		}
		if inner := list[1].(map[string]any); inner["b"] != "3" {
			t.Errorf("inner b = %v", inner["b"])
		}
	})

	t.Run("object renders as json", func(t *testing.T) {
		if got := Render("${obj}", vars); got != `{"a":1}` {
			t.Errorf("object substitution = %q", got)
		}
	})
}

func TestRenderStep(t *testing.T) {
	st, _ := ValidateStep(map[string]any{"type": "input", "selector": "#q", "text": "${q}"})
	out := RenderStep(st, map[string]any{"q": "hello"})
	if out.Str("text") != "hello" {
		t.Errorf("text = %q, want hello", out.Str("text"))
	}
	// original step untouched
	if st.Str("text") != "${q}" {
		t.Error("RenderStep must not mutate its input")
	}
}
