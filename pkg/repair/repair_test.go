package repair

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"

	"github.com/stepflow/stepflow/pkg/engine"
	"github.com/stepflow/stepflow/pkg/plan"
)

// stubModel replays canned responses in order, repeating the last one.
type stubModel struct {
	replies []string
	err     error
	calls   int
}

func (s *stubModel) GenerateContent(ctx context.Context, msgs []llms.MessageContent, opts ...llms.CallOption) (*llms.ContentResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	i := s.calls - 1
	if i >= len(s.replies) {
		i = len(s.replies) - 1
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: s.replies[i]}},
	}, nil
}

func (s *stubModel) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	resp, err := s.GenerateContent(ctx, nil, opts...)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Content, nil
}

// memSink records trace events.
type memSink struct {
	events []map[string]any
}

func (m *memSink) Write(e map[string]any) { m.events = append(m.events, e) }

func (m *memSink) has(event string) bool {
	for _, e := range m.events {
		if e["event"] == event {
			return true
		}
	}
	return false
}

func mustStep(t *testing.T, raw map[string]any) plan.Step {
	t.Helper()
	st, err := plan.ValidateStep(raw)
	if err != nil {
		t.Fatalf("ValidateStep: %v", err)
	}
	return st
}

func TestExtractFirstJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		ok   bool
	}{
		{"plain array", `[{"type":"click","selector":"#a"}]`, true},
		{"plain object", `{"type":"click"}`, true},
		{"fenced", "```json\n{\"type\":\"wait\"}\n```", true},
		{"prose around", `Sure! Here is the step: {"type":"click","selector":"#b"} hope it helps`, true},
		{"brackets in strings", `{"selector":"a[href=\"}x{\"]"}`, true},
		{"scalar only", `42`, false},
		{"string only", `"click"`, false},
		{"garbage", `no json here`, false},
		{"empty", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			obj, ok := ExtractFirstJSON(tc.in)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v (obj=%v)", ok, tc.ok, obj)
			}
		})
	}
}

func TestExtractFirstJSONPicksFirstContainer(t *testing.T) {
	obj, ok := ExtractFirstJSON(`broken [1,2 then fine {"type":"wait","seconds":1}`)
	if !ok {
		t.Fatal("expected extraction")
	}
	m, ok := obj.(map[string]any)
	if !ok || m["type"] != "wait" {
		t.Fatalf("wrong container: %v", obj)
	}
}

func TestStepMaps(t *testing.T) {
	obj, _ := ExtractFirstJSON(`[{"type":"click","selector":"#a"},{"note":"typeless"},"junk"]`)
	steps := StepMaps(obj)
	if len(steps) != 1 {
		t.Fatalf("got %d steps, want 1", len(steps))
	}
	if steps[0]["selector"] != "#a" {
		t.Errorf("wrong step survived: %v", steps[0])
	}
	if StepMaps(map[string]any{"type": "click"}) != nil {
		t.Error("object input should yield nil")
	}
}

func TestCleanSelector(t *testing.T) {
	cases := []struct{ in, want string }{
		{"div:nth-child(3) > a", "div>a"},
		{"ul li:nth-of-type(2)", "ul li"},
		{"  a   >   b ,  c ", "a>b,c"},
		{`text="   Foo   Bar  "`, "text=Foo Bar"},
		{"text='Save'", "text=Save"},
		{"css=#ok", "css=#ok"},
	}
	for _, tc := range cases {
		if got := CleanSelector(tc.in); got != tc.want {
			t.Errorf("CleanSelector(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestHeuristicHeal(t *testing.T) {
	t.Run("wait_url defaults", func(t *testing.T) {
		healed := HeuristicHeal(map[string]any{"type": "wait_url", "pattern": "/done"})
		if healed == nil {
			t.Fatal("nil heal")
		}
		if healed["regex"] != false || healed["timeout"] != 12 {
			t.Errorf("defaults missing: %v", healed)
		}
	})

	t.Run("wait seconds floor", func(t *testing.T) {
		healed := HeuristicHeal(map[string]any{"type": "wait", "seconds": -1.0})
		if healed["seconds"] != 0.8 {
			t.Errorf("seconds = %v", healed["seconds"])
		}
	})

	t.Run("selector cleanup", func(t *testing.T) {
		healed := HeuristicHeal(map[string]any{"type": "click", "selector": "div:nth-child(2) > a"})
		if healed["selector"] != "div>a" {
			t.Errorf("selector = %v", healed["selector"])
		}
	})

	t.Run("empty required selector", func(t *testing.T) {
		if HeuristicHeal(map[string]any{"type": "click", "selector": "  "}) != nil {
			t.Error("click without selector must not heal")
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		if HeuristicHeal(map[string]any{"type": "teleport"}) != nil {
			t.Error("unknown type must not heal")
		}
	})

	t.Run("input not mutated", func(t *testing.T) {
		in := map[string]any{"type": "select", "selector": "#s", "value": "x"}
		HeuristicHeal(in)
		if _, ok := in["by"]; ok {
			t.Error("input map was mutated")
		}
	})

	t.Run("healed step validates", func(t *testing.T) {
		healed := HeuristicHeal(map[string]any{"type": "assert_text", "selector": "#t", "value": "ok"})
		if healed == nil {
			t.Fatal("nil heal")
		}
		if _, err := plan.ValidateStep(healed); err != nil {
			t.Errorf("healed step invalid: %v", err)
		}
	})
}

func TestRepairStepUsesLLMCandidate(t *testing.T) {
	model := &stubModel{replies: []string{`{"type":"click","selector":"[data-testid='save']"}`}}
	sink := &memSink{}
	r := NewLLMRepairer(NewClient(model), sink, zerolog.Nop())

	failing := mustStep(t, map[string]any{"type": "click", "selector": "#gone"})
	out, err := r.RepairStep(context.Background(), "<html/>", "save the form", nil, failing, nil)
	if err != nil {
		t.Fatalf("RepairStep: %v", err)
	}
	if out == nil || out["selector"] != "[data-testid='save']" {
		t.Fatalf("candidate = %v", out)
	}
	if !sink.has("repair_llm_ok") {
		t.Error("missing repair_llm_ok event")
	}
}

func TestRepairStepFallsBackToHeuristics(t *testing.T) {
	// The model returns a step that fails validation; the healer should
	// still produce a cleaned variant of the failing step.
	model := &stubModel{replies: []string{`{"type":"click"}`}}
	sink := &memSink{}
	r := NewLLMRepairer(NewClient(model), sink, zerolog.Nop())

	failing := mustStep(t, map[string]any{"type": "click", "selector": "div:nth-child(4) > button"})
	out, err := r.RepairStep(context.Background(), "", "task", nil, failing, nil)
	if err != nil {
		t.Fatalf("RepairStep: %v", err)
	}
	if out == nil || out["selector"] != "div>button" {
		t.Fatalf("healed candidate = %v", out)
	}
	if !sink.has("repair_llm_invalid") || !sink.has("repair_heuristic_ok") {
		t.Errorf("trace sequence wrong: %v", sink.events)
	}
}

func TestRepairStepSurvivesModelError(t *testing.T) {
	model := &stubModel{err: errors.New("rate limited")}
	sink := &memSink{}
	r := NewLLMRepairer(NewClient(model, WithRetries(0)), sink, zerolog.Nop())

	failing := mustStep(t, map[string]any{"type": "hover", "selector": "#menu"})
	out, err := r.RepairStep(context.Background(), "", "task", nil, failing, nil)
	if err != nil {
		t.Fatalf("RepairStep: %v", err)
	}
	if out == nil {
		t.Fatal("heuristics should still propose the cleaned step")
	}
	if !sink.has("repair_llm_error") {
		t.Error("missing repair_llm_error event")
	}
}

func TestClientFallbackModel(t *testing.T) {
	primary := &stubModel{err: errors.New("down")}
	fallback := &stubModel{replies: []string{`{"ok":true}`}}
	c := NewClient(primary, WithRetries(0), WithFallbackModel(fallback))

	obj, err := c.GenerateJSON(context.Background(), "ping")
	if err != nil {
		t.Fatalf("GenerateJSON: %v", err)
	}
	if m, _ := obj.(map[string]any); m["ok"] != true {
		t.Errorf("obj = %v", obj)
	}
	if fallback.calls != 1 {
		t.Errorf("fallback calls = %d", fallback.calls)
	}
}

func TestPlanFull(t *testing.T) {
	model := &stubModel{replies: []string{
		"```json\n[{\"type\":\"goto\",\"url\":\"https://x\"},{\"bad\":1}]\n```",
	}}
	p := NewPlanner(NewClient(model), zerolog.Nop())

	steps, err := p.PlanFull(context.Background(), "<html/>", "open x", nil, nil)
	if err != nil {
		t.Fatalf("PlanFull: %v", err)
	}
	if len(steps) != 1 || steps[0]["type"] != "goto" {
		t.Fatalf("steps = %v", steps)
	}
}

func TestReplanUsesConfiguredContext(t *testing.T) {
	model := &stubModel{replies: []string{`[{"type":"refresh"}]`}}
	page := &staticPage{snapshot: "<html>p</html>"}
	vars := engine.NewMemoryVars(map[string]any{"k": "v"})
	p := NewPlanner(NewClient(model), zerolog.Nop(),
		WithReplanContext(page, "finish checkout", vars))

	tail, err := p.Replan(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Replan: %v", err)
	}
	if len(tail) != 1 || tail[0]["type"] != "refresh" {
		t.Fatalf("tail = %v", tail)
	}
	if !page.snapshotted {
		t.Error("replan should snapshot the page")
	}

	bare := NewPlanner(NewClient(model), zerolog.Nop())
	if _, err := bare.Replan(context.Background(), nil, nil); err == nil {
		t.Error("replan without a task must error")
	}
}

func TestPlanOutlineNormalization(t *testing.T) {
	model := &stubModel{replies: []string{
		`{"subgoals":[
			{"title":"Open the site","goal":"navigate to the store"},
			{"goal":"add the item to the cart"},
			{"notes":"no title, no goal"},
			"junk"
		]}`,
	}}
	p := NewPlanner(NewClient(model), zerolog.Nop())

	subgoals, err := p.PlanOutline(context.Background(), "buy the thing")
	if err != nil {
		t.Fatalf("PlanOutline: %v", err)
	}
	if len(subgoals) != 2 {
		t.Fatalf("subgoals = %v", subgoals)
	}
	if subgoals[0].Title != "Open the site" {
		t.Errorf("title = %q", subgoals[0].Title)
	}
	if subgoals[1].Title != "add the item to the cart" {
		t.Errorf("derived title = %q", subgoals[1].Title)
	}
}

func TestPlanSubgoalStepsClamp(t *testing.T) {
	long := `[`
	for i := 0; i < 15; i++ {
		if i > 0 {
			long += ","
		}
		long += `{"type":"scroll","direction":"down"}`
	}
	long += `]`
	model := &stubModel{replies: []string{long}}
	p := NewPlanner(NewClient(model), zerolog.Nop())

	steps, err := p.PlanSubgoalSteps(context.Background(), "", "t", engine.Subgoal{Title: "sg"}, nil, nil, 20)
	if err != nil {
		t.Fatalf("PlanSubgoalSteps: %v", err)
	}
	if len(steps) != 12 {
		t.Errorf("steps = %d, want clamp at 12", len(steps))
	}
}

func TestVerifyOrAdjustNormalization(t *testing.T) {
	model := &stubModel{replies: []string{
		`{"status":"blocked","reason":"cookie wall","fix_steps":[
			{"type":"click","selector":"text=Accept"},
			{"no_type":true}
		]}`,
	}}
	p := NewPlanner(NewClient(model), zerolog.Nop())

	v, err := p.VerifyOrAdjust(context.Background(), "", "t", engine.Subgoal{Title: "sg"}, nil, nil)
	if err != nil {
		t.Fatalf("VerifyOrAdjust: %v", err)
	}
	if v.Status != engine.VerdictRetry {
		t.Errorf("status = %q, want retry", v.Status)
	}
	if len(v.FixSteps) != 1 {
		t.Errorf("fix steps = %v", v.FixSteps)
	}
}

// staticPage is a canned engine.Page.
type staticPage struct {
	snapshot    string
	snapshotted bool
}

func (p *staticPage) Snapshot(context.Context) string {
	p.snapshotted = true
	return p.snapshot
}

func (p *staticPage) Exists(context.Context, string, bool, time.Duration) bool { return false }
