package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stepflow/stepflow/pkg/plan"
)

// fakeTrace records every event written to it.
type fakeTrace struct {
	events []map[string]any
}

func (f *fakeTrace) Write(event map[string]any) {
	f.events = append(f.events, event)
}

func (f *fakeTrace) names() []string {
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		if name, ok := e["event"].(string); ok {
			out = append(out, name)
		}
	}
	return out
}

func (f *fakeTrace) has(name string) bool {
	for _, n := range f.names() {
		if n == name {
			return true
		}
	}
	return false
}

// fakePage serves a fixed snapshot and existence verdict.
type fakePage struct {
	snap   string
	exists bool
}

func (f *fakePage) Snapshot(ctx context.Context) string { return f.snap }

func (f *fakePage) Exists(ctx context.Context, selector string, visible bool, timeout time.Duration) bool {
	return f.exists
}

// fakeRepairer returns a fixed candidate and counts calls.
type fakeRepairer struct {
	out   map[string]any
	err   error
	calls int
}

func (f *fakeRepairer) RepairStep(ctx context.Context, snapshot, task string, history []plan.Step, failing plan.Step, vars map[string]any) (map[string]any, error) {
	f.calls++
	return f.out, f.err
}

// fakeReplanner returns a fixed tail and counts calls.
type fakeReplanner struct {
	tail  []map[string]any
	err   error
	calls int
}

func (f *fakeReplanner) Replan(ctx context.Context, current plan.Plan, history []plan.Step) ([]map[string]any, error) {
	f.calls++
	return f.tail, f.err
}

// fakeGuard trips according to a scripted sequence, false once the
// script runs out.
type fakeGuard struct {
	trips []bool
	calls int
}

func (f *fakeGuard) Update(ctx context.Context, history []plan.Step) bool {
	f.calls++
	if f.calls > len(f.trips) {
		return false
	}
	return f.trips[f.calls-1]
}

func mustStep(t *testing.T, raw map[string]any) plan.Step {
	t.Helper()
	st, err := plan.ValidateStep(raw)
	if err != nil {
		t.Fatalf("invalid test step %v: %v", raw, err)
	}
	return st
}

func waitStep(t *testing.T) plan.Step {
	return mustStep(t, map[string]any{"type": "wait", "seconds": 0.01})
}

func clickStep(t *testing.T, sel string) plan.Step {
	return mustStep(t, map[string]any{"type": "click", "selector": sel})
}

// okTable dispatches wait steps to a no-op handler.
func okTable() DispatchTable {
	return DispatchTable{
		plan.StepWait: func(ctx context.Context, step plan.Step) error { return nil },
	}
}

func newTestRuntime(cfg Config) *Runtime {
	cfg.Logger = zerolog.Nop()
	rt := New(cfg)
	rt.sleep = func(time.Duration) {}
	return rt
}

func TestRunEmptyPlan(t *testing.T) {
	trace := &fakeTrace{}
	rt := newTestRuntime(Config{Dispatch: okTable(), Trace: trace})

	res := rt.Run(context.Background())

	if res.Stats.TotalSteps != 0 || len(res.DoneSteps) != 0 {
		t.Fatalf("empty plan executed something: %+v", res)
	}
	if !trace.has("run_empty_plan") {
		t.Errorf("missing run_empty_plan event, got %v", trace.names())
	}
}

func TestRunHappyPath(t *testing.T) {
	trace := &fakeTrace{}
	rt := newTestRuntime(Config{Dispatch: okTable(), Trace: trace})
	if err := rt.SetPlan(plan.Plan{waitStep(t), waitStep(t), waitStep(t)}, "demo"); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	res := rt.Run(context.Background())

	if len(res.DoneSteps) != 3 || res.PlannedTotal != 3 {
		t.Fatalf("done=%d planned=%d, want 3/3", len(res.DoneSteps), res.PlannedTotal)
	}
	if res.Stats.TotalSteps != 3 || res.Stats.OKSteps != 3 {
		t.Errorf("stats = %+v, want 3 total 3 ok", res.Stats)
	}
	if res.ReplanSuggested {
		t.Error("replan suggested on a clean run")
	}
	if !trace.has("run_start") || !trace.has("run_done") {
		t.Errorf("missing lifecycle events, got %v", trace.names())
	}
}

func TestRunCanceledContext(t *testing.T) {
	trace := &fakeTrace{}
	rt := newTestRuntime(Config{Dispatch: okTable(), Trace: trace})
	if err := rt.SetPlan(plan.Plan{waitStep(t)}, "demo"); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := rt.Run(ctx)

	if res.Stats.TotalSteps != 0 {
		t.Errorf("executed %d steps after cancel", res.Stats.TotalSteps)
	}
	if !trace.has("run_canceled") {
		t.Errorf("missing run_canceled event, got %v", trace.names())
	}
}

func TestRunMaxStepsLimit(t *testing.T) {
	trace := &fakeTrace{}
	rt := newTestRuntime(Config{
		Dispatch: okTable(),
		Trace:    trace,
		Limits:   Limits{MaxSteps: 2, MaxSameStep: 10},
	})
	steps := plan.Plan{}
	for i := 0; i < 5; i++ {
		steps = append(steps, mustStep(t, map[string]any{"type": "wait", "seconds": float64(i + 1)}))
	}
	if err := rt.SetPlan(steps, "demo"); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	res := rt.Run(context.Background())

	if res.Stats.TotalSteps != 2 {
		t.Errorf("total = %d, want 2", res.Stats.TotalSteps)
	}
	if !trace.has("limit_reached") {
		t.Errorf("missing limit_reached event, got %v", trace.names())
	}
}

func TestRunSameStepBreak(t *testing.T) {
	trace := &fakeTrace{}
	rt := newTestRuntime(Config{
		Dispatch: okTable(),
		Trace:    trace,
		Limits:   Limits{MaxSameStep: 3},
	})
	same := waitStep(t)
	if err := rt.SetPlan(plan.Plan{same, same, same, same}, "demo"); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	res := rt.Run(context.Background())

	if res.Stats.TotalSteps != 3 {
		t.Errorf("total = %d, want 3 before the break", res.Stats.TotalSteps)
	}
	if !trace.has("same_step_break") {
		t.Errorf("missing same_step_break event, got %v", trace.names())
	}
}

func TestRepairReplacesFailingStep(t *testing.T) {
	trace := &fakeTrace{}
	repairer := &fakeRepairer{out: map[string]any{"type": "wait", "seconds": 0.01}}
	table := okTable()
	table[plan.StepClick] = func(ctx context.Context, step plan.Step) error {
		return errors.New("element not found")
	}
	rt := newTestRuntime(Config{Dispatch: table, Trace: trace, Repairer: repairer})
	if err := rt.SetPlan(plan.Plan{clickStep(t, "#gone")}, "demo"); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	res := rt.Run(context.Background())

	if len(res.DoneSteps) != 1 {
		t.Fatalf("done = %d, want 1 repaired step", len(res.DoneSteps))
	}
	if res.DoneSteps[0].Type != plan.StepWait {
		t.Errorf("done step type = %s, want the repaired wait", res.DoneSteps[0].Type)
	}
	if res.Stats.Repairs != 1 {
		t.Errorf("repairs = %d, want 1", res.Stats.Repairs)
	}
	// The failing execution is the only one counted; repair-loop
	// executions do not inflate the step counters.
	if res.Stats.TotalSteps != 1 || res.Stats.OKSteps != 0 {
		t.Errorf("stats = %+v, want 1 total 0 ok", res.Stats)
	}
	if !trace.has("repair_try") || !trace.has("repair_candidate") {
		t.Errorf("missing repair events, got %v", trace.names())
	}
}

func TestRepairExhaustionSkips(t *testing.T) {
	trace := &fakeTrace{}
	repairer := &fakeRepairer{out: nil}
	table := okTable()
	table[plan.StepClick] = func(ctx context.Context, step plan.Step) error {
		return errors.New("element not found")
	}
	rt := newTestRuntime(Config{
		Dispatch: table,
		Trace:    trace,
		Repairer: repairer,
		Limits:   Limits{MaxRepairsPerStep: 2},
	})
	if err := rt.SetPlan(plan.Plan{clickStep(t, "#gone"), waitStep(t)}, "demo"); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	res := rt.Run(context.Background())

	if repairer.calls != 2 {
		t.Errorf("repairer calls = %d, want 2 bounded attempts", repairer.calls)
	}
	if res.Stats.Skips != 1 {
		t.Errorf("skips = %d, want 1", res.Stats.Skips)
	}
	if len(res.DoneSteps) != 1 || res.DoneSteps[0].Type != plan.StepWait {
		t.Errorf("run did not continue past the skipped step: %+v", res.DoneSteps)
	}
	if !trace.has("step_skip") {
		t.Errorf("missing step_skip event, got %v", trace.names())
	}
}

func TestReplanAfterSkips(t *testing.T) {
	trace := &fakeTrace{}
	replanner := &fakeReplanner{tail: []map[string]any{{"type": "wait", "seconds": 0.01}}}
	table := okTable()
	table[plan.StepClick] = func(ctx context.Context, step plan.Step) error {
		return errors.New("element not found")
	}
	rt := newTestRuntime(Config{
		Dispatch:  table,
		Trace:     trace,
		Replanner: replanner,
		Limits:    Limits{ReplanAfterSkips: 1},
	})
	if err := rt.SetPlan(plan.Plan{clickStep(t, "#gone")}, "demo"); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	res := rt.Run(context.Background())

	if replanner.calls != 1 {
		t.Fatalf("replanner calls = %d, want 1", replanner.calls)
	}
	if res.Stats.Replans != 1 {
		t.Errorf("replans = %d, want 1", res.Stats.Replans)
	}
	if len(res.DoneSteps) != 1 || res.DoneSteps[0].Type != plan.StepWait {
		t.Errorf("replanned tail did not run: %+v", res.DoneSteps)
	}
	if res.ReplanSuggested {
		t.Error("replan suggested despite an applied replan")
	}
	if !trace.has("replan_applied") {
		t.Errorf("missing replan_applied event, got %v", trace.names())
	}
}

func TestReplanSuggestedWithoutReplanner(t *testing.T) {
	trace := &fakeTrace{}
	table := okTable()
	table[plan.StepClick] = func(ctx context.Context, step plan.Step) error {
		return errors.New("element not found")
	}
	rt := newTestRuntime(Config{
		Dispatch: table,
		Trace:    trace,
		Limits:   Limits{ReplanAfterSkips: 1},
	})
	if err := rt.SetPlan(plan.Plan{clickStep(t, "#gone")}, "demo"); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	res := rt.Run(context.Background())

	if !res.ReplanSuggested {
		t.Error("expected a replan suggestion")
	}
	if !trace.has("replan_suggested") {
		t.Errorf("missing replan_suggested event, got %v", trace.names())
	}
}

func TestReplanRejectsInvalidTail(t *testing.T) {
	trace := &fakeTrace{}
	replanner := &fakeReplanner{tail: []map[string]any{{"type": "goto"}}}
	table := okTable()
	table[plan.StepClick] = func(ctx context.Context, step plan.Step) error {
		return errors.New("element not found")
	}
	rt := newTestRuntime(Config{
		Dispatch:  table,
		Trace:     trace,
		Replanner: replanner,
		Limits:    Limits{ReplanAfterSkips: 1},
	})
	if err := rt.SetPlan(plan.Plan{clickStep(t, "#gone")}, "demo"); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	res := rt.Run(context.Background())

	if res.Stats.Replans != 0 {
		t.Errorf("replans = %d, want 0 for an invalid tail", res.Stats.Replans)
	}
	if !res.ReplanSuggested {
		t.Error("expected a replan suggestion when the tail validated to nothing")
	}
}

func TestLoopGuardTripSuggestsReplan(t *testing.T) {
	trace := &fakeTrace{}
	guard := &fakeGuard{trips: []bool{true}}
	rt := newTestRuntime(Config{Dispatch: okTable(), Trace: trace, Guard: guard})
	if err := rt.SetPlan(plan.Plan{waitStep(t)}, "demo"); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	res := rt.Run(context.Background())

	if res.Stats.LoopGuardTrips != 1 {
		t.Errorf("loop guard trips = %d, want 1", res.Stats.LoopGuardTrips)
	}
	if !res.ReplanSuggested {
		t.Error("guard trip without a replanner should suggest a replan")
	}
	if !trace.has("loop_guard_tripped") {
		t.Errorf("missing loop_guard_tripped event, got %v", trace.names())
	}
}

func TestProactiveProbeSkipsBrokenNextStep(t *testing.T) {
	trace := &fakeTrace{}
	page := &fakePage{exists: false}
	repairer := &fakeRepairer{out: nil}
	rt := newTestRuntime(Config{
		Dispatch: okTable(),
		Trace:    trace,
		Page:     page,
		Repairer: repairer,
	})
	if err := rt.SetPlan(plan.Plan{waitStep(t), clickStep(t, "#gone")}, "demo"); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	res := rt.Run(context.Background())

	if res.Stats.Skips != 1 {
		t.Errorf("skips = %d, want the probed step skipped", res.Stats.Skips)
	}
	if len(res.DoneSteps) != 1 {
		t.Errorf("done = %d, want only the wait step", len(res.DoneSteps))
	}
	if !trace.has("next_step_looks_broken") {
		t.Errorf("missing next_step_looks_broken event, got %v", trace.names())
	}
}

func TestProactiveProbeAppliesRepair(t *testing.T) {
	trace := &fakeTrace{}
	page := &fakePage{exists: false}
	repairer := &fakeRepairer{out: map[string]any{"type": "click", "selector": "#fixed"}}
	var clicked string
	table := okTable()
	table[plan.StepClick] = func(ctx context.Context, step plan.Step) error {
		clicked = step.Selector()
		return nil
	}
	rt := newTestRuntime(Config{
		Dispatch: table,
		Trace:    trace,
		Page:     page,
		Repairer: repairer,
	})
	if err := rt.SetPlan(plan.Plan{waitStep(t), clickStep(t, "#gone")}, "demo"); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	res := rt.Run(context.Background())

	if clicked != "#fixed" {
		t.Errorf("clicked %q, want the proactively repaired selector", clicked)
	}
	if res.Stats.Skips != 0 {
		t.Errorf("skips = %d, want 0", res.Stats.Skips)
	}
	if !trace.has("repair_applied_proactive") {
		t.Errorf("missing repair_applied_proactive event, got %v", trace.names())
	}
}

func TestHandlerPanicBecomesFailure(t *testing.T) {
	trace := &fakeTrace{}
	table := okTable()
	table[plan.StepClick] = func(ctx context.Context, step plan.Step) error {
		panic("boom")
	}
	rt := newTestRuntime(Config{Dispatch: table, Trace: trace})
	if err := rt.SetPlan(plan.Plan{clickStep(t, "#x"), waitStep(t)}, "demo"); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	res := rt.Run(context.Background())

	if res.Stats.Skips != 1 {
		t.Errorf("skips = %d, want the panicking step skipped", res.Stats.Skips)
	}
	if len(res.DoneSteps) != 1 || res.DoneSteps[0].Type != plan.StepWait {
		t.Errorf("run did not survive the panic: %+v", res.DoneSteps)
	}
}

func TestMissingHandlerIsFailure(t *testing.T) {
	rt := newTestRuntime(Config{Dispatch: DispatchTable{}})
	if err := rt.SetPlan(plan.Plan{waitStep(t)}, "demo"); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	res := rt.Run(context.Background())

	if res.Stats.OKSteps != 0 || res.Stats.Skips != 1 {
		t.Errorf("stats = %+v, want the unhandled step skipped", res.Stats)
	}
}

func TestSetPlanAcceptsRawItems(t *testing.T) {
	rt := newTestRuntime(Config{Dispatch: okTable()})
	raw := []any{
		map[string]any{"type": "wait", "seconds": 0.01},
		map[string]any{"type": "bogus_kind"},
	}
	if err := rt.SetPlan(raw, "demo"); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	res := rt.Run(context.Background())

	if len(res.DoneSteps) != 1 {
		t.Errorf("done = %d, want the invalid item dropped", len(res.DoneSteps))
	}
}

func TestRunRendersVars(t *testing.T) {
	var clicked string
	table := DispatchTable{
		plan.StepClick: func(ctx context.Context, step plan.Step) error {
			clicked = step.Selector()
			return nil
		},
	}
	vars := NewMemoryVars(map[string]any{"row": "42"})
	rt := newTestRuntime(Config{Dispatch: table, Vars: vars})
	if err := rt.SetPlan(plan.Plan{clickStep(t, "#row-${row}")}, "demo"); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	rt.Run(context.Background())

	if clicked != "#row-42" {
		t.Errorf("clicked %q, want rendered selector", clicked)
	}
}

func TestMultiSinkFansOut(t *testing.T) {
	a := &fakeTrace{}
	b := &fakeTrace{}
	sink := MultiSink{a, nil, b}

	sink.Write(map[string]any{"event": "x"})

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("fanout wrote %d/%d events, want 1/1", len(a.events), len(b.events))
	}
}
