package engine

import (
	"context"
	"fmt"

	"github.com/stepflow/stepflow/pkg/plan"
)

// IncrementalOptions tunes plan-and-execute mode.
type IncrementalOptions struct {
	// MaxStepsPerSubgoal bounds the short plan generated per subgoal.
	MaxStepsPerSubgoal int

	// VerifyRounds is how many verify/fix cycles run after a subgoal.
	VerifyRounds int
}

// DefaultIncrementalOptions returns the standard tuning.
func DefaultIncrementalOptions() IncrementalOptions {
	return IncrementalOptions{MaxStepsPerSubgoal: 6, VerifyRounds: 1}
}

// RunIncremental executes a task in plan-and-execute mode: outline the
// task into subgoals, generate a short plan per subgoal against the
// live page, run it with the normal loop, then verify and play fix
// steps. When the planner lacks outline or subgoal capability, or the
// outline comes back empty, it degrades to one full plan and a single
// run. The result aggregates every inner run.
func (r *Runtime) RunIncremental(ctx context.Context, planner FullPlanner, task string, opts IncrementalOptions) RunResult {
	if opts.MaxStepsPerSubgoal <= 0 {
		opts.MaxStepsPerSubgoal = DefaultIncrementalOptions().MaxStepsPerSubgoal
	}
	r.trace.Write(map[string]any{"event": "incremental_start", "task": task})

	agg := RunResult{}

	outliner, hasOutline := planner.(OutlinePlanner)
	subplanner, hasSubsteps := planner.(SubgoalPlanner)
	verifier, hasVerify := planner.(Verifier)

	if !hasOutline || !hasSubsteps {
		r.trace.Write(map[string]any{"event": "incremental_fallback_plan_full"})
		r.runFullFallback(ctx, planner, task, &agg)
		r.traceIncrementalDone(agg, true)
		return agg
	}

	subgoals, err := outliner.PlanOutline(ctx, task)
	if err != nil {
		r.trace.Write(map[string]any{"event": "llm_error", "where": "plan_outline", "err": err.Error()})
	}
	r.trace.Write(map[string]any{"event": "outline", "count": len(subgoals), "subgoals": headSubgoals(subgoals, 6)})

	if len(subgoals) == 0 {
		r.trace.Write(map[string]any{"event": "outline_empty_fallback_plan_full"})
		r.runFullFallback(ctx, planner, task, &agg)
		r.traceIncrementalDone(agg, true)
		return agg
	}

	for idx, sg := range subgoals {
		if ctx.Err() != nil {
			break
		}
		title := sg.Label()
		if title == "" {
			title = fmt.Sprintf("Subgoal %d", idx+1)
		}
		r.trace.Write(map[string]any{"event": "subgoal_start", "idx": idx + 1, "title": title})

		raw, err := subplanner.PlanSubgoalSteps(ctx, r.snapshot(ctx), task, sg, agg.DoneSteps, r.vars.All(), opts.MaxStepsPerSubgoal)
		if err != nil {
			r.trace.Write(map[string]any{"event": "llm_error", "where": "plan_subgoal_steps", "err": err.Error(), "sg": title})
		}
		steps := validateRaw(raw)
		r.trace.Write(map[string]any{"event": "subgoal_plan", "idx": idx + 1, "title": title, "count": len(steps)})

		// An empty plan may mean the subgoal is already satisfied; let
		// the verifier decide before moving on.
		if len(steps) == 0 {
			if hasVerify {
				vr := r.verify(ctx, verifier, task, sg, nil, title, idx+1)
				if vr.Status == VerdictRetry {
					if fix := validateRaw(vr.FixSteps); len(fix) > 0 {
						r.runAggregated(ctx, fix, fmt.Sprintf("%s :: %s (fix)", task, title), &agg)
					}
				}
			}
			r.trace.Write(map[string]any{"event": "subgoal_done", "idx": idx + 1, "title": title})
			continue
		}

		res := r.runAggregated(ctx, steps, fmt.Sprintf("%s :: %s", task, title), &agg)

		if hasVerify && opts.VerifyRounds > 0 {
			vr := r.verify(ctx, verifier, task, sg, res.DoneSteps, title, idx+1)
			for round := opts.VerifyRounds; round > 0 && vr.Status == VerdictRetry; round-- {
				fix := validateRaw(vr.FixSteps)
				if len(fix) == 0 {
					break
				}
				resFix := r.runAggregated(ctx, fix, fmt.Sprintf("%s :: %s (fix)", task, title), &agg)
				vr = r.verify(ctx, verifier, task, sg, resFix.DoneSteps, title, idx+1)
			}
		}

		r.trace.Write(map[string]any{"event": "subgoal_done", "idx": idx + 1, "title": title})
	}

	r.traceIncrementalDone(agg, false)
	return agg
}

// runFullFallback plans the whole task at once and runs it, folding the
// result into agg.
func (r *Runtime) runFullFallback(ctx context.Context, planner FullPlanner, task string, agg *RunResult) {
	raw, err := planner.PlanFull(ctx, r.snapshot(ctx), task, nil, r.vars.All())
	if err != nil {
		r.trace.Write(map[string]any{"event": "llm_error", "where": "plan_full", "err": err.Error()})
	}
	steps := validateRaw(raw)
	r.runAggregated(ctx, steps, task, agg)
}

// runAggregated runs one validated plan and folds its result into agg.
func (r *Runtime) runAggregated(ctx context.Context, steps plan.Plan, task string, agg *RunResult) RunResult {
	if err := r.SetPlan(steps, task); err != nil {
		return RunResult{}
	}
	res := r.Run(ctx)
	agg.DoneSteps = append(agg.DoneSteps, res.DoneSteps...)
	agg.PlannedTotal += len(steps)
	agg.Stats.Add(res.Stats)
	agg.ReplanSuggested = agg.ReplanSuggested || res.ReplanSuggested
	return res
}

func (r *Runtime) verify(ctx context.Context, v Verifier, task string, sg Subgoal, done plan.Plan, title string, idx int) Verdict {
	vr, err := v.VerifyOrAdjust(ctx, r.snapshot(ctx), task, sg, done, r.vars.All())
	if err != nil {
		r.trace.Write(map[string]any{"event": "llm_error", "where": "verify_or_adjust", "err": err.Error(), "sg": title})
		return Verdict{}
	}
	r.trace.Write(map[string]any{"event": "verify_result", "idx": idx, "title": title, "result": vr})
	return vr
}

func (r *Runtime) traceIncrementalDone(agg RunResult, fallback bool) {
	r.trace.Write(map[string]any{
		"event":            "incremental_done",
		"fallback":         fallback,
		"stats":            agg.Stats,
		"done_count":       len(agg.DoneSteps),
		"planned_total":    agg.PlannedTotal,
		"replan_suggested": agg.ReplanSuggested,
	})
}

// validateRaw validates a raw step list, dropping failures.
func validateRaw(raw []map[string]any) plan.Plan {
	if len(raw) == 0 {
		return nil
	}
	items := make([]any, len(raw))
	for i, m := range raw {
		items[i] = m
	}
	out, _ := plan.ValidatePlan(items)
	return out
}

func headSubgoals(sgs []Subgoal, n int) []Subgoal {
	if len(sgs) <= n {
		return sgs
	}
	return sgs[:n]
}
