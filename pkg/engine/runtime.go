package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stepflow/stepflow/pkg/plan"
	"github.com/stepflow/stepflow/pkg/telemetry"
)

// Limits bounds a run. Zero values take the defaults below.
type Limits struct {
	// MaxSteps is the total step budget per run.
	MaxSteps int

	// MaxSameStep breaks the loop after this many consecutive
	// executions of an identical step signature.
	MaxSameStep int

	// MaxRepairsPerStep bounds repair rounds for one failing step.
	MaxRepairsPerStep int

	// ReplanAfterRepairs triggers a replan after this many consecutive
	// successful repairs.
	ReplanAfterRepairs int

	// ReplanAfterSkips triggers a replan after this many consecutive
	// skipped steps.
	ReplanAfterSkips int
}

// DefaultLimits returns the standard run bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxSteps:           80,
		MaxSameStep:        3,
		MaxRepairsPerStep:  3,
		ReplanAfterRepairs: 3,
		ReplanAfterSkips:   5,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxSteps <= 0 {
		l.MaxSteps = d.MaxSteps
	}
	if l.MaxSameStep <= 0 {
		l.MaxSameStep = d.MaxSameStep
	}
	if l.MaxRepairsPerStep <= 0 {
		l.MaxRepairsPerStep = d.MaxRepairsPerStep
	}
	if l.ReplanAfterRepairs <= 0 {
		l.ReplanAfterRepairs = d.ReplanAfterRepairs
	}
	if l.ReplanAfterSkips <= 0 {
		l.ReplanAfterSkips = d.ReplanAfterSkips
	}
	return l
}

// ExecStats counts what happened during a run.
type ExecStats struct {
	TotalSteps     int `json:"total_steps"`
	OKSteps        int `json:"ok_steps"`
	Repairs        int `json:"repairs"`
	Skips          int `json:"skips"`
	Replans        int `json:"replans"`
	LoopGuardTrips int `json:"loop_guard_trips"`
}

// Add accumulates another run's stats, used by incremental mode.
func (s *ExecStats) Add(o ExecStats) {
	s.TotalSteps += o.TotalSteps
	s.OKSteps += o.OKSteps
	s.Repairs += o.Repairs
	s.Skips += o.Skips
	s.Replans += o.Replans
	s.LoopGuardTrips += o.LoopGuardTrips
}

// RunResult is the outcome of a run.
type RunResult struct {
	// DoneSteps is the ordered list of successfully executed steps,
	// repaired variants included.
	DoneSteps plan.Plan `json:"done_steps"`

	// PlannedTotal is the final plan length, after any replans.
	PlannedTotal int `json:"planned_total"`

	// Stats are the run counters.
	Stats ExecStats `json:"stats"`

	// ReplanSuggested is set when escalation wanted a replan but no
	// replanner was available or it produced nothing.
	ReplanSuggested bool `json:"replan_suggested"`
}

// Config wires a Runtime. Dispatch is required; every collaborator is
// optional and degrades gracefully when absent.
type Config struct {
	Dispatch  DispatchTable
	Page      Page
	Vars      VarStore
	Repairer  Repairer
	Replanner Replanner
	Guard     LoopGuard
	Trace     TraceSink
	Artifacts ArtifactSink
	Metrics   *telemetry.Metrics
	Limits    Limits
	Logger    zerolog.Logger
}

// Runtime executes one plan at a time. It is not safe for concurrent
// use; run plans sequentially or give each goroutine its own Runtime.
type Runtime struct {
	dispatch  DispatchTable
	page      Page
	vars      VarStore
	repairer  Repairer
	replanner Replanner
	guard     LoopGuard
	trace     TraceSink
	artifacts ArtifactSink
	metrics   *telemetry.Metrics
	limits    Limits
	log       zerolog.Logger

	plan    plan.Plan
	task    string
	stepIdx int
	history plan.Plan
	stats   ExecStats

	// sleep is replaceable in tests to skip repair backoff.
	sleep func(time.Duration)
}

// probeTimeout bounds the proactive existence check on the next step.
const probeTimeout = 2 * time.Second

// repair backoff: starts at repairBackoffStart, multiplies by
// repairBackoffFactor, capped at repairBackoffMax.
const (
	repairBackoffStart  = 400 * time.Millisecond
	repairBackoffFactor = 1.8
	repairBackoffMax    = 3 * time.Second
)

// New builds a Runtime from a config.
func New(cfg Config) *Runtime {
	trace := cfg.Trace
	if trace == nil {
		trace = nopSink{}
	}
	vars := cfg.Vars
	if vars == nil {
		vars = NewMemoryVars(nil)
	}
	return &Runtime{
		dispatch:  cfg.Dispatch,
		page:      cfg.Page,
		vars:      vars,
		repairer:  cfg.Repairer,
		replanner: cfg.Replanner,
		guard:     cfg.Guard,
		trace:     trace,
		artifacts: cfg.Artifacts,
		metrics:   cfg.Metrics,
		limits:    cfg.Limits.withDefaults(),
		log:       cfg.Logger.With().Str("component", "runtime").Logger(),
		sleep:     time.Sleep,
	}
}

// Vars exposes the runtime's variable store.
func (r *Runtime) Vars() VarStore {
	return r.vars
}

// SetPlan validates and installs a plan, resetting history, cursor, and
// stats. Items failing validation are dropped.
func (r *Runtime) SetPlan(raw any, task string) error {
	var validated plan.Plan
	switch p := raw.(type) {
	case plan.Plan:
		validated = p
	default:
		var err error
		validated, err = plan.ValidatePlan(raw)
		if err != nil {
			return err
		}
	}
	r.plan = validated
	r.task = task
	r.history = r.history[:0]
	r.stepIdx = 0
	r.stats = ExecStats{}
	return nil
}

// Run executes the installed plan to completion or to a hard limit.
// It never returns an error: failures are repaired, skipped, or
// escalated, and the result reports what actually happened.
func (r *Runtime) Run(ctx context.Context) RunResult {
	if len(r.plan) == 0 {
		r.trace.Write(map[string]any{"event": "run_empty_plan"})
		return RunResult{Stats: r.stats}
	}

	started := time.Now()
	r.trace.Write(map[string]any{"event": "run_start", "planned_total": len(r.plan), "task": r.task})
	r.log.Info().Int("planned", len(r.plan)).Str("task", r.task).Msg("run started")

	sameStepCount := 0
	lastSig := ""
	consecutiveRepairs := 0
	consecutiveSkips := 0
	replanSuggested := false

	for r.stepIdx < len(r.plan) {
		if ctx.Err() != nil {
			r.trace.Write(map[string]any{"event": "run_canceled", "err": ctx.Err().Error()})
			break
		}
		if r.stats.TotalSteps >= r.limits.MaxSteps {
			r.trace.Write(map[string]any{"event": "limit_reached", "limit": r.limits.MaxSteps})
			break
		}

		step := r.plan[r.stepIdx]
		sig := step.Signature()
		if sig == lastSig {
			sameStepCount++
		} else {
			sameStepCount = 0
		}
		lastSig = sig
		if sameStepCount >= r.limits.MaxSameStep {
			r.trace.Write(map[string]any{"event": "same_step_break", "count": sameStepCount})
			break
		}

		r.trace.Write(map[string]any{"event": "step_start", "idx": r.stepIdx, "step": step.Fields()})
		ok := r.executeStep(ctx, step)
		r.stats.TotalSteps++

		if ok {
			r.stats.OKSteps++
			r.history = append(r.history, r.plan[r.stepIdx])
			r.stepIdx++
			consecutiveRepairs = 0
			consecutiveSkips = 0

			if skipped := r.probeNextStep(ctx); skipped {
				consecutiveSkips++
			}

			if r.guardTripped(ctx) {
				if !r.applyReplan(ctx) {
					replanSuggested = true
				}
			}
			continue
		}

		repaired := r.repairCurrentStep(ctx, step)
		if repaired {
			consecutiveRepairs++
			consecutiveSkips = 0
		} else {
			r.skipCurrent(ctx, step)
			consecutiveSkips++
			consecutiveRepairs = 0
		}

		if consecutiveRepairs >= r.limits.ReplanAfterRepairs || consecutiveSkips >= r.limits.ReplanAfterSkips {
			if r.applyReplan(ctx) {
				consecutiveRepairs = 0
				consecutiveSkips = 0
			} else {
				replanSuggested = true
			}
		}
	}

	if r.metrics != nil {
		r.metrics.ObserveRunDuration(time.Since(started).Seconds())
	}
	r.trace.Write(map[string]any{
		"event":            "run_done",
		"stats":            r.stats,
		"done_count":       len(r.history),
		"planned_total":    len(r.plan),
		"replan_suggested": replanSuggested,
	})
	r.log.Info().
		Int("done", len(r.history)).
		Int("planned", len(r.plan)).
		Bool("replan_suggested", replanSuggested).
		Msg("run finished")

	done := make(plan.Plan, len(r.history))
	copy(done, r.history)
	return RunResult{
		DoneSteps:       done,
		PlannedTotal:    len(r.plan),
		Stats:           r.stats,
		ReplanSuggested: replanSuggested,
	}
}

// executeStep renders variables into the step, dispatches it, and
// records the outcome. Handler panics are recovered into failures.
func (r *Runtime) executeStep(ctx context.Context, step plan.Step) (ok bool) {
	rendered := plan.RenderStep(step, r.vars.All())
	started := time.Now()
	var errMsg string

	defer func() {
		if p := recover(); p != nil {
			ok = false
			errMsg = fmt.Sprintf("panic: %v", p)
		}
		elapsed := time.Since(started)
		if r.metrics != nil {
			r.metrics.ObserveStep(string(rendered.Type), ok, elapsed.Seconds())
		}
		rec := map[string]any{
			"event": "step_result",
			"ok":    ok,
			"t":     elapsed.Round(time.Millisecond).Seconds(),
			"step":  rendered.Fields(),
		}
		if errMsg != "" {
			rec["err"] = errMsg
		}
		r.trace.Write(rec)
	}()

	handler, found := r.dispatch[rendered.Type]
	if !found {
		errMsg = "no_handler:" + string(rendered.Type)
		return false
	}
	if err := handler(ctx, rendered); err != nil {
		errMsg = err.Error()
		return false
	}
	return true
}

// probeNextStep checks whether the upcoming selector-bearing step still
// matches the page; if not, it asks the repairer for a replacement and
// skips the step when none validates. Returns true when the next step
// was skipped.
func (r *Runtime) probeNextStep(ctx context.Context) bool {
	if r.repairer == nil || r.page == nil || r.stepIdx >= len(r.plan) {
		return false
	}
	next := r.plan[r.stepIdx]
	if !plan.NeedsSelector(next.Type) || next.Selector() == "" {
		return false
	}

	sel, _ := plan.Render(next.Selector(), r.vars.All()).(string)
	if r.page.Exists(ctx, sel, plan.NeedsVisible(next.Type), probeTimeout) {
		return false
	}
	r.trace.Write(map[string]any{"event": "next_step_looks_broken", "next_idx": r.stepIdx, "step": next.Fields()})

	if repaired, ok := r.askRepairer(ctx, next); ok {
		r.plan[r.stepIdx] = repaired
		r.trace.Write(map[string]any{"event": "repair_applied_proactive", "idx": r.stepIdx, "new": repaired.Fields()})
		return false
	}

	r.trace.Write(map[string]any{
		"event":      "step_skip",
		"idx":        r.stepIdx,
		"reason":     "proactive_repair_failed",
		"screenshot": r.capture(ctx, "skip_proactive"),
	})
	r.stepIdx++
	r.stats.Skips++
	if r.metrics != nil {
		r.metrics.IncSkips()
	}
	return true
}

// repairCurrentStep runs bounded repair rounds with backoff for the
// failing step at the cursor. Returns true when a repaired variant
// executed successfully.
func (r *Runtime) repairCurrentStep(ctx context.Context, step plan.Step) bool {
	if r.repairer == nil {
		return false
	}
	r.stats.Repairs++
	if r.metrics != nil {
		r.metrics.IncRepairs()
	}

	backoff := repairBackoffStart
	for attempt := 1; attempt <= r.limits.MaxRepairsPerStep; attempt++ {
		if ctx.Err() != nil {
			return false
		}
		r.trace.Write(map[string]any{"event": "repair_try", "idx": r.stepIdx, "nth": attempt})

		if repaired, ok := r.askRepairer(ctx, step); ok {
			r.trace.Write(map[string]any{"event": "repair_candidate", "idx": r.stepIdx, "new": repaired.Fields()})
			if r.executeStep(ctx, repaired) {
				r.history = append(r.history, repaired)
				r.plan[r.stepIdx] = repaired
				r.stepIdx++
				return true
			}
		}

		r.sleep(backoff)
		backoff = time.Duration(float64(backoff) * repairBackoffFactor)
		if backoff > repairBackoffMax {
			backoff = repairBackoffMax
		}
	}
	return false
}

// askRepairer queries the repairer and validates the candidate.
func (r *Runtime) askRepairer(ctx context.Context, failing plan.Step) (plan.Step, bool) {
	raw, err := r.repairer.RepairStep(ctx, r.snapshot(ctx), r.task, r.history, failing, r.vars.All())
	if err != nil {
		r.trace.Write(map[string]any{"event": "repair_error", "err": err.Error()})
		return plan.Step{}, false
	}
	if raw == nil {
		return plan.Step{}, false
	}
	st, verr := plan.ValidateStep(raw)
	if verr != nil {
		return plan.Step{}, false
	}
	return st, true
}

// skipCurrent records the skip and advances past the failing step.
// Skipping is never fatal.
func (r *Runtime) skipCurrent(ctx context.Context, step plan.Step) {
	r.trace.Write(map[string]any{
		"event":      "step_skip",
		"idx":        r.stepIdx,
		"step":       step.Fields(),
		"screenshot": r.capture(ctx, "skip_step"),
	})
	r.log.Warn().Int("idx", r.stepIdx).Str("type", string(step.Type)).Msg("step skipped")
	r.stepIdx++
	r.stats.Skips++
	if r.metrics != nil {
		r.metrics.IncSkips()
	}
}

// guardTripped consults the loop guard after a success.
func (r *Runtime) guardTripped(ctx context.Context) bool {
	if r.guard == nil {
		return false
	}
	if !r.guard.Update(ctx, r.history) {
		return false
	}
	r.stats.LoopGuardTrips++
	if r.metrics != nil {
		r.metrics.IncLoopTrips()
	}
	r.trace.Write(map[string]any{"event": "loop_guard_tripped"})
	return true
}

// applyReplan asks the replanner for a new tail and splices it after
// the completed history. Returns false when no usable tail came back.
func (r *Runtime) applyReplan(ctx context.Context) bool {
	if r.replanner == nil {
		r.trace.Write(map[string]any{"event": "replan_suggested"})
		return false
	}
	tail, err := r.replanner.Replan(ctx, r.plan, r.history)
	if err != nil {
		r.trace.Write(map[string]any{"event": "replan_error", "err": err.Error()})
		return false
	}
	if len(tail) == 0 {
		r.trace.Write(map[string]any{"event": "replan_suggested_noop"})
		return false
	}

	items := make([]any, len(tail))
	for i, m := range tail {
		items[i] = m
	}
	tailValid, _ := plan.ValidatePlan(items)
	if len(tailValid) == 0 {
		r.trace.Write(map[string]any{"event": "replan_suggested_noop"})
		return false
	}

	newPlan := make(plan.Plan, 0, len(r.history)+len(tailValid))
	newPlan = append(newPlan, r.history...)
	newPlan = append(newPlan, tailValid...)
	r.plan = newPlan
	r.stepIdx = len(r.history)
	r.stats.Replans++
	if r.metrics != nil {
		r.metrics.IncReplans()
	}
	r.trace.Write(map[string]any{"event": "replan_applied", "new_tail": len(tailValid)})
	r.log.Info().Int("tail", len(tailValid)).Msg("replan applied")
	return true
}

func (r *Runtime) snapshot(ctx context.Context) string {
	if r.page == nil {
		return ""
	}
	return r.page.Snapshot(ctx)
}

func (r *Runtime) capture(ctx context.Context, label string) string {
	if r.artifacts == nil {
		return ""
	}
	return r.artifacts.Capture(ctx, label)
}
