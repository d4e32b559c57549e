// Package engine provides the step-execution state machine for
// stepflow: dispatch-table execution with bounded repair, skip, replan,
// and loop-guard escalation over a compiled plan.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/stepflow/stepflow/pkg/plan"
)

// Handler executes one step kind. A nil error is success; any error is
// a recorded failure that feeds the repair path. Handlers must honor
// ctx cancellation on blocking work.
type Handler func(ctx context.Context, step plan.Step) error

// DispatchTable maps step types to their handlers. The browser package
// provides the default table; tests substitute fakes.
type DispatchTable map[plan.StepType]Handler

// Page is the runtime's view of the live document: a bounded snapshot
// for collaborator prompts and an existence probe for proactive repair.
type Page interface {
	// Snapshot returns the serialized DOM, truncated to the configured
	// maximum. An empty string is a valid (blank or failed) snapshot.
	Snapshot(ctx context.Context) string

	// Exists reports whether the selector matches within the timeout.
	Exists(ctx context.Context, selector string, visible bool, timeout time.Duration) bool
}

// Repairer proposes a replacement for a failing step. A nil result
// means no candidate; the runtime validates whatever comes back.
type Repairer interface {
	RepairStep(ctx context.Context, snapshot, task string, history []plan.Step, failing plan.Step, vars map[string]any) (map[string]any, error)
}

// Replanner proposes a fresh plan tail after the completed history.
// An empty result means no usable replacement.
type Replanner interface {
	Replan(ctx context.Context, current plan.Plan, history []plan.Step) ([]map[string]any, error)
}

// FullPlanner generates a complete plan for a task from the current
// page. It is the required capability for incremental mode; the rest
// are optional and detected by type assertion.
type FullPlanner interface {
	PlanFull(ctx context.Context, snapshot, task string, history []plan.Step, vars map[string]any) ([]map[string]any, error)
}

// OutlinePlanner decomposes a task into ordered subgoals.
type OutlinePlanner interface {
	PlanOutline(ctx context.Context, task string) ([]Subgoal, error)
}

// SubgoalPlanner generates a short step list for one subgoal against
// the current page and the history completed so far.
type SubgoalPlanner interface {
	PlanSubgoalSteps(ctx context.Context, snapshot, task string, sg Subgoal, history []plan.Step, vars map[string]any, maxSteps int) ([]map[string]any, error)
}

// Verifier judges whether a subgoal was reached and may return fix
// steps to retry with.
type Verifier interface {
	VerifyOrAdjust(ctx context.Context, snapshot, task string, sg Subgoal, done []plan.Step, vars map[string]any) (Verdict, error)
}

// Subgoal is one entry of an incremental outline.
type Subgoal struct {
	Title string `json:"title"`
	Goal  string `json:"goal,omitempty"`
}

// Label returns the display name of the subgoal.
func (s Subgoal) Label() string {
	if s.Title != "" {
		return s.Title
	}
	return s.Goal
}

// Verdict statuses returned by a Verifier.
const (
	VerdictOK    = "ok"
	VerdictRetry = "retry"
)

// Verdict is the outcome of subgoal verification.
type Verdict struct {
	Status   string           `json:"status"`
	Reason   string           `json:"reason,omitempty"`
	FixSteps []map[string]any `json:"fix_steps,omitempty"`
}

// LoopGuard watches execution for lack of page progress. Update is
// called after every successful step with the completed history; a true
// return advises the runtime to replan. The guard never forces
// termination.
type LoopGuard interface {
	Update(ctx context.Context, history []plan.Step) bool
}

// TraceSink receives execution events. Sinks must not fail execution;
// implementations swallow their own errors.
type TraceSink interface {
	Write(event map[string]any)
}

// nopSink discards events.
type nopSink struct{}

func (nopSink) Write(map[string]any) {}

// MultiSink fans events out to several sinks.
type MultiSink []TraceSink

// Write forwards the event to every sink in order.
func (m MultiSink) Write(event map[string]any) {
	for _, s := range m {
		if s != nil {
			s.Write(event)
		}
	}
}

// ArtifactSink captures failure forensics such as screenshots. Capture
// returns a path or URL for the trace, empty on failure.
type ArtifactSink interface {
	Capture(ctx context.Context, label string) string
}

// VarStore is the mutable variable scope shared by extract/evaluate
// handlers and ${var} rendering.
type VarStore interface {
	Get(name string) (any, bool)
	Set(name string, value any)
	All() map[string]any
}

// MemoryVars is the default in-process VarStore.
type MemoryVars struct {
	mu   sync.RWMutex
	vars map[string]any
}

// NewMemoryVars builds a store, optionally seeded.
func NewMemoryVars(seed map[string]any) *MemoryVars {
	m := &MemoryVars{vars: make(map[string]any, len(seed))}
	for k, v := range seed {
		m.vars[k] = v
	}
	return m
}

// Get returns the named variable.
func (m *MemoryVars) Get(name string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vars[name]
	return v, ok
}

// Set stores a variable.
func (m *MemoryVars) Set(name string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vars[name] = value
}

// All returns a copy of the variable map.
func (m *MemoryVars) All() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]any, len(m.vars))
	for k, v := range m.vars {
		out[k] = v
	}
	return out
}

// AssertionError marks a failed assert_text so callers can tell
// assertion misses from mechanical failures.
type AssertionError struct {
	Message string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return "assertion: " + e.Message
}
