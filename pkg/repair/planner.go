package repair

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/stepflow/stepflow/pkg/engine"
	"github.com/stepflow/stepflow/pkg/plan"
)

// Planner is the full LLM planning surface: fresh plans, replanning
// after a stall, subgoal outlines for incremental mode, per-subgoal
// step batches, and subgoal verification.
type Planner struct {
	client *Client
	log    zerolog.Logger

	// page and task serve Replan, which receives neither from the
	// runtime. Both may be zero for planners used only through the
	// snapshot-carrying methods.
	page engine.Page
	task string
	vars engine.VarStore
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithReplanContext provides the page, task, and variable store that
// Replan prompts are built from.
func WithReplanContext(page engine.Page, task string, vars engine.VarStore) PlannerOption {
	return func(p *Planner) {
		p.page = page
		p.task = task
		p.vars = vars
	}
}

// NewPlanner builds a planner over the shared client.
func NewPlanner(client *Client, log zerolog.Logger, opts ...PlannerOption) *Planner {
	p := &Planner{client: client, log: log}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PlanFull implements engine.FullPlanner: an array of raw steps that
// advance the task from the current page.
func (p *Planner) PlanFull(ctx context.Context, snapshot, task string, history []plan.Step, vars map[string]any) ([]map[string]any, error) {
	obj, err := p.client.GenerateJSON(ctx, promptPlan(snapshot, task, history, vars))
	if err != nil {
		return nil, err
	}
	return StepMaps(obj), nil
}

// Replan implements engine.Replanner: a fresh tail for the task after
// the completed history.
func (p *Planner) Replan(ctx context.Context, current plan.Plan, history []plan.Step) ([]map[string]any, error) {
	if p.task == "" {
		return nil, fmt.Errorf("replan: no task configured")
	}
	snapshot := ""
	if p.page != nil {
		snapshot = p.page.Snapshot(ctx)
	}
	vars := map[string]any{}
	if p.vars != nil {
		vars = p.vars.All()
	}
	return p.PlanFull(ctx, snapshot, p.task, history, vars)
}

// PlanOutline implements engine.OutlinePlanner.
func (p *Planner) PlanOutline(ctx context.Context, task string) ([]engine.Subgoal, error) {
	obj, err := p.client.GenerateJSON(ctx, promptOutline(task))
	if err != nil {
		return nil, err
	}
	data, _ := obj.(map[string]any)
	raw, _ := data["subgoals"].([]any)

	out := make([]engine.Subgoal, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		sg := engine.Subgoal{
			Title: stringField(m, "title"),
			Goal:  stringField(m, "goal"),
		}
		if sg.Title == "" {
			if sg.Goal == "" {
				continue
			}
			sg.Title = truncate(sg.Goal, 64)
		}
		out = append(out, sg)
	}
	return out, nil
}

// PlanSubgoalSteps implements engine.SubgoalPlanner. maxSteps is
// clamped to [1, 12] with a default of 6.
func (p *Planner) PlanSubgoalSteps(ctx context.Context, snapshot, task string, sg engine.Subgoal, history []plan.Step, vars map[string]any, maxSteps int) ([]map[string]any, error) {
	if maxSteps <= 0 {
		maxSteps = 6
	}
	if maxSteps > 12 {
		maxSteps = 12
	}
	obj, err := p.client.GenerateJSON(ctx, promptSubgoalSteps(snapshot, task, sg, history, vars, maxSteps))
	if err != nil {
		return nil, err
	}
	steps := StepMaps(obj)
	if len(steps) > maxSteps {
		steps = steps[:maxSteps]
	}
	return steps, nil
}

// VerifyOrAdjust implements engine.Verifier. Any status other than ok
// normalizes to retry; fix steps without a type key are dropped.
func (p *Planner) VerifyOrAdjust(ctx context.Context, snapshot, task string, sg engine.Subgoal, done []plan.Step, vars map[string]any) (engine.Verdict, error) {
	obj, err := p.client.GenerateJSON(ctx, promptVerify(snapshot, task, sg, done, vars))
	if err != nil {
		return engine.Verdict{}, err
	}
	data, _ := obj.(map[string]any)

	v := engine.Verdict{
		Status: stringField(data, "status"),
		Reason: stringField(data, "reason"),
	}
	if v.Status != engine.VerdictOK {
		v.Status = engine.VerdictRetry
	}
	if raw, ok := data["fix_steps"].([]any); ok {
		for _, item := range raw {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if _, ok := m["type"]; !ok {
				continue
			}
			v.FixSteps = append(v.FixSteps, m)
		}
	}
	return v, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
