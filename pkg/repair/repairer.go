package repair

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/stepflow/stepflow/pkg/engine"
	"github.com/stepflow/stepflow/pkg/plan"
)

// LLMRepairer fixes failing steps in two stages: ask the model for a
// replacement against the live DOM, and when that yields nothing
// usable, apply safe local heuristics. Candidates are pre-validated
// here so the trace can tell a model miss from a schema miss; the
// runtime validates again on its side.
type LLMRepairer struct {
	client *Client
	trace  engine.TraceSink
	log    zerolog.Logger
}

// NewLLMRepairer builds a repairer. Trace may be nil.
func NewLLMRepairer(client *Client, trace engine.TraceSink, log zerolog.Logger) *LLMRepairer {
	return &LLMRepairer{client: client, trace: trace, log: log}
}

// RepairStep implements engine.Repairer. A nil map with a nil error
// means no candidate.
func (r *LLMRepairer) RepairStep(ctx context.Context, snapshot, task string, history []plan.Step, failing plan.Step, vars map[string]any) (map[string]any, error) {
	r.write(map[string]any{"event": "repair_llm_start", "failing": failing.Fields()})

	obj, err := r.client.GenerateJSON(ctx, promptRepair(snapshot, task, history, failing, vars))
	if err != nil {
		r.write(map[string]any{"event": "repair_llm_error", "err": err.Error()})
	} else if raw, ok := obj.(map[string]any); ok && len(raw) > 0 {
		if fixed, verr := plan.ValidateStep(raw); verr == nil {
			out := fixed.Fields()
			r.write(map[string]any{"event": "repair_llm_ok", "out": out})
			return out, nil
		} else {
			r.write(map[string]any{"event": "repair_llm_invalid", "err": verr.Error(), "raw": raw})
		}
	}

	if healed := HeuristicHeal(failing.Fields()); healed != nil {
		if fixed, verr := plan.ValidateStep(healed); verr == nil {
			out := fixed.Fields()
			r.write(map[string]any{"event": "repair_heuristic_ok", "out": out})
			return out, nil
		} else {
			r.write(map[string]any{"event": "repair_heuristic_invalid", "err": verr.Error(), "raw": healed})
		}
	}

	r.write(map[string]any{"event": "repair_failed"})
	return nil, nil
}

func (r *LLMRepairer) write(rec map[string]any) {
	if r.trace != nil {
		r.trace.Write(rec)
	}
}
