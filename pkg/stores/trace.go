package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stepflow/stepflow/pkg/plan"
)

// Recorder persists a run and its trace stream. It implements the runtime's
// trace sink so every event a run emits lands in the events table.
type Recorder struct {
	store Store
	runID string
	log   zerolog.Logger
}

// NewRecorder opens a run row and returns a recorder bound to it.
func NewRecorder(ctx context.Context, store Store, task, mode string, log zerolog.Logger) (*Recorder, error) {
	now := time.Now()
	run := &Run{
		ID:        uuid.New().String(),
		Task:      task,
		Mode:      mode,
		Status:    RunStatusRunning,
		Stats:     "{}",
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	return &Recorder{
		store: store,
		runID: run.ID,
		log:   log.With().Str("component", "run-recorder").Str("run_id", run.ID).Logger(),
	}, nil
}

// RunID returns the identifier of the recorded run.
func (r *Recorder) RunID() string {
	return r.runID
}

// Write persists a single trace event. Storage failures are logged and
// swallowed so persistence trouble never interrupts a live run.
func (r *Recorder) Write(event map[string]any) {
	name, _ := event["event"].(string)
	if name == "" {
		name = "unknown"
	}

	var payload *string
	if len(event) > 1 {
		if data, err := json.Marshal(event); err == nil {
			s := string(data)
			payload = &s
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := r.store.AppendEvent(ctx, &Event{
		RunID:     &r.runID,
		Name:      name,
		Payload:   payload,
		Timestamp: time.Now(),
	})
	if err != nil {
		r.log.Debug().Err(err).Str("name", name).Msg("Failed to persist trace event")
	}
}

// RecordSteps persists the executed history of the run.
func (r *Recorder) RecordSteps(ctx context.Context, history []plan.Step) error {
	now := time.Now()
	for i, step := range history {
		fields := "{}"
		if data, err := json.Marshal(step.Fields()); err == nil {
			fields = string(data)
		}

		rec := &StepRecord{
			ID:        uuid.New().String(),
			RunID:     r.runID,
			Idx:       i,
			Type:      string(step.Type),
			Signature: step.Signature(),
			Status:    StepStatusCompleted,
			Fields:    fields,
			Attempts:  1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := r.store.CreateStepRecord(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Finish closes the run row with its final status and counters.
func (r *Recorder) Finish(ctx context.Context, status RunStatus, stats map[string]any, runErr error) error {
	if stats != nil {
		if data, err := json.Marshal(stats); err == nil {
			if err := r.store.UpdateRunStats(ctx, r.runID, string(data)); err != nil {
				r.log.Warn().Err(err).Msg("Failed to persist run stats")
			}
		}
	}

	var errMsg *string
	if runErr != nil {
		s := runErr.Error()
		errMsg = &s
	}

	return r.store.UpdateRunStatus(ctx, r.runID, status, errMsg)
}
