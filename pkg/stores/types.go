package stores

import (
	"context"
	"database/sql"
	"time"
)

// RunStatus represents the status of an execution run
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// StepStatus represents the outcome of a single executed step
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusRepaired  StepStatus = "repaired"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusFailed    StepStatus = "failed"
)

// Run represents one execution of a plan against a live browser session
type Run struct {
	ID          string     `json:"id"`
	Task        string     `json:"task"`
	Mode        string     `json:"mode"` // full, incremental
	Status      RunStatus  `json:"status"`
	Stats       string     `json:"stats"` // JSON blob of runtime counters
	Error       *string    `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// StepRecord represents a single step executed within a run
type StepRecord struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	Idx         int        `json:"idx"`
	Type        string     `json:"type"`
	Signature   string     `json:"signature"`
	Status      StepStatus `json:"status"`
	Fields      string     `json:"fields"` // JSON blob of the validated step
	Error       *string    `json:"error,omitempty"`
	Attempts    int        `json:"attempts"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Event represents an append-only trace event emitted during a run
type Event struct {
	ID        int64     `json:"id"`
	RunID     *string   `json:"run_id,omitempty"`
	Name      string    `json:"name"`
	Payload   *string   `json:"payload,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRunStatus(ctx context.Context, id string, status RunStatus, err *string) error
	UpdateRunStats(ctx context.Context, id string, stats string) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Step operations
	CreateStepRecord(ctx context.Context, rec *StepRecord) error
	GetStepRecord(ctx context.Context, id string) (*StepRecord, error)
	UpdateStepStatus(ctx context.Context, id string, status StepStatus, errMsg *string) error
	ListStepsByRun(ctx context.Context, runID string) ([]*StepRecord, error)
	IncrementStepAttempts(ctx context.Context, id string) error

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID *string, name *string, limit, offset int) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
