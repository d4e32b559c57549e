package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed but do
	// not block admission.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block the plan.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that must never run.
	SeverityCritical Severity = "critical"
)

// Policy represents an admission rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation against a plan.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// StepIdx is the offending step index, or -1 for plan-wide
	// violations.
	StepIdx int `json:"step_idx"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity string `json:"severity"`
}

// Result represents the outcome of plan admission.
type Result struct {
	// Allowed indicates if the plan may run. Any error or critical
	// violation blocks it.
	Allowed bool `json:"allowed"`

	// Violations lists all policy violations, blocking or not.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists evaluation problems (a policy that failed to
	// evaluate never blocks a plan).
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedAt is when the evaluation ran.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Context provides the admission context a plan is judged in.
type Context struct {
	// Task is the natural-language goal of the run.
	Task string `json:"task,omitempty"`

	// Environment is the deployment environment (e.g. "production").
	Environment string `json:"environment,omitempty"`

	// AllowedDomains restricts goto targets when non-empty.
	AllowedDomains []string `json:"allowed_domains,omitempty"`

	// AllowScripts permits evaluate steps.
	AllowScripts bool `json:"allow_scripts"`

	// AllowUploads permits file_upload steps.
	AllowUploads bool `json:"allow_uploads"`

	// DryRun indicates validation without execution.
	DryRun bool `json:"dry_run"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// Input is the document handed to Rego evaluation.
type Input struct {
	// Steps is the compiled plan in its wire shape.
	Steps []map[string]interface{} `json:"steps"`

	// Context provides the admission context.
	Context *Context `json:"context"`
}

// Bundle represents a collection of related policies.
type Bundle struct {
	// Name is the unique name of the bundle.
	Name string `json:"name"`

	// Version is the bundle version.
	Version string `json:"version"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Policies are the policies in this bundle.
	Policies []Policy `json:"policies"`

	// CreatedAt is when the bundle was created.
	CreatedAt time.Time `json:"created_at"`
}
