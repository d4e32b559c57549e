package config

import (
	"time"
)

// Config is the root configuration for stepflow.
type Config struct {
	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing configures OpenTelemetry span export.
	Tracing TracingConfig `yaml:"tracing"`

	// Trace configures per-run JSONL trace files.
	Trace TraceConfig `yaml:"trace"`

	// Browser configures the driven browser session.
	Browser BrowserConfig `yaml:"browser"`

	// Limits configures the runtime step budgets.
	Limits LimitsConfig `yaml:"limits"`

	// Planner configures the LLM planner and repairer.
	Planner PlannerConfig `yaml:"planner"`

	// Guards configures the stall and captcha guards.
	Guards GuardsConfig `yaml:"guards"`

	// Policy configures plan admission.
	Policy PolicyConfig `yaml:"policy"`

	// Store configures run persistence.
	Store StoreConfig `yaml:"store"`

	// Artifacts configures failure screenshots and snapshots.
	Artifacts ArtifactsConfig `yaml:"artifacts"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is the minimum log level.
	Level string `yaml:"level" validate:"oneof=trace debug info warn error"`

	// Format selects json or human-readable console output.
	Format string `yaml:"format" validate:"oneof=json console"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled turns the metrics endpoint on.
	Enabled bool `yaml:"enabled"`

	// Addr is the listen address for the metrics endpoint.
	Addr string `yaml:"addr"`
}

// TracingConfig configures OpenTelemetry span export.
type TracingConfig struct {
	// Enabled turns span export on.
	Enabled bool `yaml:"enabled"`

	// Exporter selects otlp, stdout, or none.
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP collector address.
	Endpoint string `yaml:"endpoint"`

	// SamplingRate is the fraction of runs to trace.
	SamplingRate float64 `yaml:"sampling_rate" validate:"min=0,max=1"`
}

// TraceConfig configures per-run JSONL trace files.
type TraceConfig struct {
	// Enabled turns JSONL trace files on.
	Enabled bool `yaml:"enabled"`

	// Dir is the directory trace files are written to.
	Dir string `yaml:"dir"`
}

// BrowserConfig configures the driven browser session.
type BrowserConfig struct {
	// Headless runs the browser without a visible window.
	Headless bool `yaml:"headless"`

	// UserDataDir is the Chrome profile directory. Empty means a throwaway profile.
	UserDataDir string `yaml:"user_data_dir"`

	// DefaultWaitSec is the default selector wait in seconds.
	DefaultWaitSec int `yaml:"default_wait_sec" validate:"min=1,max=300"`

	// StepTimeoutSec is the default per-step timeout in seconds.
	StepTimeoutSec int `yaml:"step_timeout_sec" validate:"min=1,max=600"`

	// MaxDOMChars caps snapshot size handed to the planner.
	MaxDOMChars int `yaml:"max_dom_chars" validate:"min=1000"`
}

// LimitsConfig configures the runtime step budgets.
type LimitsConfig struct {
	// MaxSteps is the total step budget for a run.
	MaxSteps int `yaml:"max_steps" validate:"min=1"`

	// MaxSameStep is how many times the same step may execute in a row.
	MaxSameStep int `yaml:"max_same_step" validate:"min=1"`

	// MaxRepairsPerStep is the repair budget per failing step.
	MaxRepairsPerStep int `yaml:"max_repairs_per_step" validate:"min=0"`

	// ReplanAfterRepairs triggers a replan after this many repairs.
	ReplanAfterRepairs int `yaml:"replan_after_repairs" validate:"min=1"`

	// ReplanAfterSkips triggers a replan after this many skipped steps.
	ReplanAfterSkips int `yaml:"replan_after_skips" validate:"min=1"`
}

// PlannerConfig configures the LLM planner and repairer.
type PlannerConfig struct {
	// Provider selects the model backend. Both speak the OpenAI API.
	Provider string `yaml:"provider" validate:"oneof=openai openrouter"`

	// BaseURL overrides the API endpoint, required for openrouter.
	BaseURL string `yaml:"base_url"`

	// Model is the primary model name.
	Model string `yaml:"model" validate:"required"`

	// FallbackModel is tried when the primary model keeps failing. Optional.
	FallbackModel string `yaml:"fallback_model"`

	// Temperature for generation.
	Temperature float64 `yaml:"temperature" validate:"min=0,max=2"`

	// Retries per model before falling back.
	Retries int `yaml:"retries" validate:"min=0,max=10"`

	// BackoffMS is the base delay between retries, in milliseconds.
	BackoffMS int `yaml:"backoff_ms" validate:"min=0"`

	// SubgoalMaxSteps caps the steps planned per subgoal.
	SubgoalMaxSteps int `yaml:"subgoal_max_steps" validate:"min=1,max=12"`
}

// Backoff returns the retry delay as a duration.
func (p PlannerConfig) Backoff() time.Duration {
	return time.Duration(p.BackoffMS) * time.Millisecond
}

// GuardsConfig configures the stall and captcha guards.
type GuardsConfig struct {
	// Window is how many identical DOM hashes count as a stall.
	Window int `yaml:"window" validate:"min=2,max=50"`

	// CaptchaDetection enables captcha marker scanning on snapshots.
	CaptchaDetection bool `yaml:"captcha_detection"`
}

// PolicyConfig configures plan admission.
type PolicyConfig struct {
	// Enabled turns plan admission on.
	Enabled bool `yaml:"enabled"`

	// Paths lists .rego/.json policy files or directories to load.
	Paths []string `yaml:"paths"`

	// Environment is passed to policies as input.context.environment.
	Environment string `yaml:"environment"`

	// AllowedDomains restricts goto targets when non-empty.
	AllowedDomains []string `yaml:"allowed_domains"`

	// AllowScripts permits evaluate steps.
	AllowScripts bool `yaml:"allow_scripts"`

	// AllowUploads permits file_upload steps.
	AllowUploads bool `yaml:"allow_uploads"`
}

// StoreConfig configures run persistence.
type StoreConfig struct {
	// Enabled turns run recording on.
	Enabled bool `yaml:"enabled"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`
}

// ArtifactsConfig configures failure screenshots and snapshots.
type ArtifactsConfig struct {
	// Dir is where captures are written. Empty disables artifacts.
	Dir string `yaml:"dir"`
}
