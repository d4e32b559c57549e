package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "stdout",
			SamplingRate: 1.0,
		},
		Trace: TraceConfig{
			Enabled: true,
			Dir:     "traces",
		},
		Browser: BrowserConfig{
			Headless:       true,
			DefaultWaitSec: 12,
			StepTimeoutSec: 35,
			MaxDOMChars:    200_000,
		},
		Limits: LimitsConfig{
			MaxSteps:           80,
			MaxSameStep:        3,
			MaxRepairsPerStep:  3,
			ReplanAfterRepairs: 3,
			ReplanAfterSkips:   5,
		},
		Planner: PlannerConfig{
			Provider:        "openai",
			Model:           "gpt-4o-mini",
			Temperature:     0.15,
			Retries:         2,
			BackoffMS:       700,
			SubgoalMaxSteps: 6,
		},
		Guards: GuardsConfig{
			Window:           6,
			CaptchaDetection: true,
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
		Store: StoreConfig{
			Enabled: true,
			Path:    "stepflow.db",
		},
	}
}

// Load reads a YAML config file over the defaults, applies environment
// overrides, and validates the result. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration against its constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// applyEnv layers STEPFLOW_* environment variables over the config.
func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("STEPFLOW_LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := os.LookupEnv("STEPFLOW_LOG_FORMAT"); ok {
		cfg.Logging.Format = v
	}
	if v, ok := os.LookupEnv("STEPFLOW_HEADLESS"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.Headless = b
		}
	}
	if v, ok := os.LookupEnv("STEPFLOW_MODEL"); ok {
		cfg.Planner.Model = v
	}
	if v, ok := os.LookupEnv("STEPFLOW_FALLBACK_MODEL"); ok {
		cfg.Planner.FallbackModel = v
	}
	if v, ok := os.LookupEnv("STEPFLOW_DB_PATH"); ok {
		cfg.Store.Path = v
	}
	if v, ok := os.LookupEnv("STEPFLOW_ARTIFACTS_DIR"); ok {
		cfg.Artifacts.Dir = v
	}
	if v, ok := os.LookupEnv("STEPFLOW_METRICS_ADDR"); ok {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = v
	}
}
