// Package config provides configuration loading for stepflow.
//
// # Overview
//
// Configuration is layered: compiled-in defaults, then an optional YAML
// file, then STEPFLOW_* environment variables. The merged result is
// validated before anything else starts.
//
// # Usage Example
//
//	cfg, err := config.Load("stepflow.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Println(cfg.Limits.MaxSteps)
//
// An empty path loads defaults only:
//
//	cfg, _ := config.Load("")
//
// # Environment Overrides
//
// The following variables override the file and defaults:
//
//   - STEPFLOW_LOG_LEVEL, STEPFLOW_LOG_FORMAT
//   - STEPFLOW_HEADLESS
//   - STEPFLOW_MODEL, STEPFLOW_FALLBACK_MODEL
//   - STEPFLOW_DB_PATH
//   - STEPFLOW_ARTIFACTS_DIR
//   - STEPFLOW_METRICS_ADDR (also enables metrics)
//
// # Validation
//
// Constraints are declared as struct tags and checked with
// github.com/go-playground/validator. Load returns an error naming the
// offending field when a constraint fails.
package config
