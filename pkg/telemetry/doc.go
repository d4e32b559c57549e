// Package telemetry provides observability instrumentation for stepflow.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics, and per-run JSONL trace files into a
// unified system for monitoring and debugging plan runs.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//  4. JSONL Run Traces - One file per run with every runtime event, for
//     offline replay of failed sessions
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context
// propagation:
//
//	logger := tel.Logger.NewComponentLogger("runtime")
//	logger = logger.WithRunID("run-123").WithStep(4, "click")
//	logger.Info("executing step")
//	logger.WithError(err).Error("step failed")
//
// # JSONL Run Traces
//
// Every run gets its own trace file; the runtime writes one record per
// event (step results, repairs, replans, subgoal progress):
//
//	trace, err := telemetry.NewRunTrace(cfg.Trace, runID)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	trace.Write(map[string]any{"event": "run_start", "task": task})
//
// Trace writes never fail the run; files rotate by size with a bounded
// number of backups.
package telemetry
