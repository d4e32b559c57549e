package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for stepflow.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   prometheus.Histogram

	// Step metrics
	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec

	// Recovery metrics
	repairs   prometheus.Counter
	skips     prometheus.Counter
	replans   prometheus.Counter
	loopTrips prometheus.Counter

	// Selector metrics
	selectorLookups *prometheus.CounterVec

	// LLM metrics
	llmCalls    *prometheus.CounterVec
	llmDuration *prometheus.HistogramVec

	// System metrics
	activeRuns prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Run metrics
		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of plan runs started",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of plan runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of plan runs in seconds",
				Buckets:   buckets,
			},
		),

		// Step metrics
		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of steps executed",
			},
			[]string{"type", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of step execution in seconds",
				Buckets:   buckets,
			},
			[]string{"type"},
		),

		// Recovery metrics
		repairs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_repairs_total",
				Help:      "Total number of step repair attempts",
			},
		),
		skips: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_skips_total",
				Help:      "Total number of skipped steps",
			},
		),
		replans: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replans_total",
				Help:      "Total number of applied replans",
			},
		),
		loopTrips: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loop_guard_trips_total",
				Help:      "Total number of loop guard trips",
			},
		),

		// Selector metrics
		selectorLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "selector_lookups_total",
				Help:      "Total number of selector resolutions",
			},
			[]string{"kind", "status"},
		),

		// LLM metrics
		llmCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_calls_total",
				Help:      "Total number of LLM collaborator calls",
			},
			[]string{"role", "status"},
		),
		llmDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "llm_call_duration_seconds",
				Help:      "Duration of LLM collaborator calls in seconds",
				Buckets:   buckets,
			},
			[]string{"role"},
		),

		// System metrics
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.stepsExecuted,
		m.stepDuration,
		m.repairs,
		m.skips,
		m.replans,
		m.loopTrips,
		m.selectorLookups,
		m.llmCalls,
		m.llmDuration,
		m.activeRuns,
	)

	return m, nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted() {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status.
func (m *Metrics) RecordRunCompleted(status string) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.activeRuns.Dec()
}

// ObserveRunDuration records the wall-clock duration of a run.
func (m *Metrics) ObserveRunDuration(seconds float64) {
	if m.runDuration == nil {
		return
	}
	m.runDuration.Observe(seconds)
}

// Step Metrics

// ObserveStep records the execution of a single step.
func (m *Metrics) ObserveStep(stepType string, ok bool, seconds float64) {
	if m.stepsExecuted == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.stepsExecuted.WithLabelValues(stepType, status).Inc()
	m.stepDuration.WithLabelValues(stepType).Observe(seconds)
}

// Recovery Metrics

// IncRepairs records a step repair attempt.
func (m *Metrics) IncRepairs() {
	if m.repairs == nil {
		return
	}
	m.repairs.Inc()
}

// IncSkips records a skipped step.
func (m *Metrics) IncSkips() {
	if m.skips == nil {
		return
	}
	m.skips.Inc()
}

// IncReplans records an applied replan.
func (m *Metrics) IncReplans() {
	if m.replans == nil {
		return
	}
	m.replans.Inc()
}

// IncLoopTrips records a loop guard trip.
func (m *Metrics) IncLoopTrips() {
	if m.loopTrips == nil {
		return
	}
	m.loopTrips.Inc()
}

// Selector Metrics

// RecordSelectorLookup records a selector resolution by kind and outcome.
func (m *Metrics) RecordSelectorLookup(kind string, found bool) {
	if m.selectorLookups == nil {
		return
	}
	status := "found"
	if !found {
		status = "miss"
	}
	m.selectorLookups.WithLabelValues(kind, status).Inc()
}

// LLM Metrics

// RecordLLMCall records an LLM collaborator call with its duration.
// Role is one of repairer, replanner, planner, verifier.
func (m *Metrics) RecordLLMCall(role string, err error, duration time.Duration) {
	if m.llmCalls == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.llmCalls.WithLabelValues(role, status).Inc()
	m.llmDuration.WithLabelValues(role).Observe(duration.Seconds())
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
