package telemetry

import "testing"

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	if err := ProductionConfig().Validate(); err != nil {
		t.Errorf("production config invalid: %v", err)
	}
	if err := DevelopmentConfig().Validate(); err != nil {
		t.Errorf("development config invalid: %v", err)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing service name", func(c *Config) { c.ServiceName = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"bad exporter", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}},
		{"sampling rate out of range", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SamplingRate = 1.5
		}},
		{"metrics without address", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.ListenAddress = ""
		}},
		{"trace without dir", func(c *Config) {
			c.Trace.Enabled = true
			c.Trace.Dir = ""
		}},
		{"negative trace max bytes", func(c *Config) { c.Trace.MaxBytes = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestMetricsDisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	// None of these should panic on the no-op instance.
	m.RecordRunStarted()
	m.RecordRunCompleted("ok")
	m.ObserveRunDuration(1.5)
	m.ObserveStep("click", true, 0.2)
	m.IncRepairs()
	m.IncSkips()
	m.IncReplans()
	m.IncLoopTrips()
	m.RecordSelectorLookup("css", false)
}
