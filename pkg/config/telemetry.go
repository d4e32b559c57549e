package config

import (
	"github.com/stepflow/stepflow/pkg/telemetry"
)

// Telemetry maps the loaded config onto the telemetry layer's settings.
func (c *Config) Telemetry(environment, version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	if environment != "" {
		tc.Environment = environment
	}

	tc.Logging.Level = c.Logging.Level
	tc.Logging.Format = c.Logging.Format

	tc.Metrics.Enabled = c.Metrics.Enabled
	tc.Metrics.ListenAddress = c.Metrics.Addr

	tc.Tracing.Enabled = c.Tracing.Enabled
	if c.Tracing.Exporter != "" {
		tc.Tracing.Exporter = c.Tracing.Exporter
	}
	if c.Tracing.Endpoint != "" {
		tc.Tracing.Endpoint = c.Tracing.Endpoint
	}
	if c.Tracing.SamplingRate > 0 {
		tc.Tracing.SamplingRate = c.Tracing.SamplingRate
	}

	tc.Trace.Enabled = c.Trace.Enabled
	if c.Trace.Dir != "" {
		tc.Trace.Dir = c.Trace.Dir
	}

	return tc
}
