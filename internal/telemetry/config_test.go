package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	assert.Equal(t, DefaultServiceName, cfg.GetServiceName())
	assert.Equal(t, "unknown", cfg.GetServiceVersion())
	assert.Equal(t, DefaultEndpoint, cfg.GetEndpoint())

	cfg = &Config{ServiceName: "kv", ServiceVersion: "1.2.3", Endpoint: "collector:4318"}
	assert.Equal(t, "kv", cfg.GetServiceName())
	assert.Equal(t, "1.2.3", cfg.GetServiceVersion())
	assert.Equal(t, "collector:4318", cfg.GetEndpoint())

	assert.Equal(t, DefaultSampling, (&TracingConfig{}).GetSampling())
	assert.Equal(t, 0.5, (&TracingConfig{Sampling: 0.5}).GetSampling())
}

func TestMetricsConfig_GetInterval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		config *MetricsConfig
		want   time.Duration
	}{
		{name: "nil config", config: nil, want: DefaultMetricsInterval},
		{name: "unset", config: &MetricsConfig{}, want: DefaultMetricsInterval},
		{name: "configured", config: &MetricsConfig{Interval: "15s"}, want: 15 * time.Second},
		{name: "unparsable", config: &MetricsConfig{Interval: "soon"}, want: DefaultMetricsInterval},
		{name: "negative", config: &MetricsConfig{Interval: "-1s"}, want: DefaultMetricsInterval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.config.GetInterval())
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		config      *Config
		errContains string
	}{
		{name: "nil config", config: nil},
		{name: "disabled ignores invalid sections", config: &Config{
			Tracing: &TracingConfig{Enabled: true, Sampling: 2},
		}},
		{name: "valid", config: &Config{
			Enabled: true,
			Tracing: &TracingConfig{Enabled: true, Sampling: 1},
			Metrics: &MetricsConfig{Enabled: true, Interval: "30s"},
		}},
		{name: "sampling above one", config: &Config{
			Enabled: true,
			Tracing: &TracingConfig{Enabled: true, Sampling: 1.5},
		}, errContains: "tracing: sampling must be between"},
		{name: "negative sampling", config: &Config{
			Enabled: true,
			Tracing: &TracingConfig{Enabled: true, Sampling: -0.1},
		}, errContains: "tracing: sampling must be between"},
		{name: "disabled tracing is not checked", config: &Config{
			Enabled: true,
			Tracing: &TracingConfig{Enabled: false, Sampling: 3},
		}},
		{name: "bad interval", config: &Config{
			Enabled: true,
			Metrics: &MetricsConfig{Enabled: true, Interval: "often"},
		}, errContains: "metrics: interval must be a valid duration"},
		{name: "zero interval", config: &Config{
			Enabled: true,
			Metrics: &MetricsConfig{Enabled: true, Interval: "0s"},
		}, errContains: "metrics: interval must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.config.Validate()
			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.errContains)
		})
	}
}
