package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func TestNewMeterProvider(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		opts       []ProviderOption
		expectNoOp bool
	}{
		{
			name:       "no-op without config",
			expectNoOp: true,
		},
		{
			name:       "no-op when metrics disabled",
			opts:       []ProviderOption{WithMetricsConfig(&MetricsConfig{Enabled: false})},
			expectNoOp: true,
		},
		{
			name: "SDK provider when metrics enabled",
			opts: []ProviderOption{
				WithExporter("localhost:4318", true),
				WithMetricsConfig(&MetricsConfig{Enabled: true, Interval: "10s"}),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			mp, err := NewMeterProvider(ctx, tt.opts...)
			require.NoError(t, err)

			if tt.expectNoOp {
				assert.IsType(t, noop.MeterProvider{}, mp)
				return
			}
			sdkMP, ok := mp.(*sdkmetric.MeterProvider)
			require.True(t, ok, "expected SDK meter provider")
			require.NoError(t, sdkMP.Shutdown(ctx))
		})
	}
}
