package otel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")
	t.Setenv("OTEL_METRIC_EXPORT_INTERVAL", "5000")

	cfg := ConfigFromEnv("cdpd", "dev")
	require.True(t, cfg.Export)
	require.InDelta(t, 0.25, cfg.SampleRatio, 1e-9)
	require.Equal(t, 5*time.Second, cfg.MetricInterval)
}

func TestConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "bogus")
	t.Setenv("OTEL_METRIC_EXPORT_INTERVAL", "-1")

	cfg := ConfigFromEnv("cdpd", "dev")
	require.False(t, cfg.Export)
	require.Equal(t, 1.0, cfg.SampleRatio)
	require.Equal(t, defaultMetricInterval, cfg.MetricInterval)
}

func TestSampler(t *testing.T) {
	require.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1).Description())
	require.Equal(t, sdktrace.AlwaysSample().Description(), sampler(0).Description())
	require.Contains(t, sampler(0.5).Description(), "TraceIDRatioBased{0.5}")
}

func TestInitWithoutExportIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "cdpd"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, err = Init(context.Background(), Config{})
	require.Error(t, err)
}
