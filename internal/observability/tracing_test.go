package observability

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/signalsfoundry/grid-variants/internal/logging"
)

func TestTracingConfigApplyEnvOverlaysSetVariables(t *testing.T) {
	base := TracingConfig{ServiceName: "from-file", Exporter: "stdout", SampleRatio: 0.5}

	t.Setenv("GRID_TRACING_ENABLED", "TRUE")
	t.Setenv("GRID_TRACING_EXPORTER", "OTLP")
	t.Setenv("GRID_OTLP_ENDPOINT", "collector:4317")

	cfg := base.ApplyEnv()
	require.True(t, cfg.Enabled)
	require.Equal(t, "otlp", cfg.Exporter)
	require.Equal(t, "collector:4317", cfg.Endpoint)
	require.Equal(t, "from-file", cfg.ServiceName, "unset variables keep the file value")
	require.Equal(t, 0.5, cfg.SampleRatio)

	t.Setenv("GRID_TRACING_SAMPLE_RATIO", "7")
	t.Setenv("GRID_TRACING_ENABLED", "maybe")
	cfg = base.ApplyEnv()
	require.Equal(t, 0.5, cfg.SampleRatio, "out of range ratios are ignored")
	require.False(t, cfg.Enabled, "malformed booleans are ignored")
}

func TestTracingConfigDefaultsAndSampler(t *testing.T) {
	cfg := TracingConfig{}.withDefaults()
	require.Equal(t, "contingency-runner", cfg.ServiceName)
	require.Equal(t, "stdout", cfg.Exporter)
	require.Equal(t, "localhost:4317", cfg.Endpoint)
	require.NotNil(t, cfg.Writer)

	require.Contains(t, TracingConfig{}.sampler().Description(), "AlwaysOnSampler")
	require.Contains(t, TracingConfig{SampleRatio: 0.25}.sampler().Description(), "TraceIDRatioBased")
	require.Equal(t, []string{"otlp", "stdout"}, Exporters())
}

func TestInitTracingDisabledInstallsNoop(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, nil)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, span := otel.Tracer("test").Start(context.Background(), "noop")
	require.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestInitTracingStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracing(context.Background(), TracingConfig{
		Enabled:     true,
		ServiceName: "test",
		Exporter:    "stdout",
		Writer:      &buf,
	}, logging.Noop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = InitTracing(context.Background(), TracingConfig{}, nil)
	})

	_, span := otel.Tracer("test").Start(context.Background(), "security.Run")
	require.True(t, span.SpanContext().IsValid())
	span.End()

	ShutdownWithTimeout(context.Background(), shutdown, nil)
	require.Contains(t, buf.String(), "security.Run")
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	_, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"}, nil)
	require.ErrorContains(t, err, "otlp, stdout")
}
