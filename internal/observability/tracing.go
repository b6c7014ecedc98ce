package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/grid-variants/internal/logging"
)

const (
	defaultServiceName  = "contingency-runner"
	defaultOTLPEndpoint = "localhost:4317"
)

// TracingConfig governs how tracing is initialised. It is embedded in run
// files under `tracing:`; the zero value disables tracing.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	// Exporter is stdout or otlp; empty means stdout.
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=stdout otlp"`
	// Endpoint is the OTLP/gRPC collector address.
	Endpoint string `yaml:"endpoint" validate:"omitempty,hostname_port"`
	// SampleRatio is the fraction of root spans kept; zero keeps all.
	SampleRatio float64 `yaml:"sample_ratio" validate:"gte=0,lte=1"`

	// Writer receives stdout spans; nil means os.Stdout.
	Writer io.Writer `yaml:"-"`
}

// ApplyEnv overlays the GRID_TRACING_* and GRID_OTLP_ENDPOINT variables that
// are set onto c. Malformed values are ignored.
func (c TracingConfig) ApplyEnv() TracingConfig {
	if raw, ok := os.LookupEnv("GRID_TRACING_ENABLED"); ok {
		if enabled, err := strconv.ParseBool(raw); err == nil {
			c.Enabled = enabled
		}
	}
	if raw := os.Getenv("GRID_TRACING_EXPORTER"); raw != "" {
		c.Exporter = strings.ToLower(raw)
	}
	if raw := os.Getenv("GRID_TRACING_SERVICE_NAME"); raw != "" {
		c.ServiceName = raw
	}
	if raw := os.Getenv("GRID_OTLP_ENDPOINT"); raw != "" {
		c.Endpoint = raw
	}
	if raw := os.Getenv("GRID_TRACING_SAMPLE_RATIO"); raw != "" {
		if ratio, err := strconv.ParseFloat(raw, 64); err == nil && ratio >= 0 && ratio <= 1 {
			c.SampleRatio = ratio
		}
	}
	return c
}

// withDefaults fills unset fields.
func (c TracingConfig) withDefaults() TracingConfig {
	if c.ServiceName == "" {
		c.ServiceName = defaultServiceName
	}
	if c.Exporter == "" {
		c.Exporter = "stdout"
	}
	if c.Endpoint == "" {
		c.Endpoint = defaultOTLPEndpoint
	}
	if c.Writer == nil {
		c.Writer = os.Stdout
	}
	return c
}

func (c TracingConfig) sampler() sdktrace.Sampler {
	if c.SampleRatio == 0 || c.SampleRatio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.SampleRatio))
}

type exporterFactory func(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error)

var exporters = map[string]exporterFactory{
	"stdout": func(_ context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
		return stdouttrace.New(stdouttrace.WithWriter(cfg.Writer), stdouttrace.WithoutTimestamps())
	},
	"otlp": func(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
		client := otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
		return otlptrace.New(ctx, client)
	},
}

// Exporters lists the supported exporter names.
func Exporters() []string {
	names := make([]string, 0, len(exporters))
	for name := range exporters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InitTracing installs the global tracer provider and propagators described
// by cfg, with unset fields defaulted. A disabled config installs a noop
// provider. The returned function flushes and stops the provider.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	cfg = cfg.withDefaults()
	factory, ok := exporters[strings.ToLower(cfg.Exporter)]
	if !ok {
		return nil, fmt.Errorf("unsupported tracing exporter %q (want one of %s)", cfg.Exporter, strings.Join(Exporters(), ", "))
	}
	exp, err := factory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s exporter: %w", cfg.Exporter, err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", "grid"),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(cfg.sampler()),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", cfg.ServiceName),
		logging.Float("sample_ratio", cfg.SampleRatio),
	)
	return tp.Shutdown, nil
}

// ShutdownWithTimeout invokes shutdown with a bounded timeout and logs any
// failure instead of returning it.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
