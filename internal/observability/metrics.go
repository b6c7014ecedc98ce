package observability

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalsfoundry/grid-variants/variant"
)

// VariantCollector bundles Prometheus metrics for a variant manager and
// implements variant.MetricsRecorder.
type VariantCollector struct {
	gatherer prometheus.Gatherer

	Variants           prometheus.Gauge
	Workers            prometheus.Gauge
	Operations         *prometheus.CounterVec
	OperationDurations *prometheus.HistogramVec
}

var _ variant.MetricsRecorder = (*VariantCollector)(nil)

// NewVariantCollector registers variant metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
// Registering twice against the same registry reuses the existing
// collectors.
func NewVariantCollector(reg prometheus.Registerer) (*VariantCollector, error) {
	reg, gatherer := registryOrDefault(reg)

	variants, err := register[prometheus.Gauge](reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "variants_live",
		Help: "Current number of live variants in the manager.",
	}), "variants_live")
	if err != nil {
		return nil, err
	}
	workers, err := register[prometheus.Gauge](reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "variant_workers",
		Help: "Current number of workers holding a working variant in multi-thread mode.",
	}), "variant_workers")
	if err != nil {
		return nil, err
	}
	ops, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "variant_operations_total",
		Help: "Total number of structural variant operations, labeled by operation and result.",
	}, []string{"op", "result"}), "variant_operations_total")
	if err != nil {
		return nil, err
	}
	durations, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "variant_operation_duration_seconds",
		Help:    "Latency of structural variant operations in seconds.",
		Buckets: []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"op"}), "variant_operation_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &VariantCollector{
		gatherer:           gatherer,
		Variants:           variants,
		Workers:            workers,
		Operations:         ops,
		OperationDurations: durations,
	}, nil
}

// SetVariantCounts updates the live variant and worker gauges.
func (c *VariantCollector) SetVariantCounts(variants, workers int) {
	if c == nil {
		return
	}
	if c.Variants != nil {
		c.Variants.Set(float64(variants))
	}
	if c.Workers != nil {
		c.Workers.Set(float64(workers))
	}
}

// ObserveVariantOperation counts one operation and records its latency.
func (c *VariantCollector) ObserveVariantOperation(op string, d time.Duration, err error) {
	if c == nil {
		return
	}
	if c.Operations != nil {
		c.Operations.WithLabelValues(op, resultLabel(err)).Inc()
	}
	if c.OperationDurations != nil {
		c.OperationDurations.WithLabelValues(op).Observe(d.Seconds())
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *VariantCollector) Handler() http.Handler {
	return handlerFor(c.gatherer)
}

// resultLabel folds errors into a bounded label set.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, variant.ErrVariantNotFound):
		return "not_found"
	case errors.Is(err, variant.ErrDuplicateVariantID):
		return "duplicate"
	case errors.Is(err, variant.ErrIllegalVariantOperation):
		return "illegal"
	case errors.Is(err, variant.ErrConcurrencyMode):
		return "concurrency_mode"
	case errors.Is(err, variant.ErrUnmodifiableNetwork):
		return "unmodifiable"
	default:
		return "error"
	}
}

func registryOrDefault(reg prometheus.Registerer) (prometheus.Registerer, prometheus.Gatherer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	return reg, gatherer
}

func handlerFor(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// register adds c to reg, returning the already registered collector of the
// same type when one exists under the same descriptor.
func register[C prometheus.Collector](reg prometheus.Registerer, c C, name string) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
			var zero C
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero C
		return zero, err
	}
	return c, nil
}
