package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/grid-variants/security"
)

// SecurityCollector exposes security analysis metrics and implements
// security.MetricsRecorder.
type SecurityCollector struct {
	gatherer prometheus.Gatherer

	Contingencies       *prometheus.CounterVec
	ContingencyDuration *prometheus.HistogramVec
}

var _ security.MetricsRecorder = (*SecurityCollector)(nil)

// NewSecurityCollector registers security analysis metrics against the
// provided registerer.
func NewSecurityCollector(reg prometheus.Registerer) (*SecurityCollector, error) {
	reg, gatherer := registryOrDefault(reg)

	total, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "security_contingencies_total",
		Help: "Cumulative number of simulated contingencies, labeled by solver status.",
	}, []string{"status"}), "security_contingencies_total")
	if err != nil {
		return nil, err
	}
	duration, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "security_contingency_duration_seconds",
		Help:    "Duration of one contingency simulation, from variant selection to violation detection.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"status"}), "security_contingency_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &SecurityCollector{
		gatherer:            gatherer,
		Contingencies:       total,
		ContingencyDuration: duration,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SecurityCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveContingency records one simulated contingency.
func (c *SecurityCollector) ObserveContingency(status string, d time.Duration) {
	if c == nil {
		return
	}
	if c.Contingencies != nil {
		c.Contingencies.WithLabelValues(status).Inc()
	}
	if c.ContingencyDuration != nil {
		c.ContingencyDuration.WithLabelValues(status).Observe(d.Seconds())
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SecurityCollector) Handler() http.Handler {
	return handlerFor(c.gatherer)
}
