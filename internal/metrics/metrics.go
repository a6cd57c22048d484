package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics holds the Prometheus collectors for one sweep run. All methods are
// safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Individual probe attempts by outcome reason
	Checks *prometheus.CounterVec

	CheckDuration prometheus.Histogram

	// Reconciliation verdicts by phase and outcome (validated, replaced, removed, failed)
	Records *prometheus.CounterVec

	// Partition writes by kind (unified, countries, categories)
	PartitionWrites *prometheus.CounterVec
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Checks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamsweep_checks_total",
			Help: "Liveness probe attempts by outcome reason",
		}, []string{"reason"}),

		CheckDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamsweep_check_duration_seconds",
			Help:    "Duration of a single liveness probe attempt",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		}),

		Records: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamsweep_records_total",
			Help: "Reconciliation verdicts by phase and outcome",
		}, []string{"phase", "outcome"}),

		PartitionWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamsweep_partition_writes_total",
			Help: "Partition writes by partition kind",
		}, []string{"kind"}),
	}
}

// Registry exposes the underlying registry, e.g. for tests or a scrape handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveCheck records one probe attempt.
func (m *Metrics) ObserveCheck(reason string, d time.Duration) {
	if m != nil {
		m.Checks.WithLabelValues(reason).Inc()
		m.CheckDuration.Observe(d.Seconds())
	}
}

// IncrementRecords records a reconciliation verdict.
func (m *Metrics) IncrementRecords(phase, outcome string) {
	if m != nil {
		m.Records.WithLabelValues(phase, outcome).Inc()
	}
}

// IncrementPartitionWrite records a partition write.
func (m *Metrics) IncrementPartitionWrite(kind string) {
	if m != nil {
		m.PartitionWrites.WithLabelValues(kind).Inc()
	}
}

// Push sends the collected metrics to a Prometheus Pushgateway, grouped by run id.
// A sweep is a one-shot job, so it cannot be scraped.
func (m *Metrics) Push(ctx context.Context, gatewayURL, runID string) error {
	if m == nil || gatewayURL == "" {
		return nil
	}
	return push.New(gatewayURL, "streamsweep").
		Gatherer(m.registry).
		Grouping("run", runID).
		PushContext(ctx)
}
