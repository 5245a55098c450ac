package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the engine
type Metrics struct {
	// Workflow metrics
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionsActive  prometheus.Gauge

	// Step metrics
	StepExecutionsTotal *prometheus.CounterVec
	StepDuration        *prometheus.HistogramVec
	RecordsProcessed    *prometheus.CounterVec

	// Edge buffer metrics
	BufferedRecords      prometheus.Gauge
	BufferOverflowsTotal prometheus.Counter

	// Worker pool metrics
	ActiveWorkers prometheus.Gauge
}

// New creates a Metrics instance with all collectors initialized
func New() *Metrics {
	return &Metrics{
		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowplan_workflow_executions_total",
				Help: "Total number of workflow executions by terminal status",
			},
			[]string{"workflow_id", "status"},
		),
		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowplan_workflow_execution_duration_seconds",
				Help:    "Workflow execution duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"workflow_id"},
		),
		ExecutionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowplan_workflow_executions_active",
				Help: "Number of currently running workflow executions",
			},
		),
		StepExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowplan_step_executions_total",
				Help: "Total number of step executions by node type and status",
			},
			[]string{"node_type", "status"},
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowplan_step_execution_duration_seconds",
				Help:    "Step execution duration in seconds by node type",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"node_type"},
		),
		RecordsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowplan_step_records_processed_total",
				Help: "Total records processed by node type",
			},
			[]string{"node_type"},
		),
		BufferedRecords: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowplan_edge_buffer_records",
				Help: "Current number of buffered records across all executions",
			},
		),
		BufferOverflowsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flowplan_edge_buffer_overflows_total",
				Help: "Total edge buffer overflow errors",
			},
		),
		ActiveWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowplan_scheduler_active_workers",
				Help: "Current worker count in the shared scheduler pool",
			},
		),
	}
}

// Register registers all collectors with the given registry
func (m *Metrics) Register(registry *prometheus.Registry) error {
	collectors := []prometheus.Collector{
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionsActive,
		m.StepExecutionsTotal,
		m.StepDuration,
		m.RecordsProcessed,
		m.BufferedRecords,
		m.BufferOverflowsTotal,
		m.ActiveWorkers,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}
