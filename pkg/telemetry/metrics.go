package telemetry

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for one towerconf invocation.
// It satisfies tower.RequestObserver and engine.UnitObserver.
type Metrics struct {
	config MetricsConfig

	// Remote API metrics
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	// Plan unit metrics
	unitsExecuted *prometheus.CounterVec
	unitDuration  *prometheus.HistogramVec

	// Run metrics
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Plan size
	plannedChanges *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector on a private registry.
func NewMetrics(cfg MetricsConfig) *Metrics {
	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_requests_total",
				Help:      "Total number of remote API calls",
			},
			[]string{"verb", "resource", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remote_request_duration_seconds",
				Help:      "Duration of remote API calls in seconds",
				Buckets:   buckets,
			},
			[]string{"verb", "resource"},
		),

		unitsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_units_executed_total",
				Help:      "Total number of plan units executed",
			},
			[]string{"operation", "status"},
		),
		unitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plan_unit_duration_seconds",
				Help:      "Duration of plan unit execution in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs completed",
			},
			[]string{"command", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of run execution in seconds",
				Buckets:   buckets,
			},
			[]string{"command"},
		),

		plannedChanges: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "planned_changes",
				Help:      "Number of changes in the last computed plan",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		m.requests,
		m.requestDuration,
		m.unitsExecuted,
		m.unitDuration,
		m.runsCompleted,
		m.runDuration,
		m.plannedChanges,
	)

	return m
}

// ObserveRequest records one remote API call. A status of 0 means the call
// failed before a response arrived.
func (m *Metrics) ObserveRequest(verb, resource string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	if status == 0 {
		code = "error"
	}
	m.requests.WithLabelValues(verb, resource, code).Inc()
	m.requestDuration.WithLabelValues(verb, resource).Observe(duration.Seconds())
}

// ObserveUnit records the execution of a plan unit.
func (m *Metrics) ObserveUnit(operation, status string, duration time.Duration) {
	m.unitsExecuted.WithLabelValues(operation, status).Inc()
	m.unitDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRun records a finished command with its status and duration.
func (m *Metrics) RecordRun(command, status string, duration time.Duration) {
	m.runsCompleted.WithLabelValues(command, status).Inc()
	m.runDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// SetPlannedChanges sets the size of the plan for one kind of change.
func (m *Metrics) SetPlannedChanges(kind string, count int) {
	m.plannedChanges.WithLabelValues(kind).Set(float64(count))
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the registry to path in the text exposition format,
// for a node-exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
