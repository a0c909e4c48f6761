package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides Prometheus metrics for siteconf runs. siteconf is not a
// daemon, so the registry is written to a node_exporter textfile after each
// run instead of being served.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runs             *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	lastRunTimestamp prometheus.Gauge
	lastRunSuccess   prometheus.Gauge

	// Module metrics
	modulePhases        *prometheus.CounterVec
	modulePhaseDuration *prometheus.HistogramVec

	// Side effects
	filesWritten *prometheus.CounterVec
	services     *prometheus.CounterVec

	// Policy metrics
	policyViolations *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of configuration runs by final status",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of configuration runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		lastRunTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last run completed",
			},
		),
		lastRunSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_success",
				Help:      "Whether the last run succeeded (1) or not (0)",
			},
		),

		modulePhases: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_phase_total",
				Help:      "Module lifecycle phases executed, by outcome",
			},
			[]string{"module", "phase", "status"},
		),
		modulePhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "module_phase_duration_seconds",
				Help:      "Duration of module lifecycle phases in seconds",
				Buckets:   buckets,
			},
			[]string{"module", "phase"},
		),

		filesWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_written_total",
				Help:      "Generated files written, by whether their contents changed",
			},
			[]string{"changed"},
		),
		services: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "services_total",
				Help:      "Service enablement outcomes",
			},
			[]string{"action"},
		),

		policyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Site policy violations by policy and severity",
			},
			[]string{"policy", "severity"},
		),
	}

	collectors := []prometheus.Collector{
		m.runs,
		m.runDuration,
		m.lastRunTimestamp,
		m.lastRunSuccess,
		m.modulePhases,
		m.modulePhaseDuration,
		m.filesWritten,
		m.services,
		m.policyViolations,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

// Enabled reports whether the collector records anything.
func (m *Metrics) Enabled() bool {
	return m != nil && m.registry != nil
}

// RecordRun records the final status and duration of a run.
func (m *Metrics) RecordRun(status string, success bool, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.runs.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.lastRunTimestamp.SetToCurrentTime()
	if success {
		m.lastRunSuccess.Set(1)
	} else {
		m.lastRunSuccess.Set(0)
	}
}

// RecordModulePhase records one lifecycle phase of a module.
func (m *Metrics) RecordModulePhase(module, phase, status string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.modulePhases.WithLabelValues(module, phase, status).Inc()
	m.modulePhaseDuration.WithLabelValues(module, phase).Observe(duration.Seconds())
}

// RecordFileWritten records a completed atomic write.
func (m *Metrics) RecordFileWritten(changed bool) {
	if !m.Enabled() {
		return
	}
	m.filesWritten.WithLabelValues(strconv.FormatBool(changed)).Inc()
}

// RecordService records the outcome of enabling one service.
func (m *Metrics) RecordService(action string) {
	if !m.Enabled() {
		return
	}
	m.services.WithLabelValues(action).Inc()
}

// RecordPolicyViolation records one policy violation.
func (m *Metrics) RecordPolicyViolation(policy, severity string) {
	if !m.Enabled() {
		return
	}
	m.policyViolations.WithLabelValues(policy, severity).Inc()
}

// Registry returns the underlying registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// WriteTextfile writes the registry to the configured textfile. The write is
// atomic, so the collector never reads a partial file.
func (m *Metrics) WriteTextfile() error {
	if !m.Enabled() || m.config.Textfile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.config.Textfile), 0o755); err != nil {
		return fmt.Errorf("failed to create textfile directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(m.config.Textfile, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
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
