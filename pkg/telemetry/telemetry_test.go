package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"development", func(c *Config) { *c = *DevelopmentConfig() }, false},
		{"no service name", func(c *Config) { c.ServiceName = "" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, true},
		{"otlp without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, true},
		{"disabled exporter not checked", func(c *Config) {
			c.Tracing.Enabled = false
			c.Tracing.Exporter = "jaeger"
		}, false},
		{"sampling rate", func(c *Config) { c.Tracing.SamplingRate = 1.5 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "info", Format: "json"}).
		NewComponentLogger("orchestrator").
		WithRunID("run-1").
		WithModule("PBS", "PBS")

	logger.Debug("hidden")
	logger.Warnf("Found unknown option %s", "foo")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line above debug level, got %d: %q", len(lines), buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	want := map[string]string{
		"level":     "warn",
		"component": "orchestrator",
		"run_id":    "run-1",
		"module":    "PBS",
		"section":   "PBS",
		"message":   "Found unknown option foo",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("field %s: expected %q, got %v", k, v, entry[k])
		}
	}
}

func TestLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "siteconf.log")
	cfg := LoggingConfig{Level: "info", Format: "json", Output: path}

	for i := 0; i < 2; i++ {
		logger, err := NewLogger(cfg)
		if err != nil {
			t.Fatalf("NewLogger() error = %v", err)
		}
		logger.Info("run")
		if err := logger.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if n := strings.Count(string(data), `"message":"run"`); n != 2 {
		t.Errorf("expected log file to be appended to, found %d entries", n)
	}
}

func TestLoggerContext(t *testing.T) {
	logger := NewLoggerTo(&bytes.Buffer{}, LoggingConfig{Level: "info"})
	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Error("expected the stored logger")
	}
	if FromContext(context.Background()) == nil {
		t.Error("expected a default logger")
	}
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false, Textfile: filepath.Join(t.TempDir(), "x.prom")})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	if m.Enabled() {
		t.Error("expected disabled metrics")
	}

	// No-ops, no panics, nothing written.
	m.RecordRun("succeeded", true, time.Second)
	m.RecordModulePhase("PBS", "parse", "ok", time.Millisecond)
	m.RecordFileWritten(true)
	m.RecordService("enabled")
	m.RecordPolicyViolation("p", "error")
	if err := m.WriteTextfile(); err != nil {
		t.Errorf("WriteTextfile() error = %v", err)
	}
	if _, err := os.Stat(m.config.Textfile); !os.IsNotExist(err) {
		t.Error("disabled metrics must not write a textfile")
	}

	var nilMetrics *Metrics
	nilMetrics.RecordRun("failed", false, 0)
}

func TestMetricsRecord(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Textfile = filepath.Join(t.TempDir(), "collector", "siteconf.prom")

	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordModulePhase("PBS", "check", "ok", 5*time.Millisecond)
	m.RecordModulePhase("PBS", "check", "ok", 5*time.Millisecond)
	m.RecordModulePhase("PBS", "configure", "failed", 5*time.Millisecond)
	m.RecordFileWritten(true)
	m.RecordFileWritten(false)
	m.RecordFileWritten(true)
	m.RecordService("already_enabled")
	m.RecordPolicyViolation("single-default-jobmanager", "error")
	m.RecordRun("partial", false, 2*time.Second)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"check ok", testutil.ToFloat64(m.modulePhases.WithLabelValues("PBS", "check", "ok")), 2},
		{"configure failed", testutil.ToFloat64(m.modulePhases.WithLabelValues("PBS", "configure", "failed")), 1},
		{"files changed", testutil.ToFloat64(m.filesWritten.WithLabelValues("true")), 2},
		{"files unchanged", testutil.ToFloat64(m.filesWritten.WithLabelValues("false")), 1},
		{"services", testutil.ToFloat64(m.services.WithLabelValues("already_enabled")), 1},
		{"violations", testutil.ToFloat64(m.policyViolations.WithLabelValues("single-default-jobmanager", "error")), 1},
		{"runs", testutil.ToFloat64(m.runs.WithLabelValues("partial")), 1},
		{"last run success", testutil.ToFloat64(m.lastRunSuccess), 0},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: expected %v, got %v", c.name, c.want, c.got)
		}
	}

	if err := m.WriteTextfile(); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}
	data, err := os.ReadFile(cfg.Textfile)
	if err != nil {
		t.Fatalf("failed to read textfile: %v", err)
	}
	if !strings.Contains(string(data), `siteconf_runs_total{status="partial"} 1`) {
		t.Errorf("textfile missing run counter:\n%s", data)
	}
}

func TestTracerSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tracer := NewTracerWithExporter(exporter, "siteconf")

	ctx, run := tracer.StartRunSpan(context.Background(), "run-9", true)
	if TraceID(ctx) == "" {
		t.Error("expected a trace id in the run context")
	}

	_, ok := tracer.StartPhaseSpan(ctx, "Network", "Network", "check")
	EndSpan(ok, nil)
	_, bad := tracer.StartPhaseSpan(ctx, "PBS", "PBS", "configure")
	EndSpan(bad, errors.New("boom"))
	EndSpan(run, nil)

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}

	byName := map[string]tracetest.SpanStub{}
	for _, s := range spans {
		byName[s.Name] = s
	}
	if byName["module.configure"].Status.Code != codes.Error {
		t.Errorf("expected error status on failed phase, got %v", byName["module.configure"].Status)
	}
	if byName["module.check"].Status.Code != codes.Ok {
		t.Errorf("expected ok status, got %v", byName["module.check"].Status)
	}
	root := byName["siteconf.run"]
	if byName["module.check"].Parent.SpanID() != root.SpanContext.SpanID() {
		t.Error("phase span must be a child of the run span")
	}

	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestTracerDisabled(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{Enabled: false}, "siteconf", "dev", "test")
	if err != nil {
		t.Fatalf("NewTracer() error = %v", err)
	}
	_, span := tracer.StartRunSpan(context.Background(), "run", false)
	EndSpan(span, nil)
	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}

	if _, err := NewTracer(TracingConfig{Enabled: true, Exporter: "zipkin"}, "siteconf", "dev", "test"); err == nil {
		t.Error("expected error for unsupported exporter")
	}
}

func TestTelemetryShutdownWritesTextfile(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Logging.Output = filepath.Join(dir, "siteconf.log")
	cfg.Metrics.Textfile = filepath.Join(dir, "siteconf.prom")

	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry() error = %v", err)
	}
	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Error("expected telemetry in context")
	}

	tel.Metrics.RecordRun("succeeded", true, time.Second)
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if _, err := os.Stat(cfg.Metrics.Textfile); err != nil {
		t.Errorf("expected textfile after shutdown: %v", err)
	}
}
