// Package telemetry provides the observability plumbing of a siteconf run.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry) and run
// metrics (Prometheus). siteconf runs once and exits, so metrics are not
// served over HTTP: the registry is written to a node_exporter textfile when
// the run ends.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.Textfile = "/var/lib/node_exporter/siteconf.prom"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Logging
//
// Output is stderr, stdout or a file path. A file is appended to on every
// run, so it keeps the history of past runs:
//
//	logger := tel.Logger.NewComponentLogger("orchestrator").WithRunID(runID)
//	logger.WithModule("PBS", "PBS").Warn("Found unknown option")
//
// Packages below the CLI take a zerolog.Logger; use Logger.Zerolog to hand
// one down.
//
// # Tracing
//
// A run produces one root span and one child span per module phase:
//
//	ctx, span := tel.Tracer.StartRunSpan(ctx, runID, dryRun)
//	defer telemetry.EndSpan(span, err)
//
//	ctx, phase := tel.Tracer.StartPhaseSpan(ctx, "PBS", "PBS", "configure")
//	telemetry.EndSpan(phase, configureErr)
//
// Supported exporters: otlp (gRPC collector), stdout (pretty JSON on
// stderr), none.
//
// # Metrics
//
//	tel.Metrics.RecordModulePhase("PBS", "check", "ok", d)
//	tel.Metrics.RecordFileWritten(true)
//	tel.Metrics.RecordService("enabled")
//	tel.Metrics.RecordRun("succeeded", true, d)
//
// Shutdown writes the textfile, flushes pending spans and closes the log
// file.
package telemetry
