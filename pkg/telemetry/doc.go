// Package telemetry provides the observability plumbing for towerconf.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry) and
// metrics (Prometheus) with an event publisher for engine events.
//
// # Usage
//
// Initialize telemetry once per invocation:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.TextfilePath = "/var/lib/node_exporter/towerconf.prom"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//	cmd := telemetry.StartCommand(ctx, "setup", "tower.nf")
//	defer func() { cmd.End(err) }()
//
// # Wiring
//
// Metrics satisfies tower.RequestObserver and engine.UnitObserver, and
// EventPublisher satisfies engine.EventPublisher:
//
//	client, _ := tower.NewClient(tower.Config{..., Observer: tel.Metrics})
//	exec := engine.NewExecutor(client, engine.ExecutorOptions{
//	    Events:   tel.Events,
//	    Observer: tel.Metrics,
//	})
//
// NewTracer installs the global trace provider, so the spans the tower
// client opens per request and the scheduler opens per unit nest under the
// command span.
//
// # Exporters
//
// Traces go nowhere by default ("none"). "stdout" pretty-prints spans to
// stderr and "otlp" sends them to a gRPC collector. Metrics are kept in a
// private registry and written to a textfile on Shutdown when
// MetricsConfig.TextfilePath is set; a one-shot CLI has no scrape endpoint.
package telemetry
