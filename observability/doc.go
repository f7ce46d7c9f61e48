// Package observability provides OpenTelemetry instrumentation for beacon.
// MetricsExtension implements the ext lifecycle hooks and records
// cluster-wide counters for acquisition, misfires, job outcomes, check-ins
// and failover recovery.
//
// Register it on the engine like any other extension:
//
//	metrics := observability.NewMetricsExtension(meterProvider)
//	eng, err := engine.New(gw, engine.WithExtension(metrics))
//
// Tracer returns the tracer the engine uses for its cycle spans.
package observability
