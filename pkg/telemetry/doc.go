// Package telemetry provides the observability stack for the orchestrator:
// structured logging (zerolog), Prometheus metrics, and OpenTelemetry
// tracing.
//
// The pieces are independent. NewTelemetry assembles the full stack from one
// Config; individual constructors (NewLogger, NewMetrics, NewTracer) work
// standalone for callers that only need one concern.
package telemetry
