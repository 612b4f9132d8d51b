// Package telemetry carries the reconciliation metrics and the optional
// OpenTelemetry trace exporter.
//
// Metrics are collected in a private Prometheus registry and, because the
// daemon exposes no listener, flushed to a node_exporter textfile after each
// tick. Tracing is disabled unless an OTLP endpoint is configured.
package telemetry
