// Package otelx provides the tracer used to instrument the Resolver pipeline
// and the Backfill Worker. It always hands back the tracer of the global
// TracerProvider; nothing in the module registers an SDK provider or reads
// OTEL_TRACING_ENABLED, so spans are free no-ops and the core never needs the
// OTLP exporter/SDK dependency chain.
package otelx

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/chainprice/oracle"

// Tracer returns the process tracer. Callers always get a usable tracer;
// Start/End are safe no-ops when no SDK TracerProvider has been registered.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
