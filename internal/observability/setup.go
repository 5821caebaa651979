package observability

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"orchestrator/internal/logging"
)

// InitTracer configures the global trace provider with an OTLP/HTTP
// exporter, grounded on the SWARM repo's otelinit.InitTracer shape
// (env-configured endpoint, resource tagging, batched export) adapted to
// the http exporter this module's go.mod carries instead of the grpc one.
// A failed exporter dial degrades to a no-op shutdown rather than
// preventing startup, matching spec §7's "external dependency unavailable
// at boot" degrade-gracefully posture.
func InitTracer(ctx context.Context, serviceName string, logger logging.Logger) func(context.Context) error {
	logger = logging.OrNop(logger)
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4318"
	}

	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		logger.Warn("otel exporter init failed, tracing disabled", "err", err, "endpoint", endpoint)
		return func(context.Context) error { return nil }
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(semconv.ServiceName(serviceName)))
	if err != nil {
		res = resource.Default()
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	logger.Info("otel tracer initialized", "endpoint", endpoint, "service", serviceName)

	return func(shutdownCtx context.Context) error {
		ctx, cancel := context.WithTimeout(shutdownCtx, 3*time.Second)
		defer cancel()
		return tp.Shutdown(ctx)
	}
}
