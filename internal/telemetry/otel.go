package telemetry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Shutdown flushes and tears down whatever providers InitTracer/InitMetrics
// installed; each func is a no-op if that provider was never installed.
type Shutdown struct {
	Tracer func(context.Context) error
	Meter  func(context.Context) error
}

// Close runs both shutdown funcs with a bounded timeout, the way
// otelinit.Flush does for a single provider.
func (s Shutdown) Close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if s.Tracer != nil {
		_ = s.Tracer(ctx)
	}
	if s.Meter != nil {
		_ = s.Meter(ctx)
	}
}

// InitTracer installs a global OTLP/gRPC tracer provider. A blank endpoint
// leaves the global no-op provider in place; an exporter init failure logs
// a warning and does the same, rather than failing startup (§1 ambient stack, telemetry is never
// load-bearing for correctness).
func InitTracer(ctx context.Context, service, endpoint string) (trace.Tracer, func(context.Context) error) {
	if endpoint == "" {
		return otel.Tracer(service), func(context.Context) error { return nil }
	}
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		slog.Warn("otel trace exporter init failed", "error", err, "endpoint", endpoint)
		return otel.Tracer(service), func(context.Context) error { return nil }
	}
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	slog.Info("otel tracer initialized", "endpoint", endpoint)
	return tp.Tracer(service), tp.Shutdown
}

// InitMetrics installs a global OTLP/gRPC periodic-reader meter provider,
// degrading to a no-op meter the same way InitTracer does.
func InitMetrics(ctx context.Context, service, endpoint string) (metric.Meter, func(context.Context) error) {
	if endpoint == "" {
		return otel.Meter(service), func(context.Context) error { return nil }
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		slog.Warn("otel metric exporter init failed", "error", err, "endpoint", endpoint)
		return otel.Meter(service), func(context.Context) error { return nil }
	}
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("otel metrics initialized", "endpoint", endpoint)
	return mp.Meter(service), mp.Shutdown
}
