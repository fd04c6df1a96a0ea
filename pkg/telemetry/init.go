package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zoff-tech/go-stock-outbox/pkg/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.uber.org/zap"
)

// InstrumentationName is used for every tracer and meter in the module.
const InstrumentationName = "go-stock-outbox"

// Init initializes telemetry (tracing and metrics) and returns a shutdown function.
func Init(cfg config.Observability, logger *zap.Logger) (func(), error) {
	if cfg.ServiceName == "" {
		return nil, errors.New("service name cannot be empty")
	}
	if cfg.TracingURL == "" {
		return nil, errors.New("tracing URL cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx := context.Background()

	traceOpts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
	if hasScheme(cfg.TracingURL) {
		traceOpts = append(traceOpts, otlptracehttp.WithEndpointURL(cfg.TracingURL))
	} else {
		traceOpts = append(traceOpts, otlptracehttp.WithEndpoint(cfg.TracingURL))
	}
	traceExporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(traceOpts...))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	// Create a resource to describe the service
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(traceExporter),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	shutdowns := []func(context.Context) error{tp.Shutdown}

	// Metrics are optional; without an endpoint the global no-op meter stays.
	if cfg.MetricsURL != "" {
		metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
		if hasScheme(cfg.MetricsURL) {
			metricOpts = append(metricOpts, otlpmetrichttp.WithEndpointURL(cfg.MetricsURL))
		} else {
			metricOpts = append(metricOpts, otlpmetrichttp.WithEndpoint(cfg.MetricsURL))
		}
		metricExporter, err := otlpmetrichttp.New(ctx, metricOpts...)
		if err != nil {
			_ = tp.Shutdown(ctx)
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		shutdowns = append(shutdowns, mp.Shutdown)
	}

	return func() {
		for _, shutdown := range shutdowns {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("Error shutting down telemetry provider", zap.Error(err))
			}
		}
	}, nil
}

func hasScheme(endpoint string) bool {
	return strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://")
}
