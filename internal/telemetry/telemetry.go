package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/envrun/envrun/internal/config"
	"github.com/envrun/envrun/pkg/logger"
)

var (
	Meter metric.Meter

	envOutcomes metric.Int64Counter
	runsTotal   metric.Int64Counter
)

// Tracer returns the shared tracer. Before InitTelemetry (or with telemetry
// disabled) the global provider is a no-op, so callers never need a guard.
func Tracer() trace.Tracer {
	return otel.Tracer("envrun")
}

// RecordEnvOutcome counts one finished environment by status, in both the
// Prometheus registry and the OTLP meter when one is configured.
func RecordEnvOutcome(ctx context.Context, env string, status string, duration time.Duration) {
	envRunCounter.WithLabelValues(env, status).Inc()
	if duration > 0 {
		envDurationHistogram.WithLabelValues(env, status).Observe(duration.Seconds())
	}

	if envOutcomes == nil {
		return
	}
	envOutcomes.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("env", env),
			attribute.String("status", status),
		))
}

// RecordRun counts one finished run by overall outcome.
func RecordRun(ctx context.Context, passed bool) {
	outcome := "failed"
	if passed {
		outcome = "passed"
	}
	runCounter.WithLabelValues(outcome).Inc()

	if runsTotal == nil {
		return
	}
	runsTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool("passed", passed)))
}

// InitTelemetry initializes OpenTelemetry with the OTLP exporter. A
// collector that cannot be reached degrades to a no-op setup so runs keep
// working without it.
func InitTelemetry(ctx context.Context, cfg *config.Config) (func(context.Context) error, error) {
	log := logger.WithComponent("telemetry")

	noop := func(context.Context) error { return nil }
	if !cfg.Telemetry.Enabled {
		return noop, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.Telemetry.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	collectorAddr := fmt.Sprintf("%s:%d", cfg.Telemetry.CollectorHost, cfg.Telemetry.CollectorPort)
	conn, err := grpc.DialContext(dialCtx, collectorAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		log.Warn().Err(err).Str("collector", collectorAddr).
			Msg("Failed to connect to OpenTelemetry collector, continuing without telemetry")
		return noop, nil
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create trace exporter, continuing without telemetry")
		conn.Close()
		return noop, nil
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	metricExporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create metric exporter, continuing without telemetry")
		conn.Close()
		return noop, nil
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
			metricExporter,
			sdkmetric.WithInterval(cfg.Telemetry.MetricsInterval),
		)),
	)
	otel.SetMeterProvider(meterProvider)

	Meter = meterProvider.Meter(cfg.Telemetry.ServiceName)
	if envOutcomes, err = Meter.Int64Counter("envrun.env.outcomes",
		metric.WithDescription("Finished environments by status")); err != nil {
		log.Warn().Err(err).Msg("Failed to create env outcome counter")
	}
	if runsTotal, err = Meter.Int64Counter("envrun.runs",
		metric.WithDescription("Finished runs by outcome")); err != nil {
		log.Warn().Err(err).Msg("Failed to create run counter")
	}

	log.Info().Str("collector", collectorAddr).Msg("Telemetry initialized")

	return func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()

		var errs []error
		if err := tracerProvider.Shutdown(cctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown tracer provider: %w", err))
		}
		if err := meterProvider.Shutdown(cctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown meter provider: %w", err))
		}
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close gRPC connection: %w", err))
		}

		if len(errs) > 0 {
			return fmt.Errorf("shutdown errors: %v", errs)
		}
		return nil
	}, nil
}
