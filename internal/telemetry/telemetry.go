package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"TrustMed/internal/config"

	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const serviceName = "trustmed"

func rotatingFile(dir, name string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    10, // 10 MB
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
}

// InitLogger initializes structured logging with rotation.
// The returned closer flushes and closes the log file.
func InitLogger(cfg config.TelemetryConfig, debug bool) (*slog.Logger, io.Closer, error) {
	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	logFile := rotatingFile(cfg.LogDir, "trustmed.log")

	var w io.Writer = logFile
	if cfg.LogToStdout {
		w = io.MultiWriter(os.Stdout, logFile)
	}

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger, logFile, nil
}

// InitTelemetry initializes OpenTelemetry tracing and metrics.
// Traces and metrics go to rotating files under the log dir when ExportToFiles is set;
// with Prometheus enabled the meter provider also feeds the default registry served on /metrics.
func InitTelemetry(ctx context.Context, cfg config.TelemetryConfig) (trace.Tracer, metric.Meter, func(), error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	var closers []io.Closer
	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if cfg.ExportToFiles {
		traceFile := rotatingFile(cfg.LogDir, "trustmed_traces.log")
		traceExporter, err := stdouttrace.New(
			stdouttrace.WithWriter(traceFile),
			stdouttrace.WithPrettyPrint(),
		)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(traceExporter))

		metricsFile := rotatingFile(cfg.LogDir, "trustmed_metrics.log")
		metricExporter, err := stdoutmetric.New(
			stdoutmetric.WithWriter(metricsFile),
			stdoutmetric.WithPrettyPrint(),
		)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		mpOpts = append(mpOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(
				metricExporter,
				sdkmetric.WithInterval(10*time.Second),
			),
		))
		closers = append(closers, traceFile, metricsFile)
	}

	if cfg.Prometheus {
		promExporter, err := otelprom.New()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		mpOpts = append(mpOpts, sdkmetric.WithReader(promExporter))
	}

	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(mpOpts...)
	otel.SetMeterProvider(mp)

	tracer := tp.Tracer(serviceName)
	meter := mp.Meter(serviceName)

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
		if err := mp.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown meter provider", "error", err)
		}
		for _, c := range closers {
			if err := c.Close(); err != nil {
				slog.Error("failed to close telemetry file", "error", err)
			}
		}
	}

	return tracer, meter, cleanup, nil
}

// Noop returns a tracer and meter that record nothing. Used by tests and tools
// that do not set up exporters.
func Noop() (trace.Tracer, metric.Meter) {
	return tracenoop.NewTracerProvider().Tracer(serviceName),
		metricnoop.NewMeterProvider().Meter(serviceName)
}
