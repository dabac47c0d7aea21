// Copyright (c) 2025 Justin Cranford

// Package telemetry owns the daemon's single slog.Logger and the OpenTelemetry
// providers (traces, metrics, logs) it is bridged through. Exactly one
// TelemetryService exists per process; every subsystem is handed its Slogger
// rather than constructing its own.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	otelslog "go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	stdoutMetricExporter "go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	stdoutTraceExporter "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	logSdk "go.opentelemetry.io/otel/sdk/log"
	metricSdk "go.opentelemetry.io/otel/sdk/metric"
	traceSdk "go.opentelemetry.io/otel/sdk/trace"

	slogmulti "github.com/samber/slog-multi"

	"license-agent/internal/magic"
)

// TelemetrySettings configures one TelemetryService. ServiceName defaults to
// magic.OTLPServiceName when empty.
type TelemetrySettings struct {
	ServiceName  string
	VerboseMode  bool
	OTLPConsole  bool
	OTLPEnabled  bool
	OTLPEndpoint string
}

// NewTestTelemetrySettings returns console-only settings suitable for tests:
// no outbound network connection, no OTLP endpoint.
func NewTestTelemetrySettings(serviceName string) *TelemetrySettings {
	return &TelemetrySettings{
		ServiceName: serviceName,
		VerboseMode: true,
		OTLPConsole: true,
		OTLPEnabled: false,
	}
}

// TelemetryService is the process-wide logging + tracing + metrics handle.
type TelemetryService struct {
	StartTime   time.Time
	Slogger     *slog.Logger
	VerboseMode bool

	TracerProvider trace.TracerProvider
	LogsProvider   *logSdk.LoggerProvider

	tracesProviderSdk  *traceSdk.TracerProvider
	metricsProviderSdk *metricSdk.MeterProvider
	logsProviderSdk    *logSdk.LoggerProvider
}

// Seam-injection points, swapped out in tests to exercise failure paths
// without standing up a real collector.
var (
	initMetricsFn             = initMetrics
	initTracesFn              = initTraces
	stdoutMetricExporterNewFn = stdoutMetricExporter.New
	stdoutTraceExporterNewFn  = stdoutTraceExporter.New
)

// NewTelemetryService wires slog, the OTel SDK providers, and the
// otelslog/slog-multi bridge together. Failure to construct any exporter
// aborts construction; callers should treat it as a ConfigError.
func NewTelemetryService(ctx context.Context, settings *TelemetrySettings) (*TelemetryService, error) {
	serviceName := settings.ServiceName
	if serviceName == "" {
		serviceName = magic.OTLPServiceName
	}

	textHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: levelFor(settings.VerboseMode),
	})
	bootstrapLogger := slog.New(textHandler)

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	metricsProvider, err := initMetricsFn(ctx, bootstrapLogger, settings, res)
	if err != nil {
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}

	tracesProvider, err := initTracesFn(ctx, bootstrapLogger, settings, res)
	if err != nil {
		return nil, fmt.Errorf("failed to init traces: %w", err)
	}

	logsProvider := logSdk.NewLoggerProvider(logSdk.WithResource(res))
	otelHandler := otelslog.NewLogger(serviceName, otelslog.WithLoggerProvider(logsProvider)).Handler()

	fanoutHandler := slogmulti.Fanout(textHandler, otelHandler)
	logger := slog.New(fanoutHandler)

	otel.SetMeterProvider(metricsProvider)
	otel.SetTracerProvider(tracesProvider)

	return &TelemetryService{
		StartTime:          time.Now().UTC(),
		Slogger:            logger,
		VerboseMode:        settings.VerboseMode,
		TracerProvider:     tracesProvider,
		LogsProvider:       logsProvider,
		tracesProviderSdk:  tracesProvider,
		metricsProviderSdk: metricsProvider,
		logsProviderSdk:    logsProvider,
	}, nil
}

func levelFor(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func initMetrics(ctx context.Context, logger *slog.Logger, settings *TelemetrySettings, res *resource.Resource) (*metricSdk.MeterProvider, error) {
	var readers []metricSdk.Option

	if settings.OTLPConsole {
		exporter, err := stdoutMetricExporterNewFn()
		if err != nil {
			return nil, fmt.Errorf("create STDOUT metrics failed: %w", err)
		}
		readers = append(readers, metricSdk.WithReader(metricSdk.NewPeriodicReader(exporter)))
	}

	if settings.OTLPEnabled && settings.OTLPEndpoint != "" {
		_, _, isGRPC, isGRPCS, addr, err := parseProtocolAndEndpoint(&settings.OTLPEndpoint)
		if err != nil {
			return nil, err
		}
		if isGRPC || isGRPCS {
			opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(*addr)}
			if !isGRPCS {
				opts = append(opts, otlpmetricgrpc.WithInsecure())
			}
			exporter, err := otlpmetricgrpc.New(ctx, opts...)
			if err != nil {
				return nil, fmt.Errorf("create OTLP gRPC metrics exporter failed: %w", err)
			}
			readers = append(readers, metricSdk.WithReader(metricSdk.NewPeriodicReader(exporter)))
		}
	}

	readers = append(readers, metricSdk.WithResource(res))
	logger.Debug("metrics provider initialized")
	return metricSdk.NewMeterProvider(readers...), nil
}

func initTraces(ctx context.Context, logger *slog.Logger, settings *TelemetrySettings, res *resource.Resource) (*traceSdk.TracerProvider, error) {
	var opts []traceSdk.TracerProviderOption

	if settings.OTLPConsole {
		exporter, err := stdoutTraceExporterNewFn()
		if err != nil {
			return nil, fmt.Errorf("create STDOUT traces failed: %w", err)
		}
		opts = append(opts, traceSdk.WithBatcher(exporter))
	}

	if settings.OTLPEnabled && settings.OTLPEndpoint != "" {
		_, _, isGRPC, isGRPCS, addr, err := parseProtocolAndEndpoint(&settings.OTLPEndpoint)
		if err != nil {
			return nil, err
		}
		if isGRPC || isGRPCS {
			grpcOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(*addr)}
			if !isGRPCS {
				grpcOpts = append(grpcOpts, otlptracegrpc.WithInsecure())
			}
			exporter, err := otlptracegrpc.New(ctx, grpcOpts...)
			if err != nil {
				return nil, fmt.Errorf("create OTLP gRPC traces exporter failed: %w", err)
			}
			opts = append(opts, traceSdk.WithBatcher(exporter))
		}
	}

	opts = append(opts, traceSdk.WithResource(res))
	logger.Debug("traces provider initialized")
	return traceSdk.NewTracerProvider(opts...), nil
}

// parseProtocolAndEndpoint classifies an OTLP endpoint URL and extracts the
// bare host:port gRPC/HTTP exporters want.
func parseProtocolAndEndpoint(endpoint *string) (isHTTP, isHTTPS, isGRPC, isGRPCS bool, addr *string, err error) {
	e := *endpoint
	switch {
	case hasScheme(e, "grpcs://"):
		a := e[len("grpcs://"):]
		return false, false, false, true, &a, nil
	case hasScheme(e, "grpc://"):
		a := e[len("grpc://"):]
		return false, false, true, false, &a, nil
	case hasScheme(e, "https://"):
		a := e[len("https://"):]
		return false, true, false, false, &a, nil
	case hasScheme(e, "http://"):
		a := e[len("http://"):]
		return true, false, false, false, &a, nil
	default:
		return false, false, false, false, nil, fmt.Errorf("invalid OTLP endpoint protocol: %q", e)
	}
}

func hasScheme(s, scheme string) bool {
	return len(s) >= len(scheme) && s[:len(scheme)] == scheme
}

// CheckSidecarHealth is the readiness hook for an OTLP collector sidecar. It
// performs no check and always returns nil, whether or not OTLP is enabled,
// so tests and air-gapped deployments never block on a collector.
func (s *TelemetryService) CheckSidecarHealth(_ context.Context) error {
	return nil
}

// Shutdown flushes and tears down every OTel provider, in logs/traces/metrics
// order. It never returns an error: a telemetry shutdown failure must not
// block the daemon's own shutdown sequence, so failures are logged instead.
func (s *TelemetryService) Shutdown() {
	ctx := context.Background()

	if s.logsProviderSdk != nil {
		if err := s.logsProviderSdk.ForceFlush(ctx); err != nil {
			s.logSafe("logs force flush failed", err)
		}
		if err := s.logsProviderSdk.Shutdown(ctx); err != nil {
			s.logSafe("logs provider shutdown failed", err)
		}
	}

	if s.tracesProviderSdk != nil {
		if err := s.tracesProviderSdk.ForceFlush(ctx); err != nil {
			s.logSafe("traces force flush failed", err)
		}
		if err := s.tracesProviderSdk.Shutdown(ctx); err != nil {
			s.logSafe("traces provider shutdown failed", err)
		}
	}

	if s.metricsProviderSdk != nil {
		if err := s.metricsProviderSdk.ForceFlush(ctx); err != nil {
			s.logSafe("metrics force flush failed", err)
		}
		if err := s.metricsProviderSdk.Shutdown(ctx); err != nil {
			s.logSafe("metrics provider shutdown failed", err)
		}
	}
}

func (s *TelemetryService) logSafe(msg string, err error) {
	if s.Slogger != nil {
		s.Slogger.Warn(msg, "error", err)
		return
	}
	slog.Warn(msg, "error", err)
}
