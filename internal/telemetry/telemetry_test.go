// Copyright (c) 2025 Justin Cranford

package telemetry

import (
	"context"
	"fmt"
	"testing"

	stdoutMetricExporter "go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	stdoutTraceExporter "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	logSdk "go.opentelemetry.io/otel/sdk/log"
	metricSdk "go.opentelemetry.io/otel/sdk/metric"
	traceSdk "go.opentelemetry.io/otel/sdk/trace"

	"github.com/stretchr/testify/require"
)

func TestNewTelemetryService_ConsoleOnly(t *testing.T) {
	t.Parallel()

	settings := NewTestTelemetrySettings("test_console")

	svc, err := NewTelemetryService(context.Background(), settings)
	require.NoError(t, err)
	require.NotNil(t, svc)
	require.NotNil(t, svc.Slogger)
	defer svc.Shutdown()
}

func TestInitMetrics_StdoutExporterError(t *testing.T) {
	original := stdoutMetricExporterNewFn
	stdoutMetricExporterNewFn = func(_ ...stdoutMetricExporter.Option) (metricSdk.Exporter, error) {
		return nil, fmt.Errorf("injected STDOUT metrics error")
	}
	defer func() { stdoutMetricExporterNewFn = original }()

	settings := NewTestTelemetrySettings("test_stdout_metrics_error")

	_, err := NewTelemetryService(context.Background(), settings)
	require.Error(t, err)
	require.Contains(t, err.Error(), "create STDOUT metrics failed")
}

func TestInitTraces_StdoutExporterError(t *testing.T) {
	original := stdoutTraceExporterNewFn
	stdoutTraceExporterNewFn = func(_ ...stdoutTraceExporter.Option) (*stdoutTraceExporter.Exporter, error) {
		return nil, fmt.Errorf("injected STDOUT traces error")
	}
	defer func() { stdoutTraceExporterNewFn = original }()

	settings := NewTestTelemetrySettings("test_stdout_traces_error")

	_, err := NewTelemetryService(context.Background(), settings)
	require.Error(t, err)
	require.Contains(t, err.Error(), "create STDOUT traces failed")
}

func TestShutdown_ForceFlushTracesError(t *testing.T) {
	t.Parallel()

	exporter := &failFlushTraceExporter{}
	tp := traceSdk.NewTracerProvider(
		traceSdk.WithBatcher(exporter, traceSdk.WithBatchTimeout(1)),
	)

	_, span := tp.Tracer("test").Start(context.Background(), "test-span")
	span.End()

	svc := &TelemetryService{tracesProviderSdk: tp}
	svc.Shutdown()
}

func TestShutdown_MetricsAlreadyShutdown(t *testing.T) {
	t.Parallel()

	mp := metricSdk.NewMeterProvider()
	_ = mp.Shutdown(context.Background())

	svc := &TelemetryService{metricsProviderSdk: mp}
	svc.Shutdown()
}

func TestShutdown_LogsAlreadyShutdown(t *testing.T) {
	t.Parallel()

	lp := logSdk.NewLoggerProvider()
	_ = lp.Shutdown(context.Background())

	svc := &TelemetryService{logsProviderSdk: lp}
	svc.Shutdown()
}

func TestParseProtocolAndEndpoint_AllProtocols(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		endpoint  string
		wantHTTP  bool
		wantHTTPS bool
		wantGRPC  bool
		wantGRPCS bool
		wantAddr  string
		wantErr   bool
	}{
		{"HTTP", "http://localhost:4318", true, false, false, false, "localhost:4318", false},
		{"HTTPS", "https://localhost:4318", false, true, false, false, "localhost:4318", false},
		{"gRPC", "grpc://localhost:4317", false, false, true, false, "localhost:4317", false},
		{"gRPCS", "grpcs://localhost:4317", false, false, false, true, "localhost:4317", false},
		{"Invalid", "ftp://localhost:4318", false, false, false, false, "", true},
		{"NoProtocol", "localhost:4318", false, false, false, false, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			endpoint := tt.endpoint
			isHTTP, isHTTPS, isGRPC, isGRPCS, addr, err := parseProtocolAndEndpoint(&endpoint)

			if tt.wantErr {
				require.Error(t, err)
				require.Contains(t, err.Error(), "invalid OTLP endpoint protocol")
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantHTTP, isHTTP)
			require.Equal(t, tt.wantHTTPS, isHTTPS)
			require.Equal(t, tt.wantGRPC, isGRPC)
			require.Equal(t, tt.wantGRPCS, isGRPCS)
			require.NotNil(t, addr)
			require.Equal(t, tt.wantAddr, *addr)
		})
	}
}

// failFlushTraceExporter is a SpanExporter whose ExportSpans always returns an error.
type failFlushTraceExporter struct{}

func (e *failFlushTraceExporter) ExportSpans(_ context.Context, _ []traceSdk.ReadOnlySpan) error {
	return fmt.Errorf("injected export spans error")
}

func (e *failFlushTraceExporter) Shutdown(_ context.Context) error {
	return fmt.Errorf("injected exporter shutdown error")
}
