package telemetry

import (
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry is an enabled Telemetry that keeps spans and metrics in memory.
type TestTelemetry struct {
	*Telemetry
	mr    *sdkmetric.ManualReader
	spans *tracetest.SpanRecorder
}

func NewTestTelemetry(t *testing.T) *TestTelemetry {
	t.Helper()

	spans := tracetest.NewSpanRecorder()
	mr := sdkmetric.NewManualReader()

	tel, err := newTelemetry(
		sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)),
		sdkmetric.NewMeterProvider(sdkmetric.WithReader(mr)),
	)
	if err != nil {
		t.Fatalf("create test telemetry: %v", err)
	}
	tel.enabled = true

	return &TestTelemetry{
		Telemetry: tel,
		mr:        mr,
		spans:     spans,
	}
}

// GetReader returns the reader collecting the recorded metrics.
func (tt *TestTelemetry) GetReader() *sdkmetric.ManualReader {
	return tt.mr
}

// EndedSpans returns the spans that have ended so far.
func (tt *TestTelemetry) EndedSpans() []sdktrace.ReadOnlySpan {
	return tt.spans.Ended()
}
