// Package telemetry traces and measures processed requests with OpenTelemetry.
package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/xizhibei/go-json-processor"

	// DurationMetric is the histogram of request durations in milliseconds.
	DurationMetric = "jsonproc.request.duration"
	// FailureMetric counts requests answered with an error envelope.
	FailureMetric = "jsonproc.request.failures"

	// OutcomeOK is the outcome recorded for successful requests.
	OutcomeOK = "ok"

	defaultExportInterval = 10 * time.Second
)

var durationBoundaries = []float64{0.1, 0.5, 1, 5, 10, 25, 50, 100, 250, 500, 1000}

// Telemetry owns the tracer and meter of a process. A disabled Telemetry
// starts no spans and records nothing.
type Telemetry struct {
	tp              *sdktrace.TracerProvider
	mp              *sdkmetric.MeterProvider
	tracer          trace.Tracer
	meter           metric.Meter
	requestDuration metric.Float64Histogram
	failureCounter  metric.Int64Counter
	enabled         bool
}

type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// OTLPEndpoint is the gRPC collector address used unless Debug is set.
	OTLPEndpoint string
	// ExportInterval is the period of metric exports. Defaults to 10s.
	ExportInterval time.Duration

	// Debug pretty prints spans and metrics to TraceWriter and MetricWriter,
	// both defaulting to stdout.
	Debug        bool
	TraceWriter  io.Writer
	MetricWriter io.Writer

	Enabled bool
}

// New creates the Telemetry of cfg and installs its providers as the otel
// globals. A disabled configuration yields a no-op instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return NewNoop()
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create resource")
	}

	spanExporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create trace exporter")
	}
	metricExporter, err := newMetricExporter(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create metric exporter")
	}

	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = defaultExportInterval
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spanExporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithView(sdkmetric.NewView(
			sdkmetric.Instrument{Name: DurationMetric},
			sdkmetric.Stream{
				Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: durationBoundaries},
			},
		)),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	tel, err := newTelemetry(tp, mp)
	if err != nil {
		return nil, err
	}
	tel.enabled = true
	return tel, nil
}

func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	if !cfg.Debug {
		return otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
	}

	w := cfg.TraceWriter
	if w == nil {
		w = os.Stdout
	}
	return stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
}

func newMetricExporter(ctx context.Context, cfg Config) (sdkmetric.Exporter, error) {
	if !cfg.Debug {
		return otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	}

	w := cfg.MetricWriter
	if w == nil {
		w = os.Stdout
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return stdoutmetric.New(stdoutmetric.WithEncoder(enc), stdoutmetric.WithoutTimestamps())
}

func newTelemetry(tp *sdktrace.TracerProvider, mp *sdkmetric.MeterProvider) (*Telemetry, error) {
	meter := mp.Meter(instrumentationName)

	requestDuration, err := meter.Float64Histogram(
		DurationMetric,
		metric.WithDescription("Duration of processed requests"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create request duration histogram")
	}

	failureCounter, err := meter.Int64Counter(
		FailureMetric,
		metric.WithDescription("Number of requests answered with an error envelope"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create failure counter")
	}

	return &Telemetry{
		tp:              tp,
		mp:              mp,
		tracer:          tp.Tracer(instrumentationName),
		meter:           meter,
		requestDuration: requestDuration,
		failureCounter:  failureCounter,
	}, nil
}

// NewNoop creates a disabled Telemetry.
func NewNoop() (*Telemetry, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName("noop")),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create resource")
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.NeverSample()),
	)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	return newTelemetry(tp, mp)
}

func (t *Telemetry) IsEnabled() bool {
	return t.enabled
}

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.CombineErrors(
		errors.Wrap(t.tp.Shutdown(ctx), "shutdown trace provider"),
		errors.Wrap(t.mp.Shutdown(ctx), "shutdown meter provider"),
	)
}

// RecordRequest records the duration of a request of requestType. outcome is
// OutcomeOK or the kind of the error the request failed with; failures are
// also counted.
func (t *Telemetry) RecordRequest(ctx context.Context, duration time.Duration, requestType, outcome string) {
	if !t.enabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("jsonproc.type", requestType),
		attribute.String("jsonproc.outcome", outcome),
	)

	t.requestDuration.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	if outcome != OutcomeOK {
		t.failureCounter.Add(ctx, 1, attrs)
	}
}

// StartSpan starts a span. When telemetry is disabled ctx is returned
// unchanged together with the span it already carries.
func (t *Telemetry) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, opts...)
}
