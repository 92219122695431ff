package jsonproc

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/xizhibei/go-json-processor/telemetry"
)

type processorOptions struct {
	logResponse     bool
	name            string
	workerNum       int
	timeout         time.Duration
	limiterDuration time.Duration
	limiterCount    int
	limiterReject   bool
	clock           func() time.Time
	validator       *validator.Validate
	telemetry       *telemetry.Telemetry
}

// Option is a functional option for configuring the processor.
type Option func(o *processorOptions)

// WithName sets the name of the processor. It is used as the `name` label of
// the registered metrics. Defaults to a random UUID.
func WithName(name string) Option {
	return func(o *processorOptions) {
		o.name = name
	}
}

// WithLogResponse enables or disables logging of every response.
func WithLogResponse(logResponse bool) Option {
	return func(o *processorOptions) {
		o.logResponse = logResponse
	}
}

// WithLimiter sets the limiter interval and burst for the processor.
// The interval is the minimum time between two requests once the burst is used up.
// The limiter is disabled by default.
func WithLimiter(d time.Duration, count int) Option {
	return func(o *processorOptions) {
		o.limiterDuration = d
		o.limiterCount = count
	}
}

// WithLimiterReject makes the processor reject requests when the limiter is
// exhausted. This is default behavior.
// If you want the processor to wait for available tokens instead, use WithLimiterWait.
func WithLimiterReject() Option {
	return func(o *processorOptions) {
		o.limiterReject = true
	}
}

// WithLimiterWait makes the processor wait for the limiter instead of rejecting
// requests. The wait is bounded by the context given to ProcessContext.
func WithLimiterWait() Option {
	return func(o *processorOptions) {
		o.limiterReject = false
	}
}

// WithWorkerNum sets the number of workers executing handlers. The default of
// one keeps a single request in flight at a time.
func WithWorkerNum(count int) Option {
	return func(o *processorOptions) {
		o.workerNum = count
	}
}

// WithTimeout sets the timeout of handlers that do not declare their own.
func WithTimeout(d time.Duration) Option {
	return func(o *processorOptions) {
		o.timeout = d
	}
}

// WithClock replaces the clock used for envelope timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *processorOptions) {
		o.clock = clock
	}
}

// WithValidator replaces the validator used by Context.Bind.
func WithValidator(v *validator.Validate) Option {
	return func(o *processorOptions) {
		o.validator = v
	}
}

// WithTelemetry sets the telemetry used to trace and measure requests.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *processorOptions) {
		o.telemetry = tel
	}
}
