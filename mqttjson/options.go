package mqttjson

import (
	"time"

	jsonproc "github.com/xizhibei/go-json-processor"
	"github.com/xizhibei/go-json-processor/compressor"
	"github.com/xizhibei/go-json-processor/telemetry"
)

// DefaultPublishTimeout bounds a publish or subscribe round trip to the broker.
const DefaultPublishTimeout = 10 * time.Second

type options struct {
	qos            byte
	encoding       compressor.ContentEncoding
	compressor     *compressor.Manager
	publishTimeout time.Duration
	telemetry      *telemetry.Telemetry
}

// Option configures a Server or a Client.
type Option func(o *options)

func newOptions(opts []Option) *options {
	o := &options{
		qos:            jsonproc.DefaultQoS,
		encoding:       compressor.ContentEncodingPlain,
		publishTimeout: DefaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.compressor == nil {
		o.compressor = compressor.NewManager(0)
	}
	if o.publishTimeout <= 0 {
		o.publishTimeout = DefaultPublishTimeout
	}
	return o
}

// WithQoS sets the quality of service of subscriptions and publishes.
func WithQoS(qos byte) Option {
	return func(o *options) {
		o.qos = qos
	}
}

// WithContentEncoding sets the encoding of request and response payloads.
// Both sides of a topic must agree on it.
func WithContentEncoding(encoding compressor.ContentEncoding) Option {
	return func(o *options) {
		o.encoding = encoding
	}
}

// WithCompressor shares a compressor manager, for example to change the
// decompressed size limit.
func WithCompressor(m *compressor.Manager) Option {
	return func(o *options) {
		o.compressor = m
	}
}

func WithPublishTimeout(d time.Duration) Option {
	return func(o *options) {
		o.publishTimeout = d
	}
}

// WithTelemetry traces client calls. Servers use the telemetry of their processor.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *options) {
		o.telemetry = tel
	}
}
