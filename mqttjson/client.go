package mqttjson

import (
	"context"
	"path"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/xizhibei/go-json-processor/mqttadapter"
	"github.com/xizhibei/go-json-processor/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var (
	// ErrClientIsNotReady is returned by Call while the client is not connected.
	ErrClientIsNotReady = errors.New("[JSONPROC] client is not ready")
)

// Client sends requests to the Server of a device and waits for the envelope.
type Client struct {
	mqttClient  mqttadapter.MQTTClientAdapter
	options     *options
	log         *zap.SugaredLogger
	telemetry   *telemetry.Telemetry
	topicPrefix string
}

// NewClient creates a client and starts connecting it.
func NewClient(client mqttadapter.MQTTClientAdapter, topicPrefix string, opts ...Option) *Client {
	o := newOptions(opts)

	tel := o.telemetry
	if tel == nil {
		tel, _ = telemetry.NewNoop()
	}

	c := &Client{
		mqttClient:  client,
		options:     o,
		telemetry:   tel,
		topicPrefix: topicPrefix,
		log:         zap.S().With("module", "jsonproc.mqttjson.client"),
	}

	client.EnsureConnected()

	return c
}

func (c *Client) IsConnected() bool {
	return c.mqttClient.IsConnected()
}

// WaitConnected blocks until the client is connected or ctx is done.
func (c *Client) WaitConnected(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for !c.mqttClient.IsConnected() {
		select {
		case <-ctx.Done():
			return errors.WithSecondaryError(ErrClientIsNotReady, ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func (c *Client) Close() error {
	c.mqttClient.Disconnect()
	return nil
}

// Call publishes request to deviceID and returns the response envelope.
// ctx bounds the whole round trip.
func (c *Client) Call(ctx context.Context, deviceID, request string) (string, error) {
	ctx, span := c.telemetry.StartSpan(ctx, "JSONProc.MQTT.Call")
	defer span.End()

	envelope, err := c.call(ctx, deviceID, request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.Int("jsonproc.response_size", len(envelope)))
	return envelope, nil
}

func (c *Client) call(ctx context.Context, deviceID, request string) (string, error) {
	if !c.mqttClient.IsConnected() {
		return "", ErrClientIsNotReady
	}

	id := uuid.NewString()
	requestTopic := path.Join(c.topicPrefix, deviceID, "request", id)
	responseTopic := ReplyTopic(requestTopic)

	replies := make(chan []byte, 1)
	err := c.mqttClient.Subscribe(ctx, responseTopic, c.options.qos, func(_ mqttadapter.MQTTClientAdapter, m mqttadapter.Message) {
		c.log.Debugf("Receive data from %s len=%d", m.Topic(), len(m.Payload()))
		select {
		case replies <- m.Payload():
		default:
		}
	})
	if err != nil {
		return "", err
	}
	defer func() {
		unsubCtx, cancel := context.WithTimeout(context.Background(), c.options.publishTimeout)
		defer cancel()
		if err := c.mqttClient.Unsubscribe(unsubCtx, responseTopic); err != nil {
			c.log.Warnf("Unsubscribe %s: %v", responseTopic, err)
		}
	}()

	data, err := c.options.compressor.Compress(c.options.encoding, []byte(request))
	if err != nil {
		return "", errors.Wrap(err, "encode request")
	}

	c.log.Debugf("Send data to %s len=%d", requestTopic, len(data))
	if err := c.mqttClient.PublishBytes(ctx, requestTopic, c.options.qos, false, data); err != nil {
		return "", err
	}

	select {
	case payload := <-replies:
		envelope, err := c.options.compressor.Decompress(c.options.encoding, payload)
		if err != nil {
			return "", errors.Wrap(err, "decode response")
		}
		return string(envelope), nil
	case <-ctx.Done():
		return "", errors.Wrapf(ctx.Err(), "wait response on %s", responseTopic)
	}
}
