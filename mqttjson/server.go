// Package mqttjson serves a jsonproc.Processor over MQTT.
//
// A request is published to <prefix>/<deviceID>/request/<id> and its response
// envelope is published to <prefix>/<deviceID>/response/<id>. Payloads are
// the request text and the envelope text, optionally compressed.
package mqttjson

import (
	"context"
	"path"
	"strings"

	jsonproc "github.com/xizhibei/go-json-processor"
	"github.com/xizhibei/go-json-processor/mqttadapter"
	"go.uber.org/zap"
)

// ErrRetainedMessage is the error reported for retained request messages.
var ErrRetainedMessage = jsonproc.NewError(jsonproc.KindMalformedRequest, "retained message is not allowed")

// RequestTopic returns the subscription filter of the requests of a device.
func RequestTopic(topicPrefix, deviceID string) string {
	return path.Join(topicPrefix, deviceID, "request", "+")
}

// ReplyTopic returns the response topic of a request topic, replacing its last
// "request" level with "response". It returns an empty string if topic has no
// "request" level.
func ReplyTopic(topic string) string {
	levels := strings.Split(topic, "/")
	for i := len(levels) - 1; i >= 0; i-- {
		if levels[i] == "request" {
			levels[i] = "response"
			return strings.Join(levels, "/")
		}
	}
	return ""
}

// Server answers the requests published to a device.
type Server struct {
	processor *jsonproc.Processor
	iotClient mqttadapter.MQTTClientAdapter
	options   *options
	log       *zap.SugaredLogger

	subscribeTopic string
	connectIdx     int
	connectLostIdx int
}

// NewServer creates a server for the requests of deviceID and starts
// connecting the client. The subscription is renewed on every connect.
func NewServer(client mqttadapter.MQTTClientAdapter, processor *jsonproc.Processor, topicPrefix, deviceID string, opts ...Option) *Server {
	s := &Server{
		processor:      processor,
		iotClient:      client,
		options:        newOptions(opts),
		subscribeTopic: RequestTopic(topicPrefix, deviceID),
		log:            zap.S().With("module", "jsonproc.mqttjson.server"),
	}

	s.connectIdx = client.OnConnect(func() {
		if err := s.initReceive(); err != nil {
			s.log.Errorf("init receive %v", err)
		}
	})
	s.connectLostIdx = client.OnConnectLost(func(err error) {
		s.log.Warnf("Connection lost, waiting for reconnect: %v", err)
	})

	client.EnsureConnected()

	return s
}

// Close stops serving and disconnects the client.
func (s *Server) Close() error {
	s.iotClient.OffConnect(s.connectIdx)
	s.iotClient.OffConnectLost(s.connectLostIdx)
	s.iotClient.Disconnect()
	return nil
}

// IsConnected returns a boolean value indicating whether the service is connected to the MQTT broker.
func (s *Server) IsConnected() bool {
	return s.iotClient.IsConnected()
}

// SubscribeTopic returns the topic filter the server listens on.
func (s *Server) SubscribeTopic() string {
	return s.subscribeTopic
}

func (s *Server) initReceive() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.options.publishTimeout)
	defer cancel()

	return s.iotClient.Subscribe(ctx, s.subscribeTopic, s.options.qos, s.onMessage)
}

func (s *Server) onMessage(_ mqttadapter.MQTTClientAdapter, m mqttadapter.Message) {
	topic := m.Topic()
	replyTopic := ReplyTopic(topic)
	if replyTopic == "" {
		s.log.Errorf("No reply topic for %s, ignore", topic)
		return
	}

	var envelope string
	switch {
	case m.Retained():
		s.log.Errorf("Retained message on %s, ignore", topic)
		envelope = s.processor.Envelope(ErrRetainedMessage)
	default:
		payload, err := s.options.compressor.Decompress(s.options.encoding, m.Payload())
		if err != nil {
			s.log.Errorf("Decode payload from %s: %v", topic, err)
			envelope = s.processor.Envelope(jsonproc.WrapError(err, jsonproc.KindMalformedRequest, "Invalid payload"))
			break
		}
		s.log.Debugf("Request from topic %s size %d", topic, len(payload))
		envelope = s.processor.Process(string(payload))
	}

	data, err := s.options.compressor.Compress(s.options.encoding, []byte(envelope))
	if err != nil {
		s.log.Errorf("Encode response for %s: %v", topic, err)
		return
	}

	// paho message handlers must not block on tokens.
	go s.reply(replyTopic, data)
}

func (s *Server) reply(topic string, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), s.options.publishTimeout)
	defer cancel()

	s.log.Debugf("Response to topic %s size %d", topic, len(data))
	if err := s.iotClient.PublishBytes(ctx, topic, s.options.qos, false, data); err != nil {
		s.log.Errorf("Publish response to %s: %v", topic, err)
	}
}
