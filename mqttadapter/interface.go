package mqttadapter

//go:generate mockgen -source=interface.go -destination=mock/mock_mqttadapter.go
//go:generate mockgen -package mock_mqtt -destination=mock/mqtt/mock_mqtt_client.go github.com/eclipse/paho.mqtt.golang Client,Token,Message

import (
	"context"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Message represents a message in the MQTT protocol.
type Message = mqtt.Message

// MessageCallback is called for every message received on a subscription.
type MessageCallback func(MQTTClientAdapter, Message)

// OnConnectCallback is called every time a connection is established.
type OnConnectCallback func()

// OnConnectLostCallback is called with the reason of a lost connection.
type OnConnectLostCallback func(err error)

// MQTTClientAdapter is the subset of an MQTT client the hosts rely on.
type MQTTClientAdapter interface {
	// OnConnect registers a callback run on every (re)connect, and right away
	// if the client is already connected. The returned index is used by OffConnect.
	OnConnect(cb OnConnectCallback) int

	// OffConnect removes the callback registered under idx.
	OffConnect(idx int)

	// OnConnectLost registers a callback run when the connection drops.
	OnConnectLost(cb OnConnectLostCallback) int

	// OffConnectLost removes the callback registered under idx.
	OffConnectLost(idx int)

	// Connect makes one connection attempt.
	Connect(ctx context.Context) error

	// EnsureConnected keeps retrying to connect in the background until it
	// succeeds or Disconnect is called.
	EnsureConnected()

	// Disconnect stops reconnecting and closes the connection.
	Disconnect()

	// IsConnected reports whether the connection to the broker is open.
	IsConnected() bool

	// Subscribe subscribes to topic and waits for the broker acknowledgement.
	Subscribe(ctx context.Context, topic string, qos byte, onMsg MessageCallback) error

	// Unsubscribe unsubscribes from topic and waits for the broker acknowledgement.
	Unsubscribe(ctx context.Context, topic string) error

	// PublishBytes publishes data to topic and waits until it is handed to the broker.
	PublishBytes(ctx context.Context, topic string, qos byte, retained bool, data []byte) error
}
