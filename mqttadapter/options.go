package mqttadapter

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// DefaultRetryInterval is the pause between two connection attempts of EnsureConnected.
const DefaultRetryInterval = 10 * time.Second

// statusOptions describe the retained presence messages of a client.
type statusOptions struct {
	enabled bool
	topic   string
	online  []byte
}

// ClientOptions are the paho options plus the settings the adapter handles itself.
type ClientOptions struct {
	*mqtt.ClientOptions

	status        statusOptions
	debug         bool
	retryInterval time.Duration
}

type Option func(o *ClientOptions)

// WithDebug routes the paho loggers to stderr.
func WithDebug(debug bool) Option {
	return func(o *ClientOptions) { o.debug = debug }
}

func WithUserPass(user, pass string) Option {
	return func(o *ClientOptions) {
		o.SetUsername(user).SetPassword(pass)
	}
}

func WithKeepAlive(keepalive time.Duration) Option {
	return func(o *ClientOptions) { o.SetKeepAlive(keepalive) }
}

// WithRetryInterval sets the pause between two connection attempts of EnsureConnected.
func WithRetryInterval(d time.Duration) Option {
	return func(o *ClientOptions) { o.retryInterval = d }
}

// WithMaxReconnectInterval caps the backoff of paho's automatic reconnects.
func WithMaxReconnectInterval(interval time.Duration) Option {
	return func(o *ClientOptions) { o.SetMaxReconnectInterval(interval) }
}

func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *ClientOptions) { o.SetTLSConfig(cfg) }
}

// WithStatus publishes online, retained, to topic after every connect and
// leaves offline as the retained will on the same topic.
func WithStatus(topic string, online, offline []byte) Option {
	return func(o *ClientOptions) {
		o.status = statusOptions{enabled: true, topic: topic, online: online}
		o.SetBinaryWill(topic, offline, 1, true)
	}
}

func WithStore(store mqtt.Store) Option {
	return func(o *ClientOptions) { o.SetStore(store) }
}

// WithFileStore keeps in-flight messages under dir. A relative dir is
// resolved against the system temp directory.
func WithFileStore(dir string) Option {
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(os.TempDir(), dir)
	}
	return WithStore(mqtt.NewFileStore(dir))
}
