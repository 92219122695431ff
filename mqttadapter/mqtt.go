package mqttadapter

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	stdlog "log"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ErrNoCertificates is returned by NewTLSConfig when the PEM data holds no certificate.
var ErrNoCertificates = errors.New("[JSONPROC] no certificate found in PEM data")

// statusPublishTimeout bounds the publish of the online status on connect.
const statusPublishTimeout = 10 * time.Second

// registry holds callbacks under the ids returned by add.
type registry[T any] struct {
	mu   sync.Mutex
	next int
	cbs  map[int]T
}

func (r *registry[T]) add(cb T) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cbs == nil {
		r.cbs = make(map[int]T)
	}
	id := r.next
	r.next++
	r.cbs[id] = cb
	return id
}

func (r *registry[T]) remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.cbs, id)
}

// snapshot returns the registered callbacks, so they can run without the lock.
func (r *registry[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	cbs := make([]T, 0, len(r.cbs))
	for _, cb := range r.cbs {
		cbs = append(cbs, cb)
	}
	return cbs
}

// MQTTClientAdapterImpl adapts a paho client to MQTTClientAdapter.
type MQTTClientAdapterImpl struct {
	client        mqtt.Client
	clientOptions *ClientOptions

	onConnect     registry[OnConnectCallback]
	onConnectLost registry[OnConnectLostCallback]

	stopped      atomic.Bool
	printableURL string

	log *zap.SugaredLogger
}

// NewTLSConfig returns a TLS configuration trusting the CA certificates in pemCerts.
func NewTLSConfig(pemCerts []byte, insecureSkipVerify bool) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemCerts) {
		return nil, ErrNoCertificates
	}

	return &tls.Config{
		RootCAs:            pool,
		InsecureSkipVerify: insecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}, nil
}

// New creates a client for the broker at uri, for example "tcp://localhost:1883"
// or "ssl://broker:8883". The client does not connect until Connect or
// EnsureConnected is called.
func New(uri, clientID string, options ...Option) (MQTTClientAdapter, error) {
	server, err := url.Parse(uri)
	if err != nil {
		return nil, errors.Wrap(err, "parse broker uri")
	}
	redacted := *server
	redacted.User = nil

	s := &MQTTClientAdapterImpl{
		printableURL: redacted.String(),
		log:          zap.S().With("module", "jsonproc.mqttadapter"),
	}

	o := &ClientOptions{
		ClientOptions: s.pahoOptions(uri, clientID),
		retryInterval: DefaultRetryInterval,
	}
	for _, option := range options {
		option(o)
	}

	s.clientOptions = o
	s.client = mqtt.NewClient(o.ClientOptions)

	if o.status.enabled {
		s.OnConnect(s.publishOnline)
	}
	if o.debug {
		enablePahoDebug()
	}

	return s, nil
}

func (s *MQTTClientAdapterImpl) pahoOptions(uri, clientID string) *mqtt.ClientOptions {
	return mqtt.NewClientOptions().
		AddBroker(uri).
		SetClientID(clientID).
		SetKeepAlive(60 * time.Second).
		SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}).
		SetAutoReconnect(true).
		SetDefaultPublishHandler(func(_ mqtt.Client, m mqtt.Message) {
			s.log.Debugf("Unrouted message on %s (%d bytes)", m.Topic(), len(m.Payload()))
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			s.log.Infof("Connected %s", s.printableURL)
			for _, cb := range s.onConnect.snapshot() {
				go cb()
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.log.Warnf("Connection lost %s %v", s.printableURL, err)
			for _, cb := range s.onConnectLost.snapshot() {
				go cb(err)
			}
		})
}

func (s *MQTTClientAdapterImpl) publishOnline() {
	ctx, cancel := context.WithTimeout(context.Background(), statusPublishTimeout)
	defer cancel()

	status := s.clientOptions.status
	if err := s.PublishBytes(ctx, status.topic, 1, true, status.online); err != nil {
		s.log.Errorf("Publish online status %v", err)
	}
}

func enablePahoDebug() {
	mqtt.DEBUG = stdlog.New(os.Stderr, "DEBUG - ", stdlog.LstdFlags)
	mqtt.WARN = stdlog.New(os.Stderr, "WARN - ", stdlog.LstdFlags)
	mqtt.ERROR = stdlog.New(os.Stderr, "ERROR - ", stdlog.LstdFlags)
	mqtt.CRITICAL = stdlog.New(os.Stderr, "CRITICAL - ", stdlog.LstdFlags)
}

// OnConnect registers cb for every (re)connect. cb also runs right away if
// the client is already connected.
func (s *MQTTClientAdapterImpl) OnConnect(cb OnConnectCallback) int {
	if s.client.IsConnected() {
		cb()
	}
	return s.onConnect.add(cb)
}

func (s *MQTTClientAdapterImpl) OffConnect(idx int) {
	s.onConnect.remove(idx)
}

func (s *MQTTClientAdapterImpl) OnConnectLost(cb OnConnectLostCallback) int {
	return s.onConnectLost.add(cb)
}

func (s *MQTTClientAdapterImpl) OffConnectLost(idx int) {
	s.onConnectLost.remove(idx)
}

func (s *MQTTClientAdapterImpl) Connect(ctx context.Context) error {
	return waitToken(ctx, s.client.Connect())
}

// EnsureConnected starts a goroutine that connects to the broker, retrying
// every retry interval until it succeeds or Disconnect is called.
func (s *MQTTClientAdapterImpl) EnsureConnected() {
	go s.retryConnect()
}

func (s *MQTTClientAdapterImpl) retryConnect() {
	for !s.stopped.Load() {
		if s.IsConnected() {
			s.log.Infof("Already connected %s", s.printableURL)
			return
		}

		err := s.Connect(context.Background())
		if err == nil {
			return
		}
		s.log.Errorf("Connect failed %s %v, retry in %v", s.printableURL, err, s.clientOptions.retryInterval)
		time.Sleep(s.clientOptions.retryInterval)
	}
	s.log.Infof("Stop connecting %s", s.printableURL)
}

// Disconnect stops the retry loop and disconnects, waiting up to one second
// for in-flight work to finish.
func (s *MQTTClientAdapterImpl) Disconnect() {
	s.stopped.Store(true)
	s.client.Disconnect(1000)
}

func (s *MQTTClientAdapterImpl) IsConnected() bool {
	return s.client.IsConnectionOpen()
}

func (s *MQTTClientAdapterImpl) Subscribe(ctx context.Context, topic string, qos byte, onMsg MessageCallback) error {
	s.log.Debugf("Subscribe topic=%s qos=%d", topic, qos)

	token := s.client.Subscribe(topic, qos, func(_ mqtt.Client, m mqtt.Message) {
		onMsg(s, m)
	})
	return errors.Wrapf(waitToken(ctx, token), "subscribe %s", topic)
}

func (s *MQTTClientAdapterImpl) Unsubscribe(ctx context.Context, topic string) error {
	s.log.Debugf("Unsubscribe topic=%s", topic)

	return errors.Wrapf(waitToken(ctx, s.client.Unsubscribe(topic)), "unsubscribe %s", topic)
}

func (s *MQTTClientAdapterImpl) PublishBytes(ctx context.Context, topic string, qos byte, retained bool, data []byte) error {
	return errors.Wrapf(waitToken(ctx, s.client.Publish(topic, qos, retained, data)), "publish %s", topic)
}

// waitToken waits for token to complete or ctx to be done, whichever comes first.
func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
		return token.Error()
	}
}
