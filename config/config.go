// Package config loads the process configuration of the jsonproc binary.
//
// Values come from defaults, an optional TOML, YAML or JSON file, and
// JSONPROC_* environment variables, in increasing precedence. Nested keys map
// to environment variables with dots replaced by underscores, e.g.
// JSONPROC_MQTT_BROKER.
package config

import (
	"os"
	"path"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
	jsonproc "github.com/xizhibei/go-json-processor"
	"github.com/xizhibei/go-json-processor/compressor"
	"github.com/xizhibei/go-json-processor/mqttadapter"
	"github.com/xizhibei/go-json-processor/mqttjson"
	"github.com/xizhibei/go-json-processor/telemetry"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix is the prefix of the environment variables read by Load.
const EnvPrefix = "JSONPROC"

type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Processor ProcessorConfig `mapstructure:"processor"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type ProcessorConfig struct {
	Name          string        `mapstructure:"name"`
	LogResponse   bool          `mapstructure:"log_response"`
	WorkerNum     int           `mapstructure:"worker_num"`
	Timeout       time.Duration `mapstructure:"timeout"`
	LimitInterval time.Duration `mapstructure:"limit_interval"`
	LimitBurst    int           `mapstructure:"limit_burst"`
	LimitWait     bool          `mapstructure:"limit_wait"`
}

type HTTPConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Addr        string `mapstructure:"addr"`
	MaxBodySize int64  `mapstructure:"max_body_size"`
}

type MQTTConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	Broker               string        `mapstructure:"broker"`
	ClientID             string        `mapstructure:"client_id"`
	Username             string        `mapstructure:"username"`
	Password             string        `mapstructure:"password"`
	KeepAlive            time.Duration `mapstructure:"keep_alive"`
	RetryInterval        time.Duration `mapstructure:"retry_interval"`
	MaxReconnectInterval time.Duration `mapstructure:"max_reconnect_interval"`
	CAFile               string        `mapstructure:"ca_file"`
	InsecureSkipVerify   bool          `mapstructure:"insecure_skip_verify"`
	TopicPrefix          string        `mapstructure:"topic_prefix"`
	DeviceID             string        `mapstructure:"device_id"`
	QoS                  byte          `mapstructure:"qos"`
	ContentEncoding      string        `mapstructure:"content_encoding"`
	PublishTimeout       time.Duration `mapstructure:"publish_timeout"`
	Status               bool          `mapstructure:"status"`
	Debug                bool          `mapstructure:"debug"`
	StoreDir             string        `mapstructure:"store_dir"`
}

type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Debug        bool   `mapstructure:"debug"`
	ServiceName  string `mapstructure:"service_name"`
	Environment  string `mapstructure:"environment"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("processor.name", "jsonproc")
	v.SetDefault("processor.log_response", false)
	v.SetDefault("processor.worker_num", 1)
	v.SetDefault("processor.timeout", 10*time.Second)
	v.SetDefault("processor.limit_interval", time.Duration(0))
	v.SetDefault("processor.limit_burst", 0)
	v.SetDefault("processor.limit_wait", false)

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.max_body_size", 1<<20)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.keep_alive", 60*time.Second)
	v.SetDefault("mqtt.retry_interval", mqttadapter.DefaultRetryInterval)
	v.SetDefault("mqtt.max_reconnect_interval", 2*time.Minute)
	v.SetDefault("mqtt.ca_file", "")
	v.SetDefault("mqtt.insecure_skip_verify", false)
	v.SetDefault("mqtt.topic_prefix", "jsonproc")
	v.SetDefault("mqtt.device_id", "")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.content_encoding", "plain")
	v.SetDefault("mqtt.publish_timeout", mqttjson.DefaultPublishTimeout)
	v.SetDefault("mqtt.status", false)
	v.SetDefault("mqtt.debug", false)
	v.SetDefault("mqtt.store_dir", "")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.debug", false)
	v.SetDefault("telemetry.service_name", "jsonproc")
	v.SetDefault("telemetry.environment", "development")
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4317")
}

// Default returns the configuration used when no file or environment
// variable overrides a value.
func Default() *Config {
	cfg, err := load(viper.New(), "")
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads the configuration file, if file is not empty, and applies the
// environment overrides.
func Load(file string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return load(v, file)
}

func load(v *viper.Viper, file string) (*Config, error) {
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", file)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values that cannot be checked by decoding alone.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	if c.Processor.WorkerNum < 1 {
		return errors.Newf("processor.worker_num must be at least 1, got %d", c.Processor.WorkerNum)
	}
	if c.Processor.LimitBurst < 0 || c.Processor.LimitInterval < 0 {
		return errors.New("processor.limit_interval and processor.limit_burst must not be negative")
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.MQTT.QoS > 2 {
		return errors.Newf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if _, err := compressor.ParseContentEncoding(c.MQTT.ContentEncoding); err != nil {
		return errors.Wrap(err, "mqtt.content_encoding")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return errors.New("mqtt.broker is required")
		}
		if c.MQTT.DeviceID == "" {
			return errors.New("mqtt.device_id is required")
		}
	}
	return nil
}

// Logger builds the zap logger described by the configuration.
func (c LogConfig) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, errors.Wrap(err, "log.level")
	}

	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	return zc.Build()
}

// Options maps the configuration to processor options.
func (c ProcessorConfig) Options() []jsonproc.Option {
	opts := []jsonproc.Option{
		jsonproc.WithName(c.Name),
		jsonproc.WithLogResponse(c.LogResponse),
		jsonproc.WithWorkerNum(c.WorkerNum),
		jsonproc.WithTimeout(c.Timeout),
	}

	if c.LimitInterval > 0 && c.LimitBurst > 0 {
		opts = append(opts, jsonproc.WithLimiter(c.LimitInterval, c.LimitBurst))
		if c.LimitWait {
			opts = append(opts, jsonproc.WithLimiterWait())
		} else {
			opts = append(opts, jsonproc.WithLimiterReject())
		}
	}
	return opts
}

// Telemetry maps the configuration to a telemetry.Config.
func (c TelemetryConfig) Telemetry(version string) telemetry.Config {
	return telemetry.Config{
		ServiceName:    c.ServiceName,
		ServiceVersion: version,
		Environment:    c.Environment,
		OTLPEndpoint:   c.OTLPEndpoint,
		Debug:          c.Debug,
		Enabled:        c.Enabled,
	}
}

// StatusTopic returns the topic of the online status of the device.
func (c MQTTConfig) StatusTopic() string {
	return path.Join(c.TopicPrefix, c.DeviceID, "status")
}

// AdapterOptions maps the configuration to MQTT client options. The CA file,
// if set, is read here.
func (c MQTTConfig) AdapterOptions() ([]mqttadapter.Option, error) {
	opts := []mqttadapter.Option{
		mqttadapter.WithDebug(c.Debug),
		mqttadapter.WithKeepAlive(c.KeepAlive),
		mqttadapter.WithRetryInterval(c.RetryInterval),
		mqttadapter.WithMaxReconnectInterval(c.MaxReconnectInterval),
	}

	if c.Username != "" {
		opts = append(opts, mqttadapter.WithUserPass(c.Username, c.Password))
	}

	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, errors.Wrap(err, "read mqtt.ca_file")
		}
		tlsConfig, err := mqttadapter.NewTLSConfig(pem, c.InsecureSkipVerify)
		if err != nil {
			return nil, err
		}
		opts = append(opts, mqttadapter.WithTLSConfig(tlsConfig))
	}

	if c.Status {
		topic := c.StatusTopic()
		opts = append(opts, mqttadapter.WithStatus(topic, []byte("online"), []byte("offline")))
	}

	if c.StoreDir != "" {
		opts = append(opts, mqttadapter.WithFileStore(c.StoreDir))
	}

	return opts, nil
}

// JSONOptions maps the configuration to the options of the MQTT host and client.
func (c MQTTConfig) JSONOptions(tel *telemetry.Telemetry) ([]mqttjson.Option, error) {
	encoding, err := compressor.ParseContentEncoding(c.ContentEncoding)
	if err != nil {
		return nil, err
	}

	opts := []mqttjson.Option{
		mqttjson.WithQoS(c.QoS),
		mqttjson.WithContentEncoding(encoding),
		mqttjson.WithPublishTimeout(c.PublishTimeout),
	}
	if tel != nil {
		opts = append(opts, mqttjson.WithTelemetry(tel))
	}
	return opts, nil
}
