package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xizhibei/go-json-processor/mqttadapter"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()

	file := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return file
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "jsonproc", cfg.Processor.Name)
	assert.Equal(t, 1, cfg.Processor.WorkerNum)
	assert.Equal(t, 10*time.Second, cfg.Processor.Timeout)
	assert.True(t, cfg.HTTP.Enabled)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, int64(1<<20), cfg.HTTP.MaxBodySize)
	assert.False(t, cfg.MQTT.Enabled)
	assert.Equal(t, mqttadapter.DefaultRetryInterval, cfg.MQTT.RetryInterval)
	assert.Equal(t, "plain", cfg.MQTT.ContentEncoding)
	assert.False(t, cfg.Telemetry.Enabled)

	assert.Equal(t, Default(), cfg)
}

func TestLoadTOML(t *testing.T) {
	file := writeConfig(t, "jsonproc.toml", `
[log]
level = "debug"
development = true

[processor]
worker_num = 4
timeout = "250ms"
limit_interval = "1s"
limit_burst = 5
limit_wait = true

[mqtt]
enabled = true
broker = "tcp://broker:1883"
device_id = "dev1"
qos = 1
content_encoding = "gzip"
`)

	cfg, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Development)
	assert.Equal(t, 4, cfg.Processor.WorkerNum)
	assert.Equal(t, 250*time.Millisecond, cfg.Processor.Timeout)
	assert.Equal(t, time.Second, cfg.Processor.LimitInterval)
	assert.Equal(t, 5, cfg.Processor.LimitBurst)
	assert.True(t, cfg.Processor.LimitWait)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.Equal(t, "gzip", cfg.MQTT.ContentEncoding)

	assert.Len(t, cfg.Processor.Options(), 6)
}

func TestLoadYAML(t *testing.T) {
	file := writeConfig(t, "jsonproc.yaml", `
http:
  addr: "127.0.0.1:9000"
  max_body_size: 2048
telemetry:
  enabled: true
  service_name: calc
`)

	cfg, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.HTTP.Addr)
	assert.Equal(t, int64(2048), cfg.HTTP.MaxBodySize)

	tc := cfg.Telemetry.Telemetry("v1.2.3")
	assert.True(t, tc.Enabled)
	assert.Equal(t, "calc", tc.ServiceName)
	assert.Equal(t, "v1.2.3", tc.ServiceVersion)
	assert.Equal(t, "localhost:4317", tc.OTLPEndpoint)
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("JSONPROC_PROCESSOR_WORKER_NUM", "3")
	t.Setenv("JSONPROC_MQTT_TOPIC_PREFIX", "factory")
	t.Setenv("JSONPROC_LOG_LEVEL", "warn")

	file := writeConfig(t, "jsonproc.toml", `
[processor]
worker_num = 2
`)

	cfg, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Processor.WorkerNum)
	assert.Equal(t, "factory", cfg.MQTT.TopicPrefix)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	cases := map[string]string{
		"level":    "[log]\nlevel = \"loud\"\n",
		"workers":  "[processor]\nworker_num = 0\n",
		"qos":      "[mqtt]\nqos = 3\n",
		"encoding": "[mqtt]\ncontent_encoding = \"lzma\"\n",
		"device":   "[mqtt]\nenabled = true\n",
		"burst":    "[processor]\nlimit_burst = -1\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "jsonproc.toml", content))
			assert.Error(t, err)
		})
	}
}

func TestProcessorOptions(t *testing.T) {
	cfg := Default()
	assert.Len(t, cfg.Processor.Options(), 4)

	cfg.Processor.LimitInterval = time.Second
	cfg.Processor.LimitBurst = 1
	assert.Len(t, cfg.Processor.Options(), 6)
}

func TestLogger(t *testing.T) {
	log, err := LogConfig{Level: "debug", Development: true}.Logger()
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zap.DebugLevel))

	_, err = LogConfig{Level: "nope"}.Logger()
	assert.Error(t, err)
}

func TestMQTTOptions(t *testing.T) {
	cfg := Default().MQTT
	cfg.DeviceID = "dev1"
	cfg.Username = "user"
	cfg.Password = "pass"
	cfg.Status = true
	cfg.StoreDir = "jsonproc-store"

	opts, err := cfg.AdapterOptions()
	require.NoError(t, err)
	assert.Len(t, opts, 7)
	assert.Equal(t, "jsonproc/dev1/status", cfg.StatusTopic())

	cfg.CAFile = filepath.Join(t.TempDir(), "missing.pem")
	_, err = cfg.AdapterOptions()
	assert.Error(t, err)

	jsonOpts, err := cfg.JSONOptions(nil)
	require.NoError(t, err)
	assert.Len(t, jsonOpts, 3)

	cfg.ContentEncoding = "lzma"
	_, err = cfg.JSONOptions(nil)
	assert.Error(t, err)
}
