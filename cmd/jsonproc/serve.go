package main

import (
	"context"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	jsonproc "github.com/xizhibei/go-json-processor"
	"github.com/xizhibei/go-json-processor/config"
	"github.com/xizhibei/go-json-processor/httpapi"
	"github.com/xizhibei/go-json-processor/internal/console"
	"github.com/xizhibei/go-json-processor/mqttadapter"
	"github.com/xizhibei/go-json-processor/mqttjson"
	"github.com/xizhibei/go-json-processor/telemetry"
	"go.uber.org/zap"
)

func registerMetrics(processor *jsonproc.Processor) {
	responseTime := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "jsonproc",
		Name:      "response_time_seconds",
		Help:      "Time spent processing a request.",
	}, []string{"name", "status", "type"})
	errorCount := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "jsonproc",
		Name:      "errors",
		Help:      "Number of failed requests.",
	}, []string{"name", "status", "type", "message"})

	prometheus.MustRegister(responseTime, errorCount)
	processor.RegisterMetrics(responseTime, errorCount)
}

func newMQTTClient(cfg config.MQTTConfig) (mqttadapter.MQTTClientAdapter, error) {
	opts, err := cfg.AdapterOptions()
	if err != nil {
		return nil, err
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "jsonproc-" + uuid.NewString()
	}
	return mqttadapter.New(cfg.Broker, clientID, opts...)
}

// serve runs the enabled hosts until ctx is done or one of them fails.
func serve(ctx context.Context, cfg *config.Config, processor *jsonproc.Processor, tel *telemetry.Telemetry) error {
	log := zap.S().With("module", "jsonproc.cmd")

	if !cfg.HTTP.Enabled && !cfg.MQTT.Enabled {
		return errors.New("neither http nor mqtt is enabled")
	}

	registerMetrics(processor)
	errCh := make(chan error, 1)

	if cfg.HTTP.Enabled {
		if !cfg.Log.Development {
			gin.SetMode(gin.ReleaseMode)
		}
		httpServer := httpapi.New(processor, httpapi.WithMaxBodySize(cfg.HTTP.MaxBodySize))
		go func() {
			if err := httpServer.ListenAndServe(cfg.HTTP.Addr); err != nil {
				errCh <- errors.Wrap(err, "http")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Errorf("Shutdown http: %v", err)
			}
		}()
	}

	if cfg.MQTT.Enabled {
		client, err := newMQTTClient(cfg.MQTT)
		if err != nil {
			return err
		}
		opts, err := cfg.MQTT.JSONOptions(tel)
		if err != nil {
			return err
		}
		mqttServer := mqttjson.NewServer(client, processor, cfg.MQTT.TopicPrefix, cfg.MQTT.DeviceID, opts...)
		log.Infof("Serving mqtt requests on %s", mqttServer.SubscribeTopic())
		defer mqttServer.Close()
	}

	select {
	case <-ctx.Done():
		log.Infof("Shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

// runRemote sends the request to a device over MQTT and prints its envelope.
func runRemote(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, f *flags, stdin io.Reader, stdout io.Writer, renderer *console.Renderer) int {
	request, err := readRequest(f, stdin)
	if err != nil {
		renderer.Error("Load request: %v", err)
		return 1
	}

	client, err := newMQTTClient(cfg.MQTT)
	if err != nil {
		renderer.Error("Create mqtt client: %v", err)
		return 1
	}
	opts, err := cfg.MQTT.JSONOptions(tel)
	if err != nil {
		renderer.Error("%v", err)
		return 1
	}

	remote := mqttjson.NewClient(client, cfg.MQTT.TopicPrefix, opts...)
	defer remote.Close()

	ctx, cancel := context.WithTimeout(ctx, cfg.MQTT.PublishTimeout)
	defer cancel()

	if err := remote.WaitConnected(ctx); err != nil {
		renderer.Error("Connect %s: %v", cfg.MQTT.Broker, err)
		return 1
	}

	envelope, err := remote.Call(ctx, f.remote, request)
	if err != nil {
		renderer.Error("Call %s: %v", f.remote, err)
		return 1
	}
	return writeEnvelope(envelope, f.out, stdout, renderer)
}
