package jsonproc_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	jsonproc "github.com/xizhibei/go-json-processor"
	"github.com/xizhibei/go-json-processor/telemetry"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

type testModule struct {
	handlers map[jsonproc.RequestType]*jsonproc.Handler
}

func (m *testModule) Name() string {
	return "test"
}

func (m *testModule) Handlers() map[jsonproc.RequestType]*jsonproc.Handler {
	return m.handlers
}

func echoHandler(c jsonproc.Context) {
	c.ReplyOK(jsonproc.Fields{"result": "ok", "echoed_data": c.Payload()})
}

// newTestModule returns a module answering every family with echoHandler,
// with the given handlers taking precedence.
func newTestModule(overrides map[jsonproc.RequestType]*jsonproc.Handler) *testModule {
	m := &testModule{handlers: map[jsonproc.RequestType]*jsonproc.Handler{}}
	for _, t := range jsonproc.RequestTypes {
		m.handlers[t] = &jsonproc.Handler{Method: echoHandler}
	}
	for t, hdl := range overrides {
		m.handlers[t] = hdl
	}
	return m
}

type ProcessorTestSuite struct {
	suite.Suite
	now time.Time
}

func (suite *ProcessorTestSuite) SetupSuite() {
	log, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(log)

	suite.now = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
}

func (suite *ProcessorTestSuite) newProcessor(m jsonproc.Module, options ...jsonproc.Option) *jsonproc.Processor {
	options = append([]jsonproc.Option{
		jsonproc.WithClock(func() time.Time { return suite.now }),
	}, options...)
	p := jsonproc.New(m, options...)
	suite.T().Cleanup(func() { _ = p.Close() })
	return p
}

func (suite *ProcessorTestSuite) decode(out string) map[string]interface{} {
	var res map[string]interface{}
	suite.Require().NoError(json.Unmarshal([]byte(out), &res), out)
	return res
}

func (suite *ProcessorTestSuite) TestEnvelope() {
	p := suite.newProcessor(newTestModule(nil))
	suite.True(p.IsInitialized())

	res := suite.decode(p.Process(`{"type": "math", "n": 1}`))
	suite.Equal(true, res["success"])
	suite.Equal("ok", res["result"])
	suite.Equal("2024-01-02T03:04:05Z", res["timestamp"])
	suite.Equal(map[string]interface{}{"type": "math", "n": 1.0}, res["echoed_data"])
}

func (suite *ProcessorTestSuite) TestMalformedRequests() {
	p := suite.newProcessor(newTestModule(nil))

	cases := map[string]string{
		``:                         "Invalid JSON",
		`{"type": "math"`:          "Invalid JSON",
		`{"type": "echo"} {}`:      "Invalid JSON: extra data",
		`[1, 2, 3]`:                "Input must be a JSON object",
		`"echo"`:                   "Input must be a JSON object",
		`{"operation": "add"}`:     "Unknown operation type: missing",
		`{"type": null}`:           "Unknown operation type: missing",
		`{"type": "video"}`:        "Unknown operation type: video",
		`{"type": 7}`:              "Unknown operation type: 7",
		`{"type": "Math"}`:         "Unknown operation type: Math",
	}

	for request, msg := range cases {
		res := suite.decode(p.Process(request))
		suite.Equal(false, res["success"], request)
		suite.Contains(res["error"], msg, request)
		suite.Contains(res, "timestamp")
	}

	res := suite.decode(p.Process(`{"type": "video"}`))
	suite.Equal([]interface{}{"math", "text", "data", "echo"}, res["available_types"])
}

func (suite *ProcessorTestSuite) TestNotInitialized() {
	p := suite.newProcessor(nil)
	suite.False(p.IsInitialized())
	suite.Equal("handler module is not loaded", p.LastError())

	res := suite.decode(p.Process(`{"type": "echo"}`))
	suite.Equal(false, res["success"])
	suite.Equal("Processor not initialized: handler module is not loaded", res["error"])

	m := newTestModule(nil)
	delete(m.handlers, jsonproc.TypeEcho)
	p = suite.newProcessor(m)
	suite.False(p.IsInitialized())
	suite.Contains(p.LastError(), "echo")

	res = suite.decode(p.Process(`{"type": "math"}`))
	suite.Contains(res["error"], "Processor not initialized")
}

func (suite *ProcessorTestSuite) TestClose() {
	p := suite.newProcessor(newTestModule(nil))
	suite.NoError(p.Close())
	suite.NoError(p.Close())
	suite.False(p.IsInitialized())

	res := suite.decode(p.Process(`{"type": "echo"}`))
	suite.Equal("Processor not initialized: processor is closed", res["error"])
}

func (suite *ProcessorTestSuite) TestHandlerPanic() {
	p := suite.newProcessor(newTestModule(map[jsonproc.RequestType]*jsonproc.Handler{
		jsonproc.TypeText: {Method: func(c jsonproc.Context) {
			panic(fmt.Errorf("boom"))
		}},
	}))

	res := suite.decode(p.Process(`{"type": "text"}`))
	suite.Equal(false, res["success"])
	suite.Contains(res["error"], "Processing error")
	suite.Contains(res["error"], "boom")

	res = suite.decode(p.Process(`{"type": "echo"}`))
	suite.Equal(true, res["success"])
}

func (suite *ProcessorTestSuite) TestHandlerNoReply() {
	p := suite.newProcessor(newTestModule(map[jsonproc.RequestType]*jsonproc.Handler{
		jsonproc.TypeData: {Method: func(c jsonproc.Context) {}},
	}))

	res := suite.decode(p.Process(`{"type": "data"}`))
	suite.Equal(false, res["success"])
	suite.Equal(jsonproc.ErrNoReply.Error(), res["error"])
}

func (suite *ProcessorTestSuite) TestReplyOnce() {
	p := suite.newProcessor(newTestModule(map[jsonproc.RequestType]*jsonproc.Handler{
		jsonproc.TypeData: {Method: func(c jsonproc.Context) {
			suite.True(c.ReplyOK(jsonproc.Fields{"result": "first"}))
			suite.False(c.ReplyOK(jsonproc.Fields{"result": "second"}))
			suite.False(c.ReplyError(fmt.Errorf("third")))
		}},
	}))

	res := suite.decode(p.Process(`{"type": "data"}`))
	suite.Equal("first", res["result"])
}

func (suite *ProcessorTestSuite) TestTimeout() {
	release := make(chan struct{})
	defer close(release)

	p := suite.newProcessor(newTestModule(map[jsonproc.RequestType]*jsonproc.Handler{
		jsonproc.TypeMath: {
			Timeout: 20 * time.Millisecond,
			Method: func(c jsonproc.Context) {
				<-release
				c.ReplyOK(jsonproc.Fields{"result": "late"})
			},
		},
	}), jsonproc.WithWorkerNum(2))

	res := suite.decode(p.Process(`{"type": "math"}`))
	suite.Equal(false, res["success"])
	suite.Equal(jsonproc.ErrTimeout.Error(), res["error"])
}

func (suite *ProcessorTestSuite) TestLimiterReject() {
	p := suite.newProcessor(newTestModule(nil), jsonproc.WithLimiter(time.Hour, 1))

	res := suite.decode(p.Process(`{"type": "echo"}`))
	suite.Equal(true, res["success"])

	res = suite.decode(p.Process(`{"type": "echo"}`))
	suite.Equal(false, res["success"])
	suite.Equal(jsonproc.ErrTooFrequently.Error(), res["error"])
}

func (suite *ProcessorTestSuite) TestLimiterWait() {
	p := suite.newProcessor(newTestModule(nil),
		jsonproc.WithLimiter(time.Hour, 1),
		jsonproc.WithLimiterWait(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res := suite.decode(p.ProcessContext(ctx, `{"type": "echo"}`))
	suite.Equal(true, res["success"])

	res = suite.decode(p.ProcessContext(ctx, `{"type": "echo"}`))
	suite.Equal(false, res["success"])
	suite.Equal(jsonproc.ErrTimeout.Error(), res["error"])
}

func (suite *ProcessorTestSuite) TestIsolation() {
	p := suite.newProcessor(newTestModule(nil), jsonproc.WithWorkerNum(4))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out := p.Process(fmt.Sprintf(`{"type": "echo", "i": %d}`, i))

			var res map[string]interface{}
			if err := json.Unmarshal([]byte(out), &res); err != nil {
				suite.Fail(err.Error())
				return
			}
			echoed, _ := res["echoed_data"].(map[string]interface{})
			suite.Equal(float64(i), echoed["i"])
		}(i)
	}
	wg.Wait()
}

func (suite *ProcessorTestSuite) TestRegisterOverride() {
	p := suite.newProcessor(newTestModule(nil))
	p.Register(jsonproc.TypeEcho, &jsonproc.Handler{Method: func(c jsonproc.Context) {
		c.ReplyOK(jsonproc.Fields{"result": "overridden"})
	}})

	res := suite.decode(p.Process(`{"type": "echo"}`))
	suite.Equal("overridden", res["result"])
}

func (suite *ProcessorTestSuite) TestAfterResponse() {
	p := suite.newProcessor(newTestModule(nil), jsonproc.WithLogResponse(true))

	var events []jsonproc.AfterResponseEvent
	p.OnAfterResponse(func(e *jsonproc.AfterResponseEvent) {
		events = append(events, *e)
	})

	p.Process(`{"type": "text"}`)
	p.Process(`not json`)

	suite.Require().Len(events, 2)
	suite.NotEmpty(events[0].RequestID)
	suite.Equal(prometheus.Labels{"type": "text"}, events[0].Labels)
	suite.Equal(jsonproc.StatusOK, events[0].Res.Status)
	suite.Equal(prometheus.Labels{"type": "none"}, events[1].Labels)
	suite.Equal(jsonproc.StatusClientError, events[1].Res.Status)
}

func (suite *ProcessorTestSuite) TestRegisterMetrics() {
	p := suite.newProcessor(newTestModule(nil), jsonproc.WithName("metrics-test"))

	responseTime := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "jsonproc_response_time_seconds",
	}, []string{"name", "status", "type"})
	errorCount := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jsonproc_error_count",
	}, []string{"name", "status", "type", "message"})

	p.RegisterMetrics(responseTime, errorCount)

	p.Process(`{"type": "echo"}`)
	p.Process(`{"type": "nope"}`)
	p.Process(`{"type": "nope"}`)

	suite.Equal(2, testutil.CollectAndCount(responseTime))
	suite.Equal(1, testutil.CollectAndCount(errorCount))
	suite.Equal(2.0, testutil.ToFloat64(errorCount.WithLabelValues(
		"metrics-test", "400", "none", "Unknown operation type: nope",
	)))
}

func (suite *ProcessorTestSuite) TestTelemetry() {
	tel := telemetry.NewTestTelemetry(suite.T())
	p := suite.newProcessor(newTestModule(nil), jsonproc.WithTelemetry(tel.Telemetry))

	suite.decode(p.Process(`{"type":"echo"}`))
	suite.decode(p.Process(`{"type":"nope"}`))

	spans := tel.EndedSpans()
	suite.Require().Len(spans, 2)
	suite.Equal("JSONProc.Process", spans[0].Name())
	suite.Equal(codes.Unset, spans[0].Status().Code)
	suite.Equal(codes.Error, spans[1].Status().Code)
	suite.Equal("Unknown operation type: nope", spans[1].Status().Description)

	var rm metricdata.ResourceMetrics
	suite.Require().NoError(tel.GetReader().Collect(context.Background(), &rm))

	var failures int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok && m.Name == telemetry.FailureMetric {
				for _, dp := range sum.DataPoints {
					outcome, _ := dp.Attributes.Value("jsonproc.outcome")
					suite.Equal("unknown_type", outcome.AsString())
					failures += dp.Value
				}
			}
		}
	}
	suite.Equal(int64(1), failures)
}

func (suite *ProcessorTestSuite) TestCustomValidator() {
	v := jsonproc.NewValidator()
	suite.Require().NoError(v.RegisterValidation("short", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= 3
	}))

	type shortText struct {
		Text string `json:"text" validate:"short"`
	}
	p := suite.newProcessor(newTestModule(map[jsonproc.RequestType]*jsonproc.Handler{
		jsonproc.TypeText: {Method: func(c jsonproc.Context) {
			var req shortText
			if err := c.Bind(&req); err != nil {
				c.ReplyError(jsonproc.WrapError(err, jsonproc.KindValidation, "Invalid request"))
				return
			}
			c.ReplyOK(jsonproc.Fields{"result": req.Text})
		}},
	}), jsonproc.WithValidator(v))

	res := suite.decode(p.Process(`{"type": "text", "text": "abc"}`))
	suite.Equal(true, res["success"])
	suite.Equal("abc", res["result"])

	res = suite.decode(p.Process(`{"type": "text", "text": "abcd"}`))
	suite.Equal(false, res["success"])
	suite.Contains(res["error"], "Invalid request")
	suite.Contains(res["error"], "short")
}

func TestProcessor(t *testing.T) {
	suite.Run(t, new(ProcessorTestSuite))
}
