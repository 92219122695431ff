package jsonproc

import (
	"context"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Jeffail/tunny"
	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/xizhibei/go-json-processor/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

// Processor dispatches JSON requests to the handlers of a Module and encodes
// every outcome as a response envelope.
//
// The processor owns all of its state: handlers, validator, worker pool and
// clock are created once in New and shared by every call. Nothing a handler
// sees is carried over from one request to the next.
type Processor struct {
	log        *zap.SugaredLogger
	handlerMap map[RequestType]*Handler
	handlerMu  sync.RWMutex

	cbList       []OnAfterResponseCallback
	afterResPool sync.Pool

	options    *processorOptions
	workerPool *tunny.Pool
	limiter    *rate.Limiter
	validator  *validator.Validate
	telemetry  *telemetry.Telemetry

	initialized atomic.Bool
	closed      atomic.Bool
	lastError   atomic.String
}

// New creates a processor serving the handlers of module.
//
// New never fails. When module is nil, misses a request family, or the
// processor cannot set up its runtime, the processor stays uninitialized:
// IsInitialized reports false, LastError describes the cause and every
// request is answered with an error envelope.
func New(module Module, options ...Option) *Processor {
	o := processorOptions{
		name:          uuid.NewString(),
		workerNum:     1,
		limiterReject: true,
		clock:         time.Now,
	}

	for _, option := range options {
		option(&o)
	}

	if o.workerNum <= 0 {
		o.workerNum = 1
	}
	if o.clock == nil {
		o.clock = time.Now
	}

	p := &Processor{
		log:        zap.S().With("module", "jsonproc.processor"),
		handlerMap: make(map[RequestType]*Handler),
		options:    &o,
		validator:  o.validator,
		telemetry:  o.telemetry,

		afterResPool: sync.Pool{
			New: func() interface{} {
				return new(AfterResponseEvent)
			},
		},
		workerPool: tunny.NewCallback(o.workerNum),
	}

	if o.limiterDuration > 0 && o.limiterCount > 0 {
		p.limiter = rate.NewLimiter(rate.Every(o.limiterDuration), o.limiterCount)
	}

	if p.validator == nil {
		p.validator = NewValidator()
	}

	if p.telemetry == nil {
		tel, err := telemetry.NewNoop()
		if err != nil {
			p.fail(errors.Wrap(err, "init telemetry"))
			return p
		}
		p.telemetry = tel
	}

	p.load(module)

	return p
}

func (p *Processor) load(m Module) {
	if m == nil {
		p.fail(ErrModuleNotLoaded)
		return
	}

	handlers := m.Handlers()

	var missing []string
	for _, t := range RequestTypes {
		hdl, ok := handlers[t]
		if !ok || hdl == nil || hdl.Method == nil {
			missing = append(missing, string(t))
		}
	}
	if len(missing) > 0 {
		p.fail(errors.Newf("handler module %s does not provide handlers for: %s", m.Name(), strings.Join(missing, ", ")))
		return
	}

	for t, hdl := range handlers {
		p.Register(t, hdl)
	}

	p.lastError.Store("")
	p.initialized.Store(true)
	p.log.Infof("Handler module %s loaded", m.Name())
}

func (p *Processor) fail(err error) {
	p.lastError.Store(err.Error())
	p.initialized.Store(false)
	p.log.Errorf("Processor initialization failed: %v", err)
}

// IsInitialized reports whether the processor is ready to serve requests.
func (p *Processor) IsInitialized() bool {
	return p.initialized.Load() && !p.closed.Load()
}

// LastError returns the initialization failure, or an empty string.
func (p *Processor) LastError() string {
	return p.lastError.Load()
}

// Name returns the processor name.
func (p *Processor) Name() string {
	return p.options.name
}

// Register registers the handler of a request type.
// If the type is already registered, it will be overridden.
func (p *Processor) Register(t RequestType, hdl *Handler) {
	p.handlerMu.Lock()
	defer p.handlerMu.Unlock()

	if _, ok := p.handlerMap[t]; ok {
		p.log.Warnf("Request type %s already registered, will override", t)
	}

	p.handlerMap[t] = hdl
	p.log.Debugf("Request type %s registered", t)
}

// Close stops the worker pool. Requests processed afterwards are answered with
// an error envelope.
func (p *Processor) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.lastError.Store("processor is closed")
	p.workerPool.Close()
	return nil
}

// Process handles one request and returns its response envelope.
func (p *Processor) Process(requestText string) string {
	return p.ProcessContext(context.Background(), requestText)
}

// ProcessContext handles one request and returns its response envelope.
// The context bounds the limiter wait and the dispatch, and carries the trace
// of the request.
// The returned string is always a JSON object with `success` and `timestamp`.
func (p *Processor) ProcessContext(ctx context.Context, requestText string) string {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	var span trace.Span
	if p.telemetry != nil {
		ctx, span = p.telemetry.StartSpan(ctx, "JSONProc.Process")
		defer span.End()
	}

	c := NewRequestContext(ctx, []byte(requestText), p.validator)
	p.call(c)

	res := c.GetResponse()
	if res == nil {
		res = &Response{Status: StatusServerError, Error: ErrNoReply}
	}

	if span != nil {
		span.SetAttributes(
			attribute.String("jsonproc.request_id", c.ID()),
			attribute.String("jsonproc.type", string(c.Type())),
			attribute.Int("jsonproc.status", res.Status),
		)
		if res.Error != nil {
			span.RecordError(res.Error)
			span.SetStatus(codes.Error, res.Error.Error())
		}
	}

	p.afterResponse(c, res, time.Since(start))

	return encodeEnvelope(res, p.options.clock())
}

// Envelope encodes err as an error envelope, for hosts that reject a payload
// before it reaches the processor.
func (p *Processor) Envelope(err error) string {
	return encodeEnvelope(&Response{
		Status: KindOf(err).Status(),
		Error:  err,
	}, p.options.clock())
}

func (p *Processor) call(c *RequestContext) {
	if !p.IsInitialized() {
		c.ReplyError(NewError(KindInitialization, "Processor not initialized: %s", p.LastError()))
		return
	}

	if p.limiter != nil {
		if p.options.limiterReject {
			if !p.limiter.Allow() {
				c.ReplyError(ErrTooFrequently)
				return
			}
		} else if err := p.limiter.Wait(c.Context()); err != nil {
			c.ReplyError(errors.WithSecondaryError(ErrTimeout, err))
			return
		}
	}

	if err := c.parse(); err != nil {
		c.ReplyError(err)
		return
	}

	p.handlerMu.RLock()
	hdl, ok := p.handlerMap[c.Type()]
	p.handlerMu.RUnlock()
	if !ok {
		c.ReplyError(NewError(KindUnknownType, "Unknown operation type: %s", c.Type()).
			With("available_types", requestTypeNames()))
		return
	}

	job := func() {
		defer func() {
			if i := recover(); i != nil {
				err := NewError(KindInternal, "Processing error: panic in %s handler: %v", c.Type(), i)
				p.log.Desugar().WithOptions(zap.AddStacktrace(zapcore.ErrorLevel)).Sugar().Error(err)
				c.ReplyError(err)
			}
		}()

		hdl.Method(c)

		// If the send is successful, it means that the handler did not reply with any message.
		if c.ReplyError(ErrNoReply) {
			p.log.Warnf("Handler %s no reply", c.Type())
		}
	}

	ctx := c.Context()
	if timeout := p.effectiveTimeout(hdl); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// ProcessCtx reports a pool closed by a concurrent Close as an error
	// instead of panicking like Process.
	_, err := p.workerPool.ProcessCtx(ctx, job)
	switch {
	case err == nil:
	case errors.Is(err, tunny.ErrPoolNotRunning):
		c.ReplyError(NewError(KindInitialization, "Processor not initialized: processor is closed"))
	case errors.Is(err, tunny.ErrJobTimedOut),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		c.ReplyError(errors.WithSecondaryError(ErrTimeout, err))
	default:
		c.ReplyError(WrapError(err, KindInternal, "Processing error"))
	}
}

// HandlerTimeout returns the time limit applied to requests of type t: the
// handler's own timeout, else the processor timeout. Zero means no limit.
func (p *Processor) HandlerTimeout(t RequestType) time.Duration {
	p.handlerMu.RLock()
	hdl, ok := p.handlerMap[t]
	p.handlerMu.RUnlock()
	if !ok {
		return 0
	}
	return p.effectiveTimeout(hdl)
}

func (p *Processor) effectiveTimeout(hdl *Handler) time.Duration {
	if hdl.Timeout > 0 {
		return hdl.Timeout
	}
	return p.options.timeout
}

// AfterResponseEvent describes a finished request.
type AfterResponseEvent struct {
	RequestID string
	Labels    prometheus.Labels
	Duration  time.Duration
	Res       *Response
}

// OnAfterResponseCallback is a function type that represents a callback function
// to be executed after a response is produced.
type OnAfterResponseCallback func(e *AfterResponseEvent)

// OnAfterResponse registers a callback function to be executed after each response.
// Callbacks must be registered before the processor serves requests.
func (p *Processor) OnAfterResponse(cb OnAfterResponseCallback) {
	p.cbList = append(p.cbList, cb)
}

func (p *Processor) afterResponse(c *RequestContext, res *Response, duration time.Duration) {
	if p.options.logResponse {
		p.log.Infof("Response to %s (%s) [%d] (%v)", c.ID(), c.Type(), res.Status, duration.Round(time.Millisecond))
	}

	if p.telemetry != nil {
		outcome := telemetry.OutcomeOK
		if res.Error != nil {
			outcome = KindOf(res.Error).String()
		}
		p.telemetry.RecordRequest(c.Context(), duration, string(c.Type()), outcome)
	}

	evt := p.afterResPool.Get().(*AfterResponseEvent)
	evt.RequestID = c.ID()
	evt.Labels = c.PrometheusLabels()
	evt.Duration = duration
	evt.Res = res

	p.emitAfterResponse(evt)
}

func (p *Processor) emitAfterResponse(e *AfterResponseEvent) {
	for _, cb := range p.cbList {
		cb(e)
	}
	*e = AfterResponseEvent{}
	p.afterResPool.Put(e)
}

// RegisterMetrics registers metrics for monitoring the response time and error count.
// responseTime must be partitioned by the labels name, status and type;
// errorCount by name, status, type and message. Either may be nil.
func (p *Processor) RegisterMetrics(responseTime *prometheus.HistogramVec, errorCount *prometheus.GaugeVec) {
	p.OnAfterResponse(func(e *AfterResponseEvent) {
		status := "0"
		if e.Res != nil {
			status = strconv.FormatInt(int64(e.Res.Status), 10)
		}

		labels := prometheus.Labels{
			"name":   p.options.name,
			"status": status,
		}
		for k, v := range e.Labels {
			labels[k] = v
		}

		if responseTime != nil {
			responseTime.
				With(labels).
				Observe(e.Duration.Seconds())
		}

		if e.Res != nil && e.Res.Error != nil && errorCount != nil {
			labels["message"] = e.Res.Error.Error()
			errorCount.
				With(labels).
				Inc()
		}
	})
}

// NewValidator returns the validator used by default for Context.Bind.
// Field errors are reported with their json names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		switch name {
		case "-":
			return ""
		case "":
			return fld.Name
		}
		return name
	})
	return v
}
