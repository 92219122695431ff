package jsonproc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// Context represents a single request flowing through the processor.
type Context interface {
	// ID returns the unique identifier of the request.
	ID() string

	// Type returns the request type. It is empty until the request is parsed.
	Type() RequestType

	// Context returns the underlying context.Context.
	Context() context.Context

	// Raw returns the request text as received.
	Raw() []byte

	// Payload returns the parsed request object. Numbers are kept as json.Number.
	Payload() map[string]interface{}

	// Bind decodes the request into the provided struct and validates it.
	Bind(request interface{}) error

	// Reply sends a response message.
	// It returns true if the response was recorded, false if a reply was already sent.
	Reply(res *Response) bool

	// ReplyOK sends a successful response carrying the given envelope fields.
	ReplyOK(fields Fields) bool

	// ReplyError sends an error response. The status is derived from the error kind.
	ReplyError(err error) bool

	// GetResponse returns the response message.
	GetResponse() *Response

	// PrometheusLabels returns the Prometheus labels associated with the request.
	PrometheusLabels() prometheus.Labels
}

// RequestContext is the Context the processor creates for every request.
type RequestContext struct {
	id        string
	raw       []byte
	payload   map[string]interface{}
	reqType   RequestType
	validator *validator.Validate
	ctx       context.Context

	res     *Response   // res is the response object.
	resMu   sync.Mutex  // resMu is a mutex to synchronize access to the response object.
	replyed atomic.Bool // replyed is an atomic boolean flag indicating if a reply has been sent.
}

// NewRequestContext creates a RequestContext for the given request text.
func NewRequestContext(ctx context.Context, raw []byte, v *validator.Validate) *RequestContext {
	if ctx == nil {
		ctx = context.Background()
	}
	return &RequestContext{
		id:        uuid.NewString(),
		raw:       raw,
		validator: v,
		ctx:       ctx,
	}
}

func (c *RequestContext) ID() string {
	return c.id
}

func (c *RequestContext) Type() RequestType {
	return c.reqType
}

// Context returns the context associated with the request.
func (c *RequestContext) Context() context.Context {
	return c.ctx
}

func (c *RequestContext) Raw() []byte {
	return c.raw
}

func (c *RequestContext) Payload() map[string]interface{} {
	return c.payload
}

// parse decodes the request text into a JSON object and resolves its type.
func (c *RequestContext) parse() error {
	dec := json.NewDecoder(bytes.NewReader(c.raw))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("unexpected end of JSON input")
		}
		return WrapError(err, KindMalformedRequest, "Invalid JSON")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return NewError(KindMalformedRequest, "Invalid JSON: extra data after the JSON document")
	}

	obj, ok := v.(map[string]interface{})
	if !ok {
		return NewError(KindMalformedRequest, "Input must be a JSON object")
	}
	c.payload = obj

	t, ok := obj["type"]
	if !ok || t == nil {
		return NewError(KindUnknownType, "Unknown operation type: missing").
			With("available_types", requestTypeNames())
	}

	name, isString := t.(string)
	if !isString {
		b, _ := json.Marshal(t)
		return NewError(KindUnknownType, "Unknown operation type: %s", b).
			With("available_types", requestTypeNames())
	}

	reqType, known := ParseRequestType(name)
	if !known {
		return NewError(KindUnknownType, "Unknown operation type: %s", name).
			With("available_types", requestTypeNames())
	}
	c.reqType = reqType
	return nil
}

// Bind decodes the request into the provided struct and validates it.
//
// Only keys spelled exactly like the json names of request's fields are
// bound, so "Numbers" never stands in for "numbers".
func (c *RequestContext) Bind(request interface{}) error {
	data := c.raw
	if c.payload != nil {
		var err error
		data, err = json.Marshal(exactFields(c.payload, request))
		if err != nil {
			return errors.Wrap(err, "bind request")
		}
	}

	if err := json.Unmarshal(data, request); err != nil {
		return err
	}

	if c.validator == nil {
		return nil
	}
	return c.validator.Struct(request)
}

// exactFields returns the entries of payload whose key is the json name of a
// field of the struct request points to. Payloads for other targets are
// returned unchanged.
func exactFields(payload map[string]interface{}, request interface{}) map[string]interface{} {
	t := reflect.TypeOf(request)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return payload
	}

	out := make(map[string]interface{}, t.NumField())
	collectFields(t, payload, out)
	return out
}

func collectFields(t reflect.Type, payload, out map[string]interface{}) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if f.Anonymous && name == "" {
			ft := f.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				collectFields(ft, payload, out)
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		if v, ok := payload[name]; ok {
			out[name] = v
		}
	}
}

// Reply records the response.
// If the reply has already been sent, it returns false.
func (c *RequestContext) Reply(res *Response) bool {
	c.resMu.Lock()
	defer c.resMu.Unlock()

	if !c.replyed.CompareAndSwap(false, true) {
		return false
	}
	c.res = res

	return true
}

// ReplyOK sends a successful response with the given fields.
func (c *RequestContext) ReplyOK(fields Fields) bool {
	return c.Reply(&Response{
		Status: StatusOK,
		Result: fields,
	})
}

// ReplyError sends an error response with the status of the error kind.
func (c *RequestContext) ReplyError(err error) bool {
	return c.Reply(&Response{
		Status: KindOf(err).Status(),
		Error:  err,
	})
}

// GetResponse returns the response associated with the context.
func (c *RequestContext) GetResponse() *Response {
	c.resMu.Lock()
	defer c.resMu.Unlock()
	return c.res
}

func (c *RequestContext) PrometheusLabels() prometheus.Labels {
	reqType := string(c.reqType)
	if reqType == "" {
		reqType = "none"
	}
	return prometheus.Labels{
		"type": reqType,
	}
}

// Handler represents a request family handler.
// Method is the function to be executed when handling the request.
// Timeout is the maximum duration allowed for the request to complete, zero means no limit.
type Handler struct {
	Method  func(c Context)
	Timeout time.Duration
}
