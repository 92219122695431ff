package jsonproc

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNoReply is an error indicating a handler returned without replying.
	ErrNoReply = errors.New("[JSONPROC] empty reply")

	// ErrTooFrequently is an error indicating that the request was made too frequently.
	ErrTooFrequently = errors.New("[JSONPROC] too frequently, try again later")

	// ErrTimeout is an error indicating a timeout occurred.
	ErrTimeout = errors.New("[JSONPROC] timeout")

	// ErrModuleNotLoaded is reported by a processor created without a handler module.
	ErrModuleNotLoaded = errors.New("handler module is not loaded")
)

// ErrorKind classifies a failed request.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindInitialization
	KindMalformedRequest
	KindUnknownType
	KindValidation
	KindComputation
	KindTimeout
	KindRateLimited
)

var kindNames = map[ErrorKind]string{
	KindInternal:         "internal",
	KindInitialization:   "initialization",
	KindMalformedRequest: "malformed_request",
	KindUnknownType:      "unknown_type",
	KindValidation:       "validation",
	KindComputation:      "computation",
	KindTimeout:          "timeout",
	KindRateLimited:      "rate_limited",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Status maps the kind to the status code recorded for the response.
func (k ErrorKind) Status() int {
	switch k {
	case KindMalformedRequest, KindUnknownType, KindValidation, KindComputation:
		return StatusClientError
	case KindTimeout:
		return StatusRequestTimeout
	case KindRateLimited:
		return StatusTooManyRequests
	case KindInitialization:
		return StatusUnavailable
	default:
		return StatusServerError
	}
}

// Error is a request failure reported through the response envelope.
// Fields are merged into the error envelope next to `error`.
type Error struct {
	Kind    ErrorKind
	Message string
	Fields  Fields

	cause error
}

// NewError creates an Error of the given kind with a formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError creates an Error of the given kind whose message is prefixed
// to the message of err.
func WrapError(err error, kind ErrorKind, prefix string) *Error {
	return &Error{
		Kind:    kind,
		Message: prefix + ": " + err.Error(),
		cause:   err,
	}
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// With attaches an extra envelope field to the error.
func (e *Error) With(key string, value interface{}) *Error {
	if e.Fields == nil {
		e.Fields = Fields{}
	}
	e.Fields[key] = value
	return e
}

// KindOf returns the kind of err. Errors that are not an *Error are
// classified by the sentinel they wrap, and default to KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrTooFrequently):
		return KindRateLimited
	default:
		return KindInternal
	}
}
