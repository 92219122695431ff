package jsonproc

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
)

// TimestampLayout is the layout of the `timestamp` envelope field.
const TimestampLayout = time.RFC3339Nano

// Fields holds the handler-specific members of a response envelope.
type Fields map[string]interface{}

// Response represents a response message.
// Result holds the envelope fields of a successful reply.
// Error holds any error that occurred during the request.
// Status holds the status code of the response.
type Response struct {
	Result interface{}
	Error  error
	Status int
}

// Float is a float64 that always encodes with a fractional part,
// so 30 is written as 30.0.
type Float float64

// MarshalJSON implements json.Marshaler.
func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, errors.Newf("unsupported float value: %v", v)
	}

	abs := math.Abs(v)
	format := byte('f')
	if abs != 0 && (abs < 1e-6 || abs >= 1e21) {
		format = 'e'
	}

	b := strconv.AppendFloat(nil, v, format, -1, 64)
	if format == 'f' {
		for _, c := range b {
			if c == '.' {
				return b, nil
			}
		}
		b = append(b, '.', '0')
	}
	return b, nil
}

// encodeEnvelope serializes res into the uniform envelope. It never fails: an
// envelope that cannot be encoded is replaced by an error envelope.
func encodeEnvelope(res *Response, now time.Time) string {
	body := Fields{}

	if res == nil {
		res = &Response{Status: StatusServerError, Error: ErrNoReply}
	}

	if res.Error == nil {
		if fields, ok := res.Result.(Fields); ok {
			for k, v := range fields {
				body[k] = v
			}
		} else if res.Result != nil {
			body["result"] = res.Result
		}
		body["success"] = true
	} else {
		var e *Error
		if errors.As(res.Error, &e) {
			for k, v := range e.Fields {
				body[k] = v
			}
		}
		body["success"] = false
		body["error"] = res.Error.Error()
	}
	body["timestamp"] = now.UTC().Format(TimestampLayout)

	data, err := json.Marshal(body)
	if err != nil {
		data, _ = json.Marshal(Fields{
			"success":   false,
			"error":     "Failed to encode response: " + err.Error(),
			"timestamp": now.UTC().Format(TimestampLayout),
		})
	}
	return string(data)
}
