package jsonproc

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloatMarshalJSON(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{30, "30.0"},
		{0, "0.0"},
		{-2, "-2.0"},
		{1.5, "1.5"},
		{31.875, "31.875"},
		{1e-7, "1e-07"},
		{1e21, "1e+21"},
		{123456789, "123456789.0"},
	}

	for _, tc := range cases {
		b, err := json.Marshal(Float(tc.in))
		require.NoError(t, err)
		assert.Equal(t, tc.want, string(b), "%v", tc.in)
	}

	_, err := json.Marshal(Float(math.NaN()))
	assert.Error(t, err)
	_, err = json.Marshal(Float(math.Inf(1)))
	assert.Error(t, err)
}

func decodeEnvelope(t *testing.T, s string) map[string]interface{} {
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(s), &body), s)
	return body
}

func TestEncodeEnvelope(t *testing.T) {
	now := time.Date(2024, 5, 6, 7, 8, 9, 123000000, time.FixedZone("CST", 8*3600))
	timestamp := "2024-05-05T23:08:09.123Z"

	body := decodeEnvelope(t, encodeEnvelope(&Response{
		Status: StatusOK,
		Result: Fields{"result": Float(2), "operation": "sqrt"},
	}, now))
	assert.Equal(t, map[string]interface{}{
		"result":    2.0,
		"operation": "sqrt",
		"success":   true,
		"timestamp": timestamp,
	}, body)

	body = decodeEnvelope(t, encodeEnvelope(&Response{Status: StatusOK, Result: "plain"}, now))
	assert.Equal(t, "plain", body["result"])
	assert.Equal(t, true, body["success"])

	body = decodeEnvelope(t, encodeEnvelope(&Response{
		Status: StatusClientError,
		Error:  NewError(KindValidation, "Unknown math operation: %s", "x").With("available_operations", []string{"add"}),
	}, now))
	assert.Equal(t, map[string]interface{}{
		"error":                "Unknown math operation: x",
		"available_operations": []interface{}{"add"},
		"success":              false,
		"timestamp":            timestamp,
	}, body)

	body = decodeEnvelope(t, encodeEnvelope(nil, now))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, ErrNoReply.Error(), body["error"])

	body = decodeEnvelope(t, encodeEnvelope(&Response{
		Status: StatusOK,
		Result: Fields{"result": Float(math.Inf(1))},
	}, now))
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], "Failed to encode response")
	assert.Equal(t, timestamp, body["timestamp"])
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("x")))
	assert.Equal(t, KindTimeout, KindOf(errors.Wrap(ErrTimeout, "job")))
	assert.Equal(t, KindTimeout, KindOf(errors.WithSecondaryError(ErrTimeout, errors.New("deadline"))))
	assert.Equal(t, KindRateLimited, KindOf(ErrTooFrequently))
	assert.Equal(t, KindComputation, KindOf(errors.Wrap(NewError(KindComputation, "bad"), "ctx")))

	assert.Equal(t, StatusClientError, KindValidation.Status())
	assert.Equal(t, StatusRequestTimeout, KindTimeout.Status())
	assert.Equal(t, StatusTooManyRequests, KindRateLimited.Status())
	assert.Equal(t, StatusUnavailable, KindInitialization.Status())
	assert.Equal(t, StatusServerError, KindInternal.Status())

	assert.Equal(t, "validation", KindValidation.String())
	assert.Equal(t, "kind(42)", ErrorKind(42).String())

	cause := errors.New("unexpected EOF")
	err := WrapError(cause, KindMalformedRequest, "Invalid JSON")
	assert.Equal(t, "Invalid JSON: unexpected EOF", err.Error())
	assert.True(t, errors.Is(err, cause))
}

func TestParseRequestType(t *testing.T) {
	for _, name := range []string{"math", "text", "data", "echo"} {
		rt, ok := ParseRequestType(name)
		assert.True(t, ok)
		assert.Equal(t, RequestType(name), rt)
	}

	_, ok := ParseRequestType("MATH")
	assert.False(t, ok)
	_, ok = ParseRequestType("")
	assert.False(t, ok)
}
