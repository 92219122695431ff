package ops

import (
	"encoding/json"
	"math"
	"strings"

	jsonproc "github.com/xizhibei/go-json-processor"
)

// MathOperation is an operation of the math family.
type MathOperation string

const (
	MathAdd      MathOperation = "add"
	MathMultiply MathOperation = "multiply"
	MathMean     MathOperation = "mean"
	MathSqrt     MathOperation = "sqrt"
	MathPower    MathOperation = "power"
)

// MathOperations lists the operations of the math family.
var MathOperations = []string{
	string(MathAdd),
	string(MathMultiply),
	string(MathMean),
	string(MathSqrt),
	string(MathPower),
}

// MathRequest is the payload of a math request.
type MathRequest struct {
	Numbers   []float64 `json:"numbers" validate:"required,min=1"`
	Operation string    `json:"operation"`
}

var mathFields = fieldMessages{
	"numbers": {
		Missing: "Numbers array is required for math operations",
		Invalid: "Numbers array must contain only numbers",
	},
	"operation": {Missing: "Operation field must be a string"},
}

// HandleMath handles requests of the math family.
func HandleMath(c jsonproc.Context) {
	var req MathRequest
	if err := bind(c, &req, mathFields); err != nil {
		c.ReplyError(err)
		return
	}

	result, err := Compute(MathOperation(req.Operation), req.Numbers)
	if err != nil {
		c.ReplyError(err)
		return
	}

	// Echo the literals of the payload; req.Numbers has been rounded to float64.
	inputs, ok := c.Payload()["numbers"].([]interface{})
	if !ok {
		inputs = make([]interface{}, len(req.Numbers))
		for i, n := range req.Numbers {
			inputs[i] = n
		}
	}
	// A sum or product of fractional inputs stays fractional, even when whole.
	if f, ok := result.(float64); ok && !allIntegers(inputs) {
		result = jsonproc.Float(f)
	}

	c.ReplyOK(jsonproc.Fields{
		"result":        result,
		"operation":     req.Operation,
		"input_numbers": inputs,
	})
}

// allIntegers reports whether every number was written as an integer literal.
func allIntegers(numbers []interface{}) bool {
	for _, v := range numbers {
		switch n := v.(type) {
		case json.Number:
			if strings.ContainsAny(string(n), ".eE") {
				return false
			}
		case float64:
			if n != math.Trunc(n) {
				return false
			}
		}
	}
	return true
}

// Compute applies op to numbers. numbers must not be empty.
//
// add and multiply yield a float64, encoded without a fractional part when
// whole; mean, sqrt and power always yield a jsonproc.Float. HandleMath
// turns add and multiply results into a jsonproc.Float when an input was
// written with a fraction or exponent.
func Compute(op MathOperation, numbers []float64) (interface{}, error) {
	switch op {
	case MathAdd:
		var sum float64
		for _, n := range numbers {
			sum += n
		}
		return finite(sum)

	case MathMultiply:
		product := 1.0
		for _, n := range numbers {
			product *= n
		}
		return finite(product)

	case MathMean:
		var sum float64
		for _, n := range numbers {
			sum += n
		}
		if _, err := finite(sum); err != nil {
			return nil, err
		}
		return jsonproc.Float(sum / float64(len(numbers))), nil

	case MathSqrt:
		if len(numbers) != 1 {
			return nil, mathFailed("sqrt operation requires exactly one number")
		}
		if numbers[0] < 0 {
			return nil, mathFailed("math domain error")
		}
		return jsonproc.Float(math.Sqrt(numbers[0])), nil

	case MathPower:
		if len(numbers) != 2 {
			return nil, mathFailed("power operation requires exactly two numbers")
		}
		base, exp := numbers[0], numbers[1]
		if base == 0 && exp < 0 {
			return nil, mathFailed("math domain error")
		}
		v := math.Pow(base, exp)
		if math.IsNaN(v) {
			return nil, mathFailed("math domain error")
		}
		if math.IsInf(v, 0) {
			return nil, mathFailed("math range error")
		}
		return jsonproc.Float(v), nil

	default:
		return nil, unknownOperation(jsonproc.TypeMath, string(op), MathOperations)
	}
}

func finite(v float64) (float64, error) {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, mathFailed("math range error")
	}
	return v, nil
}

func mathFailed(msg string) error {
	return jsonproc.NewError(jsonproc.KindComputation, "Math operation failed: %s", msg)
}
