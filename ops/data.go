package ops

import (
	"cmp"
	"encoding/json"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	jsonproc "github.com/xizhibei/go-json-processor"
)

// DataOperation is an operation of the data family.
type DataOperation string

const (
	DataStats         DataOperation = "stats"
	DataSort          DataOperation = "sort"
	DataUnique        DataOperation = "unique"
	DataFilterNumbers DataOperation = "filter_numbers"
)

// DataOperations lists the operations of the data family.
var DataOperations = []string{
	string(DataStats),
	string(DataSort),
	string(DataUnique),
	string(DataFilterNumbers),
}

// DataRequest is the payload of a data request. Dataset elements may be of
// any JSON type; operations that need numbers only look at numeric ones.
type DataRequest struct {
	Dataset   []interface{} `json:"dataset" validate:"min=1"`
	Operation string        `json:"operation"`
}

var dataFields = fieldMessages{
	"dataset": {
		Missing: "Dataset array is required for data operations",
		Empty:   "Dataset cannot be empty",
	},
	"operation": {Missing: "Operation field must be a string"},
}

// Stats summarizes the numeric values of a dataset.
type Stats struct {
	Count int            `json:"count"`
	Sum   float64        `json:"sum"`
	Mean  jsonproc.Float `json:"mean"`
	Min   float64        `json:"min"`
	Max   float64        `json:"max"`
	Range float64        `json:"range"`
}

// HandleData handles requests of the data family.
func HandleData(c jsonproc.Context) {
	var req DataRequest
	if err := bind(c, &req, dataFields); err != nil {
		c.ReplyError(err)
		return
	}

	// The payload keeps numbers as json.Number, so results and the echoed
	// dataset carry the request's literals.
	dataset, ok := c.Payload()["dataset"].([]interface{})
	if !ok {
		dataset = req.Dataset
	}

	result, err := Analyze(DataOperation(req.Operation), dataset)
	if err != nil {
		c.ReplyError(err)
		return
	}

	c.ReplyOK(jsonproc.Fields{
		"result":        result,
		"operation":     req.Operation,
		"input_dataset": dataset,
	})
}

// Analyze applies op to dataset. Numbers may be float64 or json.Number;
// elements are returned as given.
func Analyze(op DataOperation, dataset []interface{}) (interface{}, error) {
	switch op {
	case DataStats:
		return stats(dataset)
	case DataSort:
		return sortValues(dataset)
	case DataUnique:
		return unique(dataset), nil
	case DataFilterNumbers:
		return numbers(dataset), nil
	default:
		return nil, unknownOperation(jsonproc.TypeData, string(op), DataOperations)
	}
}

// numberValue returns the value of a numeric element. Booleans are not numbers.
func numberValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil || errors.Is(err, strconv.ErrRange)
	default:
		return 0, false
	}
}

// numbers returns the numeric elements of dataset.
func numbers(dataset []interface{}) []interface{} {
	out := make([]interface{}, 0, len(dataset))
	for _, v := range dataset {
		if _, ok := numberValue(v); ok {
			out = append(out, v)
		}
	}
	return out
}

func stats(dataset []interface{}) (*Stats, error) {
	var values []float64
	for _, v := range dataset {
		if f, ok := numberValue(v); ok {
			values = append(values, f)
		}
	}
	if len(values) == 0 {
		return nil, dataFailed("Dataset must contain numeric values")
	}

	s := &Stats{
		Count: len(values),
		Min:   values[0],
		Max:   values[0],
	}
	for _, v := range values {
		s.Sum += v
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	s.Range = s.Max - s.Min
	for _, v := range []float64{s.Sum, s.Min, s.Max, s.Range} {
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return nil, dataFailed("math range error")
		}
	}
	s.Mean = jsonproc.Float(s.Sum / float64(s.Count))
	return s, nil
}

func sortValues(dataset []interface{}) (interface{}, error) {
	var nums, strs []interface{}
	for _, v := range dataset {
		if _, ok := numberValue(v); ok {
			nums = append(nums, v)
			continue
		}
		if _, ok := v.(string); ok {
			strs = append(strs, v)
			continue
		}
		return nil, dataFailed("dataset values are not mutually comparable")
	}

	switch {
	case len(strs) == 0:
		slices.SortStableFunc(nums, func(a, b interface{}) int {
			x, _ := numberValue(a)
			y, _ := numberValue(b)
			return cmp.Compare(x, y)
		})
		return nums, nil
	case len(nums) == 0:
		slices.SortStableFunc(strs, func(a, b interface{}) int {
			return strings.Compare(a.(string), b.(string))
		})
		return strs, nil
	default:
		return nil, dataFailed("dataset values are not mutually comparable")
	}
}

// unique drops repeated values, keeping the first occurrence of each.
// Numbers are compared by value, so 1 and 1.0 are the same; other values
// are compared by their JSON encoding.
func unique(dataset []interface{}) []interface{} {
	seen := make(map[string]struct{}, len(dataset))
	out := make([]interface{}, 0, len(dataset))
	for _, v := range dataset {
		key, ok := uniqueKey(v)
		if !ok {
			out = append(out, v)
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out
}

func uniqueKey(v interface{}) (string, bool) {
	if n, ok := v.(json.Number); ok {
		// Integers beyond float64 precision keep their exact value.
		if i, err := n.Int64(); err == nil {
			return "n:" + strconv.FormatInt(i, 10), true
		}
	}
	if f, ok := numberValue(v); ok {
		if f == math.Trunc(f) && math.Abs(f) < 1<<63 {
			return "n:" + strconv.FormatInt(int64(f), 10), true
		}
		return "n:" + strconv.FormatFloat(f, 'g', -1, 64), true
	}
	key, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(key), true
}

func dataFailed(msg string) error {
	return jsonproc.NewError(jsonproc.KindComputation, "Data operation failed: %s", msg)
}
