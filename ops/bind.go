package ops

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	jsonproc "github.com/xizhibei/go-json-processor"
)

// fieldMessage holds the messages reported for a request field.
// Missing is used when the field is absent or of the wrong shape, Empty when
// it fails validation (Missing if unset), Invalid when an element of an array
// field has the wrong type.
type fieldMessage struct {
	Missing string
	Empty   string
	Invalid string
}

type fieldMessages map[string]fieldMessage

// bind decodes and validates the request, translating decoder and validator
// failures into validation errors named after the offending field.
func bind(c jsonproc.Context, req interface{}, msgs fieldMessages) error {
	err := c.Bind(req)
	if err == nil {
		return nil
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		field := rootField(typeErr.Field)
		msg, ok := msgs[field]
		if !ok {
			return jsonproc.NewError(jsonproc.KindValidation, "Invalid value for field %s: expected %s, got %s", field, typeErr.Type, typeErr.Value)
		}
		if typeErr.Type != nil && typeErr.Type.Kind() != reflect.Slice && msg.Invalid != "" {
			return jsonproc.NewError(jsonproc.KindValidation, "%s", msg.Invalid)
		}
		return jsonproc.NewError(jsonproc.KindValidation, "%s", msg.Missing)
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if msg, ok := msgs[fe.Field()]; ok {
			if msg.Empty != "" {
				return jsonproc.NewError(jsonproc.KindValidation, "%s", msg.Empty)
			}
			return jsonproc.NewError(jsonproc.KindValidation, "%s", msg.Missing)
		}
		return jsonproc.NewError(jsonproc.KindValidation, "Field %s failed on the '%s' rule", fe.Field(), fe.Tag())
	}

	return jsonproc.WrapError(err, jsonproc.KindValidation, "Invalid request")
}

func rootField(field string) string {
	if i := strings.IndexByte(field, '.'); i >= 0 {
		return field[:i]
	}
	return field
}

func unknownOperation(family jsonproc.RequestType, op string, available []string) error {
	return jsonproc.NewError(jsonproc.KindValidation, "Unknown %s operation: %s", family, op).
		With("available_operations", available)
}
