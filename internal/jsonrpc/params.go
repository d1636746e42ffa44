package jsonrpc

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// NewValidator returns a validator that reports fields by their JSON
// names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// BindParams decodes params into v and validates it with validate. Absent
// params decode as an empty object. Both decode and validation failures
// are reported as invalid params errors.
func BindParams(params json.RawMessage, v any, validate *validator.Validate) error {
	if len(params) == 0 || string(params) == "null" {
		params = json.RawMessage("{}")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return InvalidParams("invalid params: %v", err)
	}
	if validate == nil {
		return nil
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fe.Namespace()+": failed '"+fe.Tag()+"'")
			}
			return &Error{Code: CodeInvalidParams, Message: "invalid params: " + strings.Join(msgs, "; ")}
		}
		return InvalidParams("invalid params: %v", err)
	}
	return nil
}
