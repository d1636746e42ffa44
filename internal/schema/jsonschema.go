package schema

import (
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"
)

// OverrideJSONSchema returns a JSON Schema describing the override
// document extensions send in their initialize result.
func OverrideJSONSchema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
		Mapper:                     nullableMapper,
	}
	s := r.Reflect(&Override{})
	s.Title = "Schema override"
	s.Description = "Segment field overrides. A property may be omitted (inherit), null (unset) or set (override)."
	return s
}

// nullableMapper describes Nullable[T] as T or null.
func nullableMapper(t reflect.Type) *jsonschema.Schema {
	if t.Kind() != reflect.Struct || !strings.HasPrefix(t.Name(), "Nullable[") {
		return nil
	}
	inner, ok := t.FieldByName("value")
	if !ok {
		return nil
	}
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			primitiveSchema(inner.Type),
			{Type: "null"},
		},
	}
}

func primitiveSchema(t reflect.Type) *jsonschema.Schema {
	switch t.Kind() {
	case reflect.String:
		return &jsonschema.Schema{Type: "string"}
	case reflect.Bool:
		return &jsonschema.Schema{Type: "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &jsonschema.Schema{Type: "integer"}
	case reflect.Map:
		return &jsonschema.Schema{
			Type:                 "object",
			AdditionalProperties: primitiveSchema(t.Elem()),
		}
	default:
		return &jsonschema.Schema{}
	}
}
