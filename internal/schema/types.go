package schema

import (
	"maps"
	"sort"
)

// DataType marks fields that need date handling.
type DataType string

const (
	DataTypeDate     DataType = "date"
	DataTypeDateTime DataType = "datetime"
)

// parseDataType returns the DataType for s, or false if s names none.
func parseDataType(s string) (DataType, bool) {
	switch DataType(s) {
	case DataTypeDate, DataTypeDateTime:
		return DataType(s), true
	}
	return "", false
}

// Schema is a set of segment descriptions. Both the built-in base and the
// effective schema use this type. A Schema handed out by a Store is shared
// and must not be modified.
type Schema struct {
	Segments map[string]Segment `json:"segments" toml:"segments"`
}

// Segment describes the fields of one segment type.
type Segment struct {
	Fields []Field `json:"fields" toml:"fields"`
}

// Field describes a field, or one component of a field when Component is
// set.
type Field struct {
	Field         int               `json:"field" toml:"field"`
	Component     *int              `json:"component,omitempty" toml:"component,omitempty"`
	Name          string            `json:"name,omitempty" toml:"name,omitempty"`
	Group         *string           `json:"group,omitempty" toml:"group,omitempty"`
	TriggerFilter *string           `json:"trigger_filter,omitempty" toml:"trigger_filter,omitempty"`
	MinLength     *uint16           `json:"minlength,omitempty" toml:"minlength,omitempty"`
	MaxLength     *uint16           `json:"maxlength,omitempty" toml:"maxlength,omitempty"`
	Placeholder   *string           `json:"placeholder,omitempty" toml:"placeholder,omitempty"`
	Required      *bool             `json:"required,omitempty" toml:"required,omitempty"`
	DataType      *DataType         `json:"datatype,omitempty" toml:"datatype,omitempty"`
	Pattern       *string           `json:"pattern,omitempty" toml:"pattern,omitempty"`
	Note          *string           `json:"note,omitempty" toml:"note,omitempty"`
	Values        map[string]string `json:"values,omitempty" toml:"values,omitempty"`
	Template      *string           `json:"template,omitempty" toml:"template,omitempty"`
}

// Override is the schema contribution of one extension.
type Override struct {
	Segments map[string]SegmentOverride `json:"segments,omitempty"`
}

// SegmentOverride holds the field overrides for one segment.
type SegmentOverride struct {
	Fields []FieldOverride `json:"fields,omitempty"`
}

// FieldOverride changes the description of one field or component. Field
// and Component identify the target; every other property is tri-state.
type FieldOverride struct {
	Field       int                         `json:"field" jsonschema:"required,minimum=1"`
	Component   *int                        `json:"component,omitempty" jsonschema:"minimum=1"`
	Name        Nullable[string]            `json:"name,omitzero"`
	Group       Nullable[string]            `json:"group,omitzero"`
	Note        Nullable[string]            `json:"note,omitzero"`
	Required    Nullable[bool]              `json:"required,omitzero"`
	MinLength   Nullable[int64]             `json:"minlength,omitzero"`
	MaxLength   Nullable[int64]             `json:"maxlength,omitzero"`
	Pattern     Nullable[string]            `json:"pattern,omitzero"`
	Placeholder Nullable[string]            `json:"placeholder,omitzero"`
	Template    Nullable[string]            `json:"template,omitzero"`
	DataType    Nullable[string]            `json:"datatype,omitzero"`
	Values      Nullable[map[string]string] `json:"values,omitzero"`
}

// SegmentNames returns the segment names in sorted order.
func (s *Schema) SegmentNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.Segments))
	for name := range s.Segments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the entry for field and component in segment.
func (s *Schema) Lookup(segment string, field int, component *int) (Field, bool) {
	if s == nil {
		return Field{}, false
	}
	seg, ok := s.Segments[segment]
	if !ok {
		return Field{}, false
	}
	for _, f := range seg.Fields {
		if f.Field == field && sameComponent(f.Component, component) {
			return f, true
		}
	}
	return Field{}, false
}

// FieldCount returns the total number of field entries.
func (s *Schema) FieldCount() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, seg := range s.Segments {
		n += len(seg.Fields)
	}
	return n
}

// Clone returns a deep copy.
func (s *Schema) Clone() *Schema {
	if s == nil {
		return &Schema{Segments: map[string]Segment{}}
	}
	out := &Schema{Segments: make(map[string]Segment, len(s.Segments))}
	for name, seg := range s.Segments {
		out.Segments[name] = seg.clone()
	}
	return out
}

func (s Segment) clone() Segment {
	fields := make([]Field, len(s.Fields))
	for i, f := range s.Fields {
		fields[i] = f.clone()
	}
	return Segment{Fields: fields}
}

func (f Field) clone() Field {
	out := f
	out.Component = clonePtr(f.Component)
	out.Group = clonePtr(f.Group)
	out.TriggerFilter = clonePtr(f.TriggerFilter)
	out.MinLength = clonePtr(f.MinLength)
	out.MaxLength = clonePtr(f.MaxLength)
	out.Placeholder = clonePtr(f.Placeholder)
	out.Required = clonePtr(f.Required)
	out.DataType = clonePtr(f.DataType)
	out.Pattern = clonePtr(f.Pattern)
	out.Note = clonePtr(f.Note)
	out.Template = clonePtr(f.Template)
	out.Values = maps.Clone(f.Values)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func sameComponent(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
