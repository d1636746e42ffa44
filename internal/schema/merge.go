package schema

import (
	"log/slog"
	"maps"
	"math"
)

// Merge folds overrides into base from left to right and returns the
// effective schema. Later overrides win over earlier ones and all of them
// win over base. Neither base nor the overrides are modified, and the same
// inputs always produce the same output.
func Merge(base *Schema, overrides []*Override) *Schema {
	return merger{logger: slog.Default()}.merge(base, overrides)
}

type merger struct {
	logger *slog.Logger
}

func (m merger) merge(base *Schema, overrides []*Override) *Schema {
	result := base.Clone()
	for _, o := range overrides {
		if o == nil {
			continue
		}
		for name, segOverride := range o.Segments {
			seg := result.Segments[name]
			result.Segments[name] = Segment{
				Fields: m.mergeFields(name, seg.Fields, segOverride.Fields),
			}
		}
	}
	return result
}

// mergeFields merges one segment's overrides into its base fields.
//
// Matching runs in two passes. The first pass pairs each base entry with
// the first unused override naming the same field and component. The
// second pass lets a field-level base entry (no component) that is still
// unmatched absorb the first unused override for the same field that does
// name a component. Exact matches across the whole segment are settled
// before any field-level entry can claim a component override.
//
// Base entries keep their position; unmatched overrides are appended as
// new entries in input order.
func (m merger) mergeFields(segment string, base []Field, overrides []FieldOverride) []Field {
	used := make([]bool, len(overrides))
	matched := make([]int, len(base))
	for i := range matched {
		matched[i] = -1
	}

	for bi, bf := range base {
		for oi, of := range overrides {
			if !used[oi] && bf.Field == of.Field && sameComponent(bf.Component, of.Component) {
				matched[bi] = oi
				used[oi] = true
				break
			}
		}
	}

	for bi, bf := range base {
		if matched[bi] >= 0 || bf.Component != nil {
			continue
		}
		for oi, of := range overrides {
			if !used[oi] && bf.Field == of.Field && of.Component != nil {
				matched[bi] = oi
				used[oi] = true
				break
			}
		}
	}

	result := make([]Field, 0, len(base)+len(overrides))
	for bi, bf := range base {
		if oi := matched[bi]; oi >= 0 {
			result = append(result, m.mergeField(segment, bf, overrides[oi]))
			continue
		}
		result = append(result, bf.clone())
	}
	for oi, of := range overrides {
		if !used[oi] {
			result = append(result, m.mergeField(segment, Field{Field: of.Field, Component: clonePtr(of.Component)}, of))
		}
	}
	return result
}

// mergeField applies one override to a base entry. The entry keeps the
// base's field and component; the override only supplies match criteria
// for those. TriggerFilter is base-only.
func (m merger) mergeField(segment string, base Field, o FieldOverride) Field {
	out := Field{
		Field:         base.Field,
		Component:     clonePtr(base.Component),
		TriggerFilter: clonePtr(base.TriggerFilter),
		Group:         resolve(base.Group, o.Group),
		Placeholder:   resolve(base.Placeholder, o.Placeholder),
		Required:      resolve(base.Required, o.Required),
		Pattern:       resolve(base.Pattern, o.Pattern),
		Note:          resolve(base.Note, o.Note),
		Template:      resolve(base.Template, o.Template),
		MinLength:     resolveLength(base.MinLength, o.MinLength),
		MaxLength:     resolveLength(base.MaxLength, o.MaxLength),
		Values:        resolveValues(base.Values, o.Values),
		DataType:      m.resolveDataType(segment, base, o.DataType),
	}

	switch {
	case o.Name.IsValue():
		out.Name, _ = o.Name.Get()
	case o.Name.IsAbsent():
		out.Name = base.Name
	}
	return out
}

// resolveLength applies a length override, saturating into the uint16
// range.
func resolveLength(base *uint16, n Nullable[int64]) *uint16 {
	switch {
	case n.IsNull():
		return nil
	case n.IsValue():
		v, _ := n.Get()
		l := uint16(min(max(v, 0), math.MaxUint16))
		return &l
	default:
		return clonePtr(base)
	}
}

// resolveValues replaces the allowed values wholesale. Keys are never
// merged individually.
func resolveValues(base map[string]string, n Nullable[map[string]string]) map[string]string {
	switch {
	case n.IsNull():
		return nil
	case n.IsValue():
		v, _ := n.Get()
		return maps.Clone(v)
	default:
		return maps.Clone(base)
	}
}

// resolveDataType accepts only known data types. An unknown value keeps
// the inherited one.
func (m merger) resolveDataType(segment string, base Field, n Nullable[string]) *DataType {
	switch {
	case n.IsNull():
		return nil
	case n.IsValue():
		s, _ := n.Get()
		if dt, ok := parseDataType(s); ok {
			return &dt
		}
		m.logger.Warn("invalid datatype in schema override, keeping inherited value",
			slog.String("segment", segment),
			slog.Int("field", base.Field),
			slog.String("datatype", s))
		return clonePtr(base.DataType)
	default:
		return clonePtr(base.DataType)
	}
}
