package schema

import (
	"bytes"
	"encoding/json"
)

type nullState uint8

const (
	stateAbsent nullState = iota
	stateNull
	stateValue
)

// Nullable is a property that distinguishes three states: absent from the
// document (inherit), present as null (unset), and present with a value
// (override).
//
// The zero value is absent. encoding/json only calls UnmarshalJSON for keys
// that are present, which is what lets absent and null differ. Use the
// omitzero tag option so absent properties are left out when encoding.
type Nullable[T any] struct {
	value T
	state nullState
}

// Value returns a Nullable holding v.
func Value[T any](v T) Nullable[T] {
	return Nullable[T]{value: v, state: stateValue}
}

// Null returns a Nullable in the explicit null state.
func Null[T any]() Nullable[T] {
	return Nullable[T]{state: stateNull}
}

// IsAbsent reports whether the property was omitted.
func (n Nullable[T]) IsAbsent() bool { return n.state == stateAbsent }

// IsNull reports whether the property was explicitly null.
func (n Nullable[T]) IsNull() bool { return n.state == stateNull }

// IsValue reports whether the property carries a value.
func (n Nullable[T]) IsValue() bool { return n.state == stateValue }

// IsZero reports whether the property is absent. It makes omitzero work.
func (n Nullable[T]) IsZero() bool { return n.state == stateAbsent }

// Get returns the value and whether one is present.
func (n Nullable[T]) Get() (T, bool) {
	return n.value, n.state == stateValue
}

// MarshalJSON encodes the value, or null for the null and absent states.
func (n Nullable[T]) MarshalJSON() ([]byte, error) {
	if n.state != stateValue {
		return []byte("null"), nil
	}
	return json.Marshal(n.value)
}

// UnmarshalJSON decodes a present property.
func (n *Nullable[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		var zero T
		n.value = zero
		n.state = stateNull
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	n.value = v
	n.state = stateValue
	return nil
}

// resolve applies n on top of an inherited pointer value.
func resolve[T any](base *T, n Nullable[T]) *T {
	switch n.state {
	case stateNull:
		return nil
	case stateValue:
		v := n.value
		return &v
	default:
		if base == nil {
			return nil
		}
		v := *base
		return &v
	}
}
