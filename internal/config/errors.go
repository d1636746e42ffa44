package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrFileNotFound indicates an explicitly requested configuration file
// doesn't exist.
var ErrFileNotFound = errors.New("config file not found")

// FieldError is one failed validation rule.
type FieldError struct {
	// Field is the dotted JSON path, e.g. "extensions[0].path".
	Field string
	Rule  string
	Param string
}

func (e FieldError) String() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s=%s", e.Field, e.Rule, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Rule)
}

// ValidationError lists every invalid field of a configuration.
type ValidationError struct {
	Fields []FieldError
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

// Has reports whether field failed validation.
func (e *ValidationError) Has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}
