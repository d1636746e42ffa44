package schema

import (
	_ "embed"
	"encoding/json"
	"fmt"
)

//go:embed builtin.json
var builtinJSON []byte

// Builtin returns the schema shipped with the host, used when no base
// schema is configured. Each call returns a fresh copy.
func Builtin() (*Schema, error) {
	s := &Schema{}
	if err := json.Unmarshal(builtinJSON, s); err != nil {
		return nil, fmt.Errorf("parse built-in schema: %w", err)
	}
	return s, nil
}
