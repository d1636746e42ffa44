package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// ErrUnsupportedFormat is returned for schema files that are neither TOML
// nor JSON.
var ErrUnsupportedFormat = errors.New("unsupported schema file format")

// segmentFile is the layout of a per-segment TOML file such as pid.toml.
type segmentFile struct {
	Fields []Field `toml:"fields"`
}

// LoadBase loads the built-in base schema from path.
//
// A directory is read as one TOML file per segment, named after the
// segment (pid.toml holds PID). A single .toml or .json file holds the
// whole schema under a top-level segments table.
func LoadBase(path string) (*Schema, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return loadDir(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s := &Schema{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = decodeTOML(path, data, s)
	case ".json":
		err = json.Unmarshal(data, s)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		return nil, fmt.Errorf("load schema %s: %w", path, err)
	}
	if s.Segments == nil {
		s.Segments = map[string]Segment{}
	}
	return s, nil
}

func loadDir(dir string) (*Schema, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.toml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	s := &Schema{Segments: make(map[string]Segment, len(matches))}
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var sf segmentFile
		if err := decodeTOML(path, data, &sf); err != nil {
			return nil, fmt.Errorf("load segment %s: %w", path, err)
		}
		name := strings.ToUpper(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
		s.Segments[name] = Segment{Fields: sf.Fields}
	}
	return s, nil
}

// decodeTOML decodes data and reports decode errors with their position.
func decodeTOML(path string, data []byte, v any) error {
	if err := toml.Unmarshal(data, v); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return fmt.Errorf("%s:%d:%d: %s", path, row, col, derr.Error())
		}
		return err
	}
	return nil
}

// ParseOverride decodes an override document.
func ParseOverride(data []byte) (*Override, error) {
	var o Override
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("parse schema override: %w", err)
	}
	return &o, nil
}

// LoadOverride reads an override document from a JSON file.
func LoadOverride(path string) (*Override, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseOverride(data)
}
