package loader

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// IncludeKey names the directive that pulls other files into a
// configuration file.
const IncludeKey = "@include"

var (
	// ErrIncludeCycle is returned when a file includes itself, directly
	// or through other files.
	ErrIncludeCycle = errors.New("include cycle")

	// ErrIncludeDepth is returned when includes nest deeper than allowed.
	ErrIncludeDepth = errors.New("include depth exceeded")

	// ErrIncludeMissing is returned when an included file does not exist.
	// Only the top-level file is optional.
	ErrIncludeMissing = errors.New("included file not found")
)

// TOMLLoader reads a host configuration file.
type TOMLLoader struct {
	fs   FileSystem
	path string
}

// NewTOMLLoader creates a loader for path on the OS file system.
func NewTOMLLoader(path string) *TOMLLoader {
	return NewTOMLLoaderWithFS(DefaultFS(), path)
}

// NewTOMLLoaderWithFS creates a loader reading through fsys.
func NewTOMLLoaderWithFS(fsys FileSystem, path string) *TOMLLoader {
	return &TOMLLoader{fs: fsys, path: path}
}

// Load reads the configured file. A missing file yields nil, nil.
func (l *TOMLLoader) Load() (map[string]any, error) {
	return l.LoadFrom(l.path)
}

// LoadFrom reads path without following includes. Relative extension
// and schema paths are rebased onto the directory of path.
func (l *TOMLLoader) LoadFrom(path string) (map[string]any, error) {
	data, err := l.fs.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	m, err := parse(path, data)
	if err != nil {
		return nil, err
	}
	rebase(m, filepath.Dir(path))
	return m, nil
}

// LoadFromReader parses a configuration without a location, so nothing
// is rebased and includes are left in place.
func (l *TOMLLoader) LoadFromReader(r io.Reader) (map[string]any, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse("<reader>", data)
}

// LoadWithIncludes reads path and every file its @include directive
// names, at most maxDepth files deep. The including file wins over its
// includes, except for the extension list: extensions accumulate, the
// included ones first.
func (l *TOMLLoader) LoadWithIncludes(path string, maxDepth int) (map[string]any, error) {
	return l.include(path, nil, maxDepth)
}

func (l *TOMLLoader) include(path string, chain []string, depth int) (map[string]any, error) {
	path = filepath.Clean(path)
	if slices.Contains(chain, path) {
		return nil, fmt.Errorf("%w: %s", ErrIncludeCycle, strings.Join(append(chain, path), " -> "))
	}
	if depth <= 0 {
		return nil, fmt.Errorf("%w at %s", ErrIncludeDepth, path)
	}

	m, err := l.LoadFrom(path)
	if err != nil || m == nil {
		if m == nil && err == nil && len(chain) > 0 {
			err = fmt.Errorf("%w: %s", ErrIncludeMissing, path)
		}
		return nil, err
	}

	names, err := includeList(m[IncludeKey])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	delete(m, IncludeKey)
	if len(names) == 0 {
		return m, nil
	}

	chain = append(chain, path)
	base := filepath.Dir(path)
	merged := make(map[string]any)
	var exts []any
	for _, name := range names {
		incPath := ExpandEnvInString(name)
		if !filepath.IsAbs(incPath) {
			incPath = filepath.Join(base, incPath)
		}
		inc, err := l.include(incPath, slices.Clone(chain), depth-1)
		if err != nil {
			return nil, fmt.Errorf("including %s from %s: %w", name, path, err)
		}
		exts = append(exts, extensionList(inc)...)
		merged = DeepMerge(merged, inc)
	}
	exts = append(exts, extensionList(m)...)
	merged = DeepMerge(merged, m)
	if len(exts) > 0 {
		merged["extensions"] = exts
	}
	return merged, nil
}

func parse(source string, data []byte) (map[string]any, error) {
	var m map[string]any
	if err := toml.Unmarshal(data, &m); err != nil {
		perr := &ParseError{Path: source, Message: err.Error(), Err: err}
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			perr.Line, perr.Column = derr.Position()
		}
		return nil, perr
	}
	if m == nil {
		// The file exists but is empty.
		m = make(map[string]any)
	}
	return m, nil
}

func includeList(v any) ([]string, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{x}, nil
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings, got %T", IncludeKey, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be a string or an array of strings, got %T", IncludeKey, v)
	}
}

func extensionList(m map[string]any) []any {
	exts, _ := m["extensions"].([]any)
	return exts
}

// rebase makes the ./ and ../ extension paths and a relative schema base
// in m relative to dir, so an included file can name files next to it.
// Bare extension names stay as they are and are looked up in PATH.
func rebase(m map[string]any, dir string) {
	for _, e := range extensionList(m) {
		ext, ok := e.(map[string]any)
		if !ok {
			continue
		}
		if p, ok := ext["path"].(string); ok && (strings.HasPrefix(p, "./") || strings.HasPrefix(p, "../")) {
			ext["path"] = explicit(filepath.Join(dir, p))
		}
	}
	if schema, ok := m["schema"].(map[string]any); ok {
		if p, ok := schema["base"].(string); ok && p != "" && !filepath.IsAbs(p) && !strings.HasPrefix(p, "$") {
			schema["base"] = filepath.Join(dir, p)
		}
	}
}

// explicit keeps a relative extension path from turning into a bare
// name that would be looked up in PATH.
func explicit(p string) string {
	if filepath.IsAbs(p) || strings.HasPrefix(p, "..") {
		return p
	}
	return "." + string(filepath.Separator) + p
}

// ParseError reports a malformed configuration file.
type ParseError struct {
	Path    string
	Line    int
	Column  int
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	switch {
	case e.Line > 0 && e.Column > 0:
		return fmt.Sprintf("parse error in %s at line %d, column %d: %s", e.Path, e.Line, e.Column, e.Message)
	case e.Line > 0:
		return fmt.Sprintf("parse error in %s at line %d: %s", e.Path, e.Line, e.Message)
	default:
		return fmt.Sprintf("parse error in %s: %s", e.Path, e.Message)
	}
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// DeepMerge merges src into dst and returns dst. Tables merge key by key;
// any other src value replaces the dst value.
func DeepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any)
	}
	for key, srcVal := range src {
		srcMap, srcIsMap := srcVal.(map[string]any)
		dstMap, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			dst[key] = DeepMerge(dstMap, srcMap)
			continue
		}
		dst[key] = srcVal
	}
	return dst
}
