package loader

import (
	"bytes"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// DotEnvLoader loads prefixed variables from a .env file. Variables that
// are also set in the process environment are skipped, so the real
// environment always wins.
type DotEnvLoader struct {
	fs     FileSystem
	path   string
	prefix string
}

// NewDotEnvLoader creates a loader for the .env file at path.
func NewDotEnvLoader(path, prefix string) *DotEnvLoader {
	return NewDotEnvLoaderWithFS(DefaultFS(), path, prefix)
}

// NewDotEnvLoaderWithFS creates a .env loader with a custom file system.
func NewDotEnvLoaderWithFS(fs FileSystem, path, prefix string) *DotEnvLoader {
	return &DotEnvLoader{fs: fs, path: path, prefix: prefix}
}

// Load reads the file. A missing file yields nil, nil.
func (l *DotEnvLoader) Load() (map[string]any, error) {
	data, err := l.fs.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading env file %s: %w", l.path, err)
	}

	vars, err := godotenv.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, &ParseError{Path: l.path, Message: err.Error(), Err: err}
	}
	for name := range vars {
		if _, set := os.LookupEnv(name); set {
			delete(vars, name)
		}
	}
	return NewEnvLoaderFromMap(l.prefix, vars).Load()
}
