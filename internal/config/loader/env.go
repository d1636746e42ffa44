package loader

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix is the prefix of host environment variables.
const EnvPrefix = "EXTHOST_"

// EnvLoader loads configuration from environment variables.
type EnvLoader struct {
	prefix  string            // e.g. "EXTHOST_"
	mapping map[string]string // env var -> config path
	ignore  map[string]bool
	environ func() []string
}

// NewEnvLoader creates a loader over the process environment.
// The prefix should include the trailing underscore (e.g., "EXTHOST_").
func NewEnvLoader(prefix string) *EnvLoader {
	return &EnvLoader{
		prefix:  prefix,
		mapping: defaultEnvMapping(),
		ignore:  defaultEnvIgnore(),
		environ: os.Environ,
	}
}

// NewEnvLoaderWithMapping creates a loader with custom environment variable mappings.
func NewEnvLoaderWithMapping(prefix string, mapping map[string]string) *EnvLoader {
	return &EnvLoader{
		prefix:  prefix,
		mapping: mapping,
		ignore:  defaultEnvIgnore(),
		environ: os.Environ,
	}
}

// NewEnvLoaderFromMap creates a loader that reads vars instead of the
// process environment.
func NewEnvLoaderFromMap(prefix string, vars map[string]string) *EnvLoader {
	l := NewEnvLoader(prefix)
	l.environ = func() []string {
		env := make([]string, 0, len(vars))
		for k, v := range vars {
			env = append(env, k+"="+v)
		}
		return env
	}
	return l
}

func defaultEnvMapping() map[string]string {
	return map[string]string{
		"EXTHOST_LOG_LEVEL":    "host.logLevel",
		"EXTHOST_LOG_FORMAT":   "host.logFormat",
		"EXTHOST_HOME":         "host.dataDir",
		"EXTHOST_METRICS_ADDR": "metrics.addr",
		"EXTHOST_SCHEMA":       "schema.base",
	}
}

// defaultEnvIgnore lists the variables the host sets for its extensions.
// A host started from inside an extension must not read them back as
// its own settings.
func defaultEnvIgnore() map[string]bool {
	return map[string]bool{
		"EXTHOST_VERSION":     true,
		"EXTHOST_API_VERSION": true,
		"EXTHOST_DATA_DIR":    true,
	}
}

// Load reads environment variables and returns a configuration map.
// Empty values are kept, not treated as unset.
func (l *EnvLoader) Load() (map[string]any, error) {
	config := make(map[string]any)

	for _, env := range l.environ() {
		name, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(name, l.prefix) && l.mapping[name] == "" {
			continue
		}
		if l.ignore[name] {
			continue
		}

		path, mapped := l.mapping[name]
		if !mapped {
			// EXTHOST_TIMEOUTS_INITIALIZE -> timeouts.initialize
			path = l.envToPath(name)
		}
		setByPath(config, path, l.parseValue(value))
	}

	return config, nil
}

// AddMapping adds a custom environment variable mapping.
func (l *EnvLoader) AddMapping(envVar, configPath string) {
	if l.mapping == nil {
		l.mapping = make(map[string]string)
	}
	l.mapping[envVar] = configPath
}

// RemoveMapping removes an environment variable mapping.
func (l *EnvLoader) RemoveMapping(envVar string) {
	delete(l.mapping, envVar)
}

// envToPath converts EXTHOST_HOST_DATA_DIR to host.dataDir.
func (l *EnvLoader) envToPath(env string) string {
	name := strings.TrimPrefix(env, l.prefix)

	parts := strings.Split(name, "_")
	if len(parts) == 1 {
		return strings.ToLower(name)
	}

	// First part is the section, the rest form the setting name in
	// camelCase.
	setting := strings.ToLower(parts[1])
	for _, part := range parts[2:] {
		if len(part) > 0 {
			setting += strings.ToUpper(part[:1]) + strings.ToLower(part[1:])
		}
	}
	return strings.ToLower(parts[0]) + "." + setting
}

// parseValue attempts to parse the string value into an appropriate type.
func (l *EnvLoader) parseValue(s string) any {
	if s == "" {
		return s
	}

	lower := strings.ToLower(s)
	if lower == "true" || lower == "yes" || lower == "on" || s == "1" {
		return true
	}
	if lower == "false" || lower == "no" || lower == "off" || s == "0" {
		return false
	}

	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}

	// Floats only with a decimal point, so ints stay ints.
	if strings.Contains(s, ".") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}

	if d, err := time.ParseDuration(s); err == nil {
		return d
	}

	if strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{") {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			return v
		}
	}

	return s
}

// setByPath sets a value in a nested map using a dot-separated path.
func setByPath(data map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	current := data

	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

// ExpandEnvInString expands environment variables in a string.
// Supports both $VAR and ${VAR} syntax.
func ExpandEnvInString(s string) string {
	return os.ExpandEnv(s)
}
