package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/dshills/exthost/internal/config/loader"
	"github.com/dshills/exthost/internal/extension"
)

const (
	// DefaultFileName is the configuration file looked up in the user
	// configuration directory.
	DefaultFileName = "config.toml"

	// EnvFileName is the .env file read next to the configuration file.
	EnvFileName = ".env"

	maxIncludeDepth = 8
)

// Config is the host configuration.
type Config struct {
	Host       HostConfig        `json:"host"`
	Timeouts   TimeoutConfig     `json:"timeouts"`
	Extensions []ExtensionConfig `json:"extensions" validate:"dive"`
	Schema     SchemaConfig      `json:"schema"`
	Metrics    MetricsConfig     `json:"metrics"`
	Tracing    TracingConfig     `json:"tracing"`

	// Path is the file the configuration was read from, or "".
	Path string `json:"-"`
}

// HostConfig holds process-wide settings.
type HostConfig struct {
	// Version is reported to extensions. Empty means the build version.
	Version   string `json:"version,omitempty"`
	DataDir   string `json:"dataDir" validate:"required"`
	LogLevel  string `json:"logLevel" validate:"oneof=debug info warn error"`
	LogFormat string `json:"logFormat" validate:"oneof=auto text json"`

	// MaxExtensions caps the running extension processes. Zero means no
	// limit.
	MaxExtensions int `json:"maxExtensions" validate:"gte=0"`
}

// TimeoutConfig holds protocol and reload timings.
type TimeoutConfig struct {
	Initialize Duration `json:"initialize" validate:"gt=0"`
	Shutdown   Duration `json:"shutdown" validate:"gt=0"`
	ExitGrace  Duration `json:"exitGrace" validate:"gt=0"`
	Request    Duration `json:"request" validate:"gte=0"`
	Debounce   Duration `json:"debounce" validate:"gte=0"`
	Reload     Duration `json:"reload" validate:"gte=0"`
}

// ExtensionConfig is one configured extension.
type ExtensionConfig struct {
	Path    string            `json:"path" validate:"required"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Enabled *bool             `json:"enabled,omitempty"`
}

// SchemaConfig selects the base schema.
type SchemaConfig struct {
	// Base is a schema file. Empty means the built-in schema.
	Base string `json:"base,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr" validate:"omitempty,hostname_port"`
}

// TracingConfig selects where JSON-RPC call spans are exported.
type TracingConfig struct {
	Exporter string `json:"exporter" validate:"oneof=none stdout"`
}

// Duration is a time.Duration that decodes from "1.5s" style strings or
// from a number of seconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON encodes d as a duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON decodes a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(x * float64(time.Second))
	default:
		return fmt.Errorf("invalid duration %s", b)
	}
	return nil
}

// Option configures Load.
type Option func(*options)

type options struct {
	fs        loader.FileSystem
	path      string
	explicit  bool
	envFile   string
	useEnv    bool
	overrides map[string]any
}

// WithFile reads the configuration from path. The file must exist.
func WithFile(path string) Option {
	return func(o *options) {
		if path != "" {
			o.path = path
			o.explicit = true
		}
	}
}

// WithEnvFile reads path instead of the .env file next to the
// configuration file.
func WithEnvFile(path string) Option {
	return func(o *options) {
		o.envFile = path
	}
}

// WithFS reads files through fs.
func WithFS(fs loader.FileSystem) Option {
	return func(o *options) {
		if fs != nil {
			o.fs = fs
		}
	}
}

// WithEnvironment turns the .env and process environment layers on or off.
func WithEnvironment(enable bool) Option {
	return func(o *options) {
		o.useEnv = enable
	}
}

// WithOverrides applies values above every other layer, keyed by dotted
// path (e.g. "host.logLevel").
func WithOverrides(values map[string]any) Option {
	return func(o *options) {
		for path, v := range values {
			setPath(o.overrides, path, v)
		}
	}
}

// Load builds the configuration. Layers, lowest first: built-in
// defaults, the TOML file with its includes, the .env file, EXTHOST_*
// environment variables and overrides.
func Load(opts ...Option) (*Config, error) {
	o := &options{
		fs:        loader.DefaultFS(),
		path:      DefaultPath(),
		useEnv:    true,
		overrides: make(map[string]any),
	}
	for _, opt := range opts {
		opt(o)
	}

	merged := defaultConfig()
	cfg := &Config{}

	file, err := loader.NewTOMLLoaderWithFS(o.fs, o.path).LoadWithIncludes(o.path, maxIncludeDepth)
	if err != nil {
		return nil, err
	}
	if file == nil && o.explicit {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, o.path)
	}
	if file != nil {
		cfg.Path = o.path
		merged = loader.DeepMerge(merged, file)
	}

	if o.useEnv {
		envFile := o.envFile
		if envFile == "" {
			envFile = filepath.Join(filepath.Dir(o.path), EnvFileName)
		}
		dotenv, err := loader.NewDotEnvLoaderWithFS(o.fs, envFile, loader.EnvPrefix).Load()
		if err != nil {
			return nil, err
		}
		merged = loader.DeepMerge(merged, dotenv)

		env, err := loader.NewEnvLoader(loader.EnvPrefix).Load()
		if err != nil {
			return nil, err
		}
		merged = loader.DeepMerge(merged, env)
	}
	merged = loader.DeepMerge(merged, o.overrides)

	if err := decode(normalize(merged), cfg); err != nil {
		return nil, err
	}
	cfg.resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field.
func (c *Config) Validate() error {
	err := newValidator().Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	verr := &ValidationError{}
	for _, fe := range fieldErrs {
		_, field, _ := strings.Cut(fe.Namespace(), ".")
		verr.Fields = append(verr.Fields, FieldError{Field: field, Rule: fe.Tag(), Param: fe.Param()})
	}
	return verr
}

// ExtensionConfigs returns the configured extensions in file order. An
// extension without an enabled setting is enabled.
func (c *Config) ExtensionConfigs() []extension.Config {
	out := make([]extension.Config, 0, len(c.Extensions))
	for _, e := range c.Extensions {
		enabled := e.Enabled == nil || *e.Enabled
		out = append(out, extension.Config{
			Path:    e.Path,
			Args:    e.Args,
			Env:     e.Env,
			Enabled: enabled,
		})
	}
	return out
}

// Level returns the configured log level.
func (c *Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Host.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// resolve expands environment references. Relative paths were already
// rebased onto the file that declared them by the loader.
func (c *Config) resolve() {
	c.Host.DataDir = loader.ExpandEnvInString(c.Host.DataDir)
	c.Schema.Base = loader.ExpandEnvInString(c.Schema.Base)
	for i := range c.Extensions {
		e := &c.Extensions[i]
		e.Path = loader.ExpandEnvInString(e.Path)
		for k, v := range e.Env {
			e.Env[k] = loader.ExpandEnvInString(v)
		}
	}
}

// DefaultPath returns the configuration file in the user configuration
// directory.
func DefaultPath() string {
	return filepath.Join(defaultUserConfigDir(), DefaultFileName)
}

func defaultUserConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "exthost")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "exthost")
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "exthost")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "exthost")
}

func defaultConfig() map[string]any {
	return map[string]any{
		"host": map[string]any{
			"dataDir":       defaultDataDir(),
			"logLevel":      "info",
			"logFormat":     "auto",
			"maxExtensions": 0,
		},
		"timeouts": map[string]any{
			"initialize": "10s",
			"shutdown":   "5s",
			"exitGrace":  "1s",
			"request":    "30s",
			"debounce":   "500ms",
			"reload":     "250ms",
		},
		"metrics": map[string]any{
			"enabled": false,
			"addr":    "127.0.0.1:9464",
		},
		"tracing": map[string]any{
			"exporter": "none",
		},
	}
}

// normalize rewrites values that do not survive a JSON round trip as
// intended. Durations parsed from the environment become strings.
func normalize(m map[string]any) map[string]any {
	for k, v := range m {
		switch x := v.(type) {
		case time.Duration:
			m[k] = x.String()
		case map[string]any:
			normalize(x)
		}
	}
	return m
}

func decode(m map[string]any, cfg *Config) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("decoding config: %w", err)
	}
	return nil
}

// setPath sets a value in a nested map using a dot-separated path.
func setPath(m map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[part] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
