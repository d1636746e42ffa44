package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(WithFile(writeFile(t, t.TempDir(), "config.toml", "")), WithEnvironment(false))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Host.LogLevel != "info" || cfg.Host.LogFormat != "auto" {
		t.Errorf("host = %+v", cfg.Host)
	}
	if cfg.Host.DataDir == "" {
		t.Error("no default data dir")
	}
	tests := []struct {
		name string
		got  Duration
		want time.Duration
	}{
		{"initialize", cfg.Timeouts.Initialize, 10 * time.Second},
		{"shutdown", cfg.Timeouts.Shutdown, 5 * time.Second},
		{"exitGrace", cfg.Timeouts.ExitGrace, time.Second},
		{"request", cfg.Timeouts.Request, 30 * time.Second},
		{"debounce", cfg.Timeouts.Debounce, 500 * time.Millisecond},
		{"reload", cfg.Timeouts.Reload, 250 * time.Millisecond},
	}
	for _, tt := range tests {
		if tt.got.Std() != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got.Std(), tt.want)
		}
	}
	if cfg.Metrics.Enabled || cfg.Metrics.Addr != "127.0.0.1:9464" {
		t.Errorf("metrics = %+v", cfg.Metrics)
	}
	if cfg.Host.MaxExtensions != 0 || cfg.Tracing.Exporter != "none" {
		t.Errorf("maxExtensions = %d, tracing = %+v", cfg.Host.MaxExtensions, cfg.Tracing)
	}
	if cfg.Level() != slog.LevelInfo {
		t.Errorf("Level = %v", cfg.Level())
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "timeouts.toml", `
[timeouts]
initialize = "2s"
shutdown = 3
`)
	path := writeFile(t, dir, "config.toml", `
"@include" = "timeouts.toml"

[host]
logLevel = "debug"
dataDir = "${EXTHOST_TEST_ROOT}/data"

[schema]
base = "schema/base.toml"

[[extensions]]
path = "./ext/validator"
args = ["--strict"]
env = { MODE = "$EXTHOST_TEST_ROOT" }

[[extensions]]
path = "formatter"
enabled = false
`)
	t.Setenv("EXTHOST_TEST_ROOT", "/srv")

	cfg, err := Load(WithFile(path), WithEnvironment(false))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Path != path {
		t.Errorf("Path = %q, want %q", cfg.Path, path)
	}
	if cfg.Level() != slog.LevelDebug {
		t.Errorf("Level = %v, want debug", cfg.Level())
	}
	if cfg.Host.DataDir != "/srv/data" {
		t.Errorf("DataDir = %q, want /srv/data", cfg.Host.DataDir)
	}
	if cfg.Timeouts.Initialize.Std() != 2*time.Second || cfg.Timeouts.Shutdown.Std() != 3*time.Second {
		t.Errorf("timeouts = %+v", cfg.Timeouts)
	}
	if want := filepath.Join(dir, "schema", "base.toml"); cfg.Schema.Base != want {
		t.Errorf("Schema.Base = %q, want %q", cfg.Schema.Base, want)
	}

	exts := cfg.ExtensionConfigs()
	if len(exts) != 2 {
		t.Fatalf("extensions = %+v", exts)
	}
	if want := filepath.Join(dir, "ext", "validator"); exts[0].Path != want {
		t.Errorf("path = %q, want %q", exts[0].Path, want)
	}
	if !exts[0].Enabled || exts[0].Env["MODE"] != "/srv" || len(exts[0].Args) != 1 {
		t.Errorf("extension 0 = %+v", exts[0])
	}
	if exts[1].Path != "formatter" || exts[1].Enabled {
		t.Errorf("extension 1 = %+v", exts[1])
	}
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.toml", `
[host]
logLevel = "warn"

[timeouts]
initialize = "1s"
shutdown = "1s"
exitGrace = "1s"

[metrics]
addr = "127.0.0.1:1000"
`)
	writeFile(t, dir, ".env", `
EXTHOST_TIMEOUTS_INITIALIZE=2s
EXTHOST_TIMEOUTS_SHUTDOWN=2s
EXTHOST_METRICS_ADDR=127.0.0.1:2000
`)
	t.Setenv("EXTHOST_TIMEOUTS_SHUTDOWN", "3s")
	t.Setenv("EXTHOST_LOG_LEVEL", "error")
	t.Setenv("EXTHOST_DATA_DIR", "/not/for/the/host")

	cfg, err := Load(WithFile(path), WithOverrides(map[string]any{"host.logLevel": "debug"}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Timeouts.Initialize.Std(); got != 2*time.Second {
		t.Errorf("initialize = %v, want 2s from .env", got)
	}
	if got := cfg.Timeouts.Shutdown.Std(); got != 3*time.Second {
		t.Errorf("shutdown = %v, want 3s from the environment", got)
	}
	if got := cfg.Timeouts.ExitGrace.Std(); got != time.Second {
		t.Errorf("exitGrace = %v, want 1s from the file", got)
	}
	if cfg.Metrics.Addr != "127.0.0.1:2000" {
		t.Errorf("metrics.addr = %q, want the .env value", cfg.Metrics.Addr)
	}
	if cfg.Host.LogLevel != "debug" {
		t.Errorf("logLevel = %q, want the override", cfg.Host.LogLevel)
	}
	if cfg.Host.DataDir == "/not/for/the/host" {
		t.Error("EXTHOST_DATA_DIR was read as the host data dir")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(WithFile(filepath.Join(t.TempDir(), "nope.toml")), WithEnvironment(false))
	if !errors.Is(err, ErrFileNotFound) {
		t.Errorf("err = %v, want ErrFileNotFound", err)
	}

	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := Load(WithEnvironment(false))
	if err != nil {
		t.Fatalf("Load without a default file: %v", err)
	}
	if cfg.Path != "" {
		t.Errorf("Path = %q, want empty", cfg.Path)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		field   string
	}{
		{"log level", "[host]\nlogLevel = \"loud\"", "host.logLevel"},
		{"zero timeout", "[timeouts]\ninitialize = \"0s\"", "timeouts.initialize"},
		{"extension path", "[[extensions]]\nargs = [\"x\"]", "extensions[0].path"},
		{"metrics addr", "[metrics]\naddr = \"not an address\"", "metrics.addr"},
		{"max extensions", "[host]\nmaxExtensions = -1", "host.maxExtensions"},
		{"tracing exporter", "[tracing]\nexporter = \"jaeger\"", "tracing.exporter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.toml", tt.content)
			_, err := Load(WithFile(path), WithEnvironment(false))
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want *ValidationError", err)
			}
			if !verr.Has(tt.field) {
				t.Errorf("fields = %v, want %s", verr.Fields, tt.field)
			}
		})
	}
}

func TestLoad_HostLimits(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.toml", "[host]\nmaxExtensions = 4\n\n[tracing]\nexporter = \"stdout\"\n")
	cfg, err := Load(WithFile(path), WithEnvironment(false))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Host.MaxExtensions != 4 {
		t.Errorf("maxExtensions = %d, want 4", cfg.Host.MaxExtensions)
	}
	if cfg.Tracing.Exporter != "stdout" {
		t.Errorf("tracing exporter = %q, want stdout", cfg.Tracing.Exporter)
	}
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.toml", "[timeouts]\ninitialize = \"soon\"")
	if _, err := Load(WithFile(path), WithEnvironment(false)); err == nil {
		t.Error("Load accepted an invalid duration")
	}
}

func TestDuration_JSON(t *testing.T) {
	var d Duration
	for _, tt := range []struct {
		in   string
		want time.Duration
	}{
		{`"1m30s"`, 90 * time.Second},
		{`2`, 2 * time.Second},
		{`0.5`, 500 * time.Millisecond},
	} {
		if err := d.UnmarshalJSON([]byte(tt.in)); err != nil {
			t.Fatalf("UnmarshalJSON(%s): %v", tt.in, err)
		}
		if d.Std() != tt.want {
			t.Errorf("UnmarshalJSON(%s) = %v, want %v", tt.in, d.Std(), tt.want)
		}
	}
	if err := d.UnmarshalJSON([]byte(`true`)); err == nil {
		t.Error("bool accepted as a duration")
	}
	out, _ := Duration(1500 * time.Millisecond).MarshalJSON()
	if string(out) != `"1.5s"` {
		t.Errorf("MarshalJSON = %s", out)
	}
}
