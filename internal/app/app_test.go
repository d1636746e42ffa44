package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/exthost/internal/config"
	"github.com/dshills/exthost/internal/extension"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func loadConfig(t *testing.T, content string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfig(t, path, content)
	cfg, err := config.Load(config.WithFile(path), config.WithEnvironment(false))
	require.NoError(t, err)
	cfg.Host.DataDir = t.TempDir()
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *Application {
	t.Helper()
	app, err := New(Options{Config: cfg, LogOutput: io.Discard})
	require.NoError(t, err)
	return app
}

// runApp runs app in the background and returns a function that stops it
// and returns the error from Run.
func runApp(t *testing.T, app *Application) func() error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- app.Run(context.Background()) }()
	require.Eventually(t, app.IsRunning, 2*time.Second, 10*time.Millisecond)
	return func() error {
		app.Stop()
		select {
		case err := <-errc:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after Stop")
			return nil
		}
	}
}

func TestNew_Headless(t *testing.T) {
	app := newTestApp(t, loadConfig(t, ""))

	assert.Equal(t, "dev", app.Config().Host.Version)
	assert.NotNil(t, app.Logger())
	assert.NotNil(t, app.Metrics())
	assert.NotNil(t, app.Mirror())
	assert.NotNil(t, app.Bridge())
	assert.NotNil(t, app.Events())
	assert.Empty(t, app.Host().Extensions())
	assert.False(t, app.IsRunning())
	assert.Empty(t, app.MetricsAddr())

	names := app.Schemas().Effective().SegmentNames()
	assert.Contains(t, names, "MSH")
}

func TestNew_LoadsExtensions(t *testing.T) {
	app := newTestApp(t, loadConfig(t, `
[[extensions]]
path = "/opt/ext/validator"

[[extensions]]
path = "/opt/ext/formatter"
enabled = false
`))

	exts := app.Host().Extensions()
	require.Len(t, exts, 2)
	assert.Equal(t, extension.ID("/opt/ext/validator"), exts[0].ID())
	assert.True(t, exts[0].Enabled())
	assert.False(t, exts[1].Enabled())
}

func TestNew_SchemaError(t *testing.T) {
	cfg := loadConfig(t, "")
	cfg.Schema.Base = filepath.Join(t.TempDir(), "missing.toml")

	_, err := New(Options{Config: cfg, LogOutput: io.Discard})
	var initErr *InitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, "schema", initErr.Component)
}

func TestNew_ConfigError(t *testing.T) {
	_, err := New(Options{
		ConfigOptions: []config.Option{
			config.WithFile(filepath.Join(t.TempDir(), "nope.toml")),
			config.WithEnvironment(false),
		},
		LogOutput: io.Discard,
	})
	assert.ErrorIs(t, err, config.ErrFileNotFound)
}

func TestRun_MetricsEndpoint(t *testing.T) {
	cfg := loadConfig(t, "")
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = "127.0.0.1:0"
	app := newTestApp(t, cfg)

	stop := runApp(t, app)
	require.Eventually(t, func() bool { return app.MetricsAddr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + app.MetricsAddr() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "exthost_schema_fields")

	require.NoError(t, stop())
	assert.False(t, app.IsRunning())
	assert.Empty(t, app.MetricsAddr())
}

func TestRun_ExtensionStatusEndpoint(t *testing.T) {
	cfg := loadConfig(t, `
[[extensions]]
path = "/nonexistent/exthost-extension"
`)
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = "127.0.0.1:0"
	app := newTestApp(t, cfg)
	stop := runApp(t, app)
	require.Eventually(t, func() bool { return app.MetricsAddr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + app.MetricsAddr() + "/extensions")
	require.NoError(t, err)
	var statuses []map[string]any
	err = json.NewDecoder(resp.Body).Decode(&statuses)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.Len(t, statuses, 1)
	assert.Equal(t, "/nonexistent/exthost-extension", statuses[0]["path"])
	assert.Equal(t, "failed", statuses[0]["state"])
	assert.Contains(t, statuses[0]["error"], "spawn")

	resp, err = http.Post("http://"+app.MetricsAddr()+"/extensions", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	require.NoError(t, stop())
}

func TestNew_StdoutTracing(t *testing.T) {
	cfg := loadConfig(t, "[tracing]\nexporter = \"stdout\"\n")
	var out bytes.Buffer
	app, err := New(Options{
		Config:    cfg,
		LogOutput: &out,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	require.NotNil(t, app.TracerProvider())

	_, span := app.TracerProvider().Tracer("test").Start(context.Background(), "reload")
	span.End()

	stop := runApp(t, app)
	require.NoError(t, stop())
	assert.Contains(t, out.String(), `"reload"`)
}

func TestNew_TracingOff(t *testing.T) {
	app := newTestApp(t, loadConfig(t, ""))
	assert.Nil(t, app.TracerProvider())
}

func TestRun_AlreadyRunning(t *testing.T) {
	app := newTestApp(t, loadConfig(t, ""))
	stop := runApp(t, app)

	assert.ErrorIs(t, app.Run(context.Background()), ErrAlreadyRunning)
	require.NoError(t, stop())
}

func TestRun_FailedExtensionDoesNotStopHost(t *testing.T) {
	cfg := loadConfig(t, `
[[extensions]]
path = "/nonexistent/exthost-extension"
`)
	app := newTestApp(t, cfg)
	stop := runApp(t, app)

	exts := app.Host().Extensions()
	require.Len(t, exts, 1)
	require.Eventually(t, func() bool {
		return exts[0].State() == extension.StateFailed
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, app.IsRunning())
	require.NoError(t, stop())
}

func TestRun_ContextCancel(t *testing.T) {
	app := newTestApp(t, loadConfig(t, ""))
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- app.Run(ctx) }()
	require.Eventually(t, app.IsRunning, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	writeConfig(t, path, `
[host]
dataDir = "`+filepath.ToSlash(dir)+`/data"

[[extensions]]
path = "/opt/ext/a"
enabled = false
`)
	app, err := New(Options{
		ConfigOptions: []config.Option{config.WithFile(path), config.WithEnvironment(false)},
		LogOutput:     io.Discard,
	})
	require.NoError(t, err)
	require.Len(t, app.Host().Extensions(), 1)

	writeConfig(t, path, `
[host]
dataDir = "`+filepath.ToSlash(dir)+`/data"
logLevel = "debug"

[[extensions]]
path = "/opt/ext/a"
enabled = false

[[extensions]]
path = "/opt/ext/b"
enabled = false
`)
	require.NoError(t, app.Reload(context.Background()))
	assert.Equal(t, slog.LevelDebug, app.logLevel.Level())
	assert.Len(t, app.Host().Extensions(), 2)

	writeConfig(t, path, "[host]\nlogLevel = \"loud\"")
	err = app.Reload(context.Background())
	var verr *config.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "debug", app.Config().Host.LogLevel)
	assert.Len(t, app.Host().Extensions(), 2)
}

func TestReload_Unchanged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[host]
dataDir = "` + filepath.ToSlash(dir) + `/data"

[[extensions]]
path = "/opt/ext/a"
enabled = false
`
	writeConfig(t, path, content)
	app, err := New(Options{
		ConfigOptions: []config.Option{config.WithFile(path), config.WithEnvironment(false)},
		LogOutput:     io.Discard,
	})
	require.NoError(t, err)
	before := app.Host().Extensions()[0]

	require.NoError(t, app.Reload(context.Background()))
	assert.Same(t, before, app.Host().Extensions()[0])
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	writeConfig(t, path, `
[host]
dataDir = "`+filepath.ToSlash(dir)+`/data"

[timeouts]
reload = "20ms"
`)
	app, err := New(Options{
		ConfigOptions: []config.Option{config.WithFile(path), config.WithEnvironment(false)},
		LogOutput:     io.Discard,
		Watch:         true,
	})
	require.NoError(t, err)
	stop := runApp(t, app)

	writeConfig(t, path, `
[host]
dataDir = "`+filepath.ToSlash(dir)+`/data"

[timeouts]
reload = "20ms"

[[extensions]]
path = "/opt/ext/a"
enabled = false
`)
	require.Eventually(t, func() bool { return len(app.Host().Extensions()) == 1 }, 3*time.Second, 20*time.Millisecond)
	require.NoError(t, stop())
}

func TestOpenMessage(t *testing.T) {
	app := newTestApp(t, loadConfig(t, ""))

	app.OpenMessage("MSH|^~\\&|A|B\r", "/tmp/a.hl7", false)
	state := app.Mirror().Get()
	assert.Equal(t, "/tmp/a.hl7", state.FilePath)
	assert.Equal(t, "MSH|^~\\&|A|B\r", state.Message)

	app.EditMessage("MSH|^~\\&|A|C\r")
	state = app.Mirror().Get()
	assert.Equal(t, "MSH|^~\\&|A|C\r", state.Message)
	assert.Equal(t, "/tmp/a.hl7", state.FilePath)
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		format string
		json   bool
	}{
		{"json", true},
		{"text", false},
		{"auto", true},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(&buf, slog.LevelInfo, tt.format)
			logger.Debug("hidden")
			logger.Info("hello", "k", "v")

			assert.NotContains(t, buf.String(), "hidden")
			var rec map[string]any
			isJSON := json.Unmarshal(buf.Bytes(), &rec) == nil
			assert.Equal(t, tt.json, isJSON, buf.String())
		})
	}
}

func TestInitError(t *testing.T) {
	base := errors.New("boom")
	err := &InitError{Component: "schema", Err: base}
	assert.Equal(t, "init schema: boom", err.Error())
	assert.ErrorIs(t, err, base)
}
