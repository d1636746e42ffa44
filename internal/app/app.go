// Package app wires the extension host together: configuration, the
// extension registry, the editor mirror, the ui bridge, document events,
// metrics and configuration reload. It manages the host lifecycle.
package app

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/dshills/exthost/internal/config"
	"github.com/dshills/exthost/internal/config/watcher"
	"github.com/dshills/exthost/internal/editor"
	"github.com/dshills/exthost/internal/event"
	"github.com/dshills/exthost/internal/extension"
	"github.com/dshills/exthost/internal/metrics"
	"github.com/dshills/exthost/internal/schema"
	"github.com/dshills/exthost/internal/ui"
)

// Application is the central coordinator for all host components.
type Application struct {
	mu sync.RWMutex

	config     *config.Config
	configOpts []config.Option

	logger   *slog.Logger
	logLevel *slog.LevelVar
	metrics  *metrics.Metrics
	tracer   *sdktrace.TracerProvider

	schemas *schema.Store
	mirror  *editor.Mirror
	bridge  *ui.Bridge
	host    *extension.Host
	events  *event.Broadcaster
	watcher *watcher.Watcher

	server   *http.Server
	listener net.Listener

	running atomic.Bool
	done    chan struct{}
	stop    sync.Once

	opts Options
}

// Options configures the application.
type Options struct {
	// Config is used as is when set. Otherwise the configuration is
	// loaded with ConfigOptions.
	Config        *config.Config
	ConfigOptions []config.Option

	// Version is the host version reported to extensions when the
	// configuration does not set one.
	Version string

	// LogOutput receives the logs and, with the stdout exporter, the
	// trace spans. Defaults to os.Stderr.
	LogOutput io.Writer

	// Logger replaces the logger built from the configuration.
	Logger *slog.Logger

	// EditorSurface and UISurface connect the host to a user interface.
	// Without them the host runs headless.
	EditorSurface editor.Surface
	UISurface     ui.Surface

	// Watch reloads the extension set when the configuration file
	// changes.
	Watch bool
}

// New creates an Application and initializes every component. No
// extension is started until Run.
func New(opts Options) (*Application, error) {
	if opts.LogOutput == nil {
		opts.LogOutput = os.Stderr
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	app := &Application{
		opts:       opts,
		configOpts: opts.ConfigOptions,
		done:       make(chan struct{}),
	}

	if err := newBootstrapper(app, opts).bootstrap(); err != nil {
		return nil, err
	}
	return app, nil
}

// IsRunning returns true if the application is running.
func (app *Application) IsRunning() bool {
	return app.running.Load()
}

// Config returns the current configuration.
func (app *Application) Config() *config.Config {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.config
}

// Logger returns the application logger.
func (app *Application) Logger() *slog.Logger {
	return app.logger
}

// Metrics returns the metrics collectors.
func (app *Application) Metrics() *metrics.Metrics {
	return app.metrics
}

// TracerProvider returns the provider tracing extension calls, or nil
// when tracing is off.
func (app *Application) TracerProvider() *sdktrace.TracerProvider {
	return app.tracer
}

// Host returns the extension registry.
func (app *Application) Host() *extension.Host {
	return app.host
}

// Mirror returns the editor state mirror.
func (app *Application) Mirror() *editor.Mirror {
	return app.mirror
}

// Bridge returns the ui bridge.
func (app *Application) Bridge() *ui.Bridge {
	return app.bridge
}

// Schemas returns the schema store.
func (app *Application) Schemas() *schema.Store {
	return app.schemas
}

// Events returns the document event broadcaster.
func (app *Application) Events() *event.Broadcaster {
	return app.events
}

// MetricsAddr returns the address the metrics endpoint listens on, or ""
// when it is not serving.
func (app *Application) MetricsAddr() string {
	app.mu.RLock()
	defer app.mu.RUnlock()
	if app.listener == nil {
		return ""
	}
	return app.listener.Addr().String()
}

// OpenMessage is called by the editor when a message is opened. isNew
// marks a message that was created rather than read from filePath.
func (app *Application) OpenMessage(message, filePath string, isNew bool) {
	app.mirror.Sync(message, filePath)
	app.events.MessageOpened(filePath, isNew)
}

// SaveMessage is called by the editor after the message was written to
// filePath.
func (app *Application) SaveMessage(message, filePath string, saveAs bool) {
	app.mirror.Sync(message, filePath)
	app.events.MessageSaved(filePath, saveAs)
}

// EditMessage is called by the editor on every user edit.
func (app *Application) EditMessage(message string) {
	app.mirror.Sync(message, app.mirror.Get().FilePath)
	app.events.MessageChanged()
}
