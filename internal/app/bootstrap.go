package app

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
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

// bootstrapper handles component initialization with proper cleanup on failure.
type bootstrapper struct {
	app       *Application
	opts      Options
	initOrder []string
}

func newBootstrapper(app *Application, opts Options) *bootstrapper {
	return &bootstrapper{
		app:       app,
		opts:      opts,
		initOrder: make([]string, 0, 8),
	}
}

// bootstrap initializes all components in dependency order.
// On failure, it cleans up already-initialized components.
func (b *bootstrapper) bootstrap() error {
	steps := []func() error{
		b.initConfig,
		b.initLogging,
		b.initMetrics,
		b.initTracing,
		b.initSchemas,
		b.initEditor,
		b.initUI,
		b.initHost,
		b.initEvents,
		b.initWatcher,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			b.cleanup()
			return err
		}
	}
	return nil
}

func (b *bootstrapper) initConfig() error {
	cfg := b.opts.Config
	if cfg == nil {
		var err error
		cfg, err = config.Load(b.opts.ConfigOptions...)
		if err != nil {
			return &InitError{Component: "config", Err: err}
		}
	}
	if cfg.Host.Version == "" {
		cfg.Host.Version = b.opts.Version
	}
	b.app.config = cfg
	return nil
}

func (b *bootstrapper) initLogging() error {
	b.app.logLevel = new(slog.LevelVar)
	b.app.logLevel.Set(b.app.config.Level())
	if b.opts.Logger != nil {
		b.app.logger = b.opts.Logger
		return nil
	}
	b.app.logger = NewLogger(b.opts.LogOutput, b.app.logLevel, b.app.config.Host.LogFormat)
	return nil
}

func (b *bootstrapper) initMetrics() error {
	b.app.metrics = metrics.New()
	return nil
}

func (b *bootstrapper) initTracing() error {
	if b.app.config.Tracing.Exporter != "stdout" {
		return nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(b.opts.LogOutput))
	if err != nil {
		return &InitError{Component: "tracing", Err: err}
	}
	b.app.tracer = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	b.initOrder = append(b.initOrder, "tracing")
	return nil
}

func (b *bootstrapper) initSchemas() error {
	var (
		base *schema.Schema
		err  error
	)
	if path := b.app.config.Schema.Base; path != "" {
		base, err = schema.LoadBase(path)
	} else {
		base, err = schema.Builtin()
	}
	if err != nil {
		return &InitError{Component: "schema", Err: err}
	}
	b.app.schemas = schema.NewStore(base,
		schema.WithLogger(b.app.logger),
		schema.WithMetrics(b.app.metrics))
	return nil
}

func (b *bootstrapper) initEditor() error {
	surface := b.opts.EditorSurface
	if surface == nil {
		surface = headlessEditor{logger: b.app.logger}
	}
	b.app.mirror = editor.NewMirror(
		editor.WithSurface(surface),
		editor.WithLogger(b.app.logger),
		editor.WithMetrics(b.app.metrics))
	return nil
}

func (b *bootstrapper) initUI() error {
	surface := b.opts.UISurface
	if surface == nil {
		surface = newHeadlessUI(b.app.logger)
	}
	b.app.bridge = ui.NewBridge(surface, ui.WithLogger(b.app.logger))
	return nil
}

func (b *bootstrapper) initHost() error {
	cfg := b.app.config
	env := extension.Environment{
		HostVersion: cfg.Host.Version,
		APIVersion:  extension.APIVersion,
		DataDir:     cfg.Host.DataDir,
	}
	opts := []extension.Option{
		extension.WithLogger(b.app.logger),
		extension.WithMetrics(b.app.metrics),
		extension.WithMaxExtensions(cfg.Host.MaxExtensions),
		extension.WithInitializeTimeout(cfg.Timeouts.Initialize.Std()),
		extension.WithShutdownTimeout(cfg.Timeouts.Shutdown.Std()),
		extension.WithExitGrace(cfg.Timeouts.ExitGrace.Std()),
		extension.WithRequestTimeout(cfg.Timeouts.Request.Std()),
		extension.WithService(extension.GroupEditor, editor.NewHandler(b.app.mirror)),
		extension.WithService(extension.GroupUI, b.app.bridge),
		extension.WithWindows(b.app.bridge),
		extension.WithSchemaStore(b.app.schemas),
	}
	if b.app.tracer != nil {
		opts = append(opts, extension.WithTracerProvider(b.app.tracer))
	}
	b.app.host = extension.NewHost(env, opts...)
	b.app.bridge.SetNotifier(b.app.host)

	if err := b.app.host.Load(cfg.ExtensionConfigs()); err != nil {
		return &InitError{Component: "extensions", Err: err}
	}
	b.app.host.OnEvent(b.app.logHostEvent)
	b.initOrder = append(b.initOrder, "host")
	return nil
}

func (b *bootstrapper) initEvents() error {
	b.app.events = event.New(b.app.host, b.app.mirror,
		event.WithLogger(b.app.logger),
		event.WithMetrics(b.app.metrics),
		event.WithDebounce(b.app.config.Timeouts.Debounce.Std()))

	// Extension edits change the document like user edits do.
	b.app.mirror.OnChange(func(editor.State) {
		b.app.events.MessageChanged()
	})
	b.initOrder = append(b.initOrder, "events")
	return nil
}

func (b *bootstrapper) initWatcher() error {
	path := b.app.config.Path
	if !b.opts.Watch || path == "" {
		return nil
	}
	w := watcher.New(
		watcher.WithDebounce(b.app.config.Timeouts.Reload.Std()),
		watcher.WithLogger(b.app.logger))
	if err := w.Watch(path); err != nil {
		return &InitError{Component: "config watcher", Err: err}
	}
	w.OnChange(b.app.handleConfigChange)
	b.app.watcher = w
	return nil
}

// cleanup performs cleanup in reverse initialization order.
// Called when bootstrap fails partway through.
func (b *bootstrapper) cleanup() {
	for i := len(b.initOrder) - 1; i >= 0; i-- {
		switch b.initOrder[i] {
		case "events":
			b.app.events.Close()
			b.app.events = nil
		case "host":
			b.app.host = nil
		case "tracing":
			_ = b.app.tracer.Shutdown(context.Background())
			b.app.tracer = nil
		}
	}
}
