package app

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"reflect"
	"time"

	"github.com/dshills/exthost/internal/config"
	"github.com/dshills/exthost/internal/config/watcher"
	"github.com/dshills/exthost/internal/metrics"
)

// Run starts the configured extensions, the metrics endpoint and the
// configuration watcher, then blocks until ctx is done or Stop is called.
// Everything is shut down before Run returns.
//
// An extension that fails to start is logged and left in the failed
// state; it does not stop the host.
func (app *Application) Run(ctx context.Context) error {
	if !app.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer app.running.Store(false)

	if err := app.host.StartAll(ctx); err != nil {
		app.logger.Warn("some extensions failed to start", "error", err)
	}

	if app.config.Metrics.Enabled {
		if err := app.serveMetrics(app.config.Metrics.Addr); err != nil {
			_ = app.shutdown()
			return NewComponentError("metrics", "listen", err)
		}
	}

	if app.watcher != nil {
		if err := app.watcher.Start(); err != nil {
			_ = app.shutdown()
			return NewComponentError("config watcher", "start", err)
		}
	}

	app.logger.Info("extension host running",
		"version", app.config.Host.Version,
		"extensions", len(app.host.Extensions()))

	select {
	case <-ctx.Done():
	case <-app.done:
	}
	return app.shutdown()
}

// Stop makes Run return. It is safe to call more than once.
func (app *Application) Stop() {
	app.stop.Do(func() { close(app.done) })
}

// shutdown stops the watcher, delivers pending document events and shuts
// every extension down. The metrics endpoint closes and buffered spans
// are flushed last.
func (app *Application) shutdown() error {
	app.logger.Info("shutting down")

	if app.watcher != nil {
		app.watcher.Stop()
	}

	app.events.Flush()
	app.events.Wait()

	cfg := app.Config()
	timeout := cfg.Timeouts.Shutdown.Std() + 2*cfg.Timeouts.ExitGrace.Std()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := app.host.ShutdownAll(ctx); err != nil {
		errs = append(errs, NewComponentError("extensions", "shutdown", err))
	}
	app.events.Close()

	app.mu.Lock()
	server := app.server
	app.server = nil
	app.listener = nil
	app.mu.Unlock()
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			errs = append(errs, NewComponentError("metrics", "shutdown", err))
		}
	}
	if app.tracer != nil {
		if err := app.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, NewComponentError("tracing", "shutdown", err))
		}
	}
	return errors.Join(errs...)
}

func (app *Application) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", app.metrics.Handler())
	mux.HandleFunc("/extensions", app.serveStatuses)
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	app.mu.Lock()
	app.server = server
	app.listener = ln
	app.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("metrics server stopped", "error", err)
		}
	}()
	app.logger.Info("serving metrics", "addr", ln.Addr().String())
	return nil
}

// serveStatuses reports every configured extension as JSON.
func (app *Application) serveStatuses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(app.host.Statuses()); err != nil {
		app.logger.Debug("writing extension statuses", "error", err)
	}
}

// handleConfigChange reloads after the configuration file changed. A
// removed file keeps the current configuration.
func (app *Application) handleConfigChange(e watcher.Event) {
	if e.Op == watcher.OpRemove {
		app.logger.Warn("configuration file removed, keeping current configuration", "path", e.Path)
		return
	}
	cfg := app.Config()
	timeout := cfg.Timeouts.Shutdown.Std() + cfg.Timeouts.ExitGrace.Std() + cfg.Timeouts.Initialize.Std()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := app.Reload(ctx); err != nil {
		app.logger.Error("configuration reload failed", "path", e.Path, "error", err)
	}
}

// Reload reads the configuration again. The log level always follows the
// new configuration. The extension set is restarted only when the
// configured extensions changed. An invalid configuration is rejected and
// the current one stays in effect.
func (app *Application) Reload(ctx context.Context) error {
	current := app.Config()

	opts := make([]config.Option, 0, len(app.configOpts)+1)
	if current.Path != "" {
		opts = append(opts, config.WithFile(current.Path))
	}
	opts = append(opts, app.configOpts...)

	cfg, err := config.Load(opts...)
	if err != nil {
		app.metrics.ObserveReload(metrics.OutcomeError)
		return err
	}
	if cfg.Host.Version == "" {
		cfg.Host.Version = current.Host.Version
	}

	app.mu.Lock()
	app.config = cfg
	app.mu.Unlock()
	app.logLevel.Set(cfg.Level())

	next := cfg.ExtensionConfigs()
	if reflect.DeepEqual(current.ExtensionConfigs(), next) {
		app.logger.Debug("configuration reloaded, extensions unchanged")
		app.metrics.ObserveReload(metrics.OutcomeOK)
		return nil
	}

	app.logger.Info("configuration reloaded, restarting extensions", "count", len(next))
	if err := app.host.Reload(ctx, next); err != nil {
		app.metrics.ObserveReload(metrics.OutcomeError)
		return NewComponentError("extensions", "reload", err)
	}
	app.metrics.ObserveReload(metrics.OutcomeOK)
	return nil
}
