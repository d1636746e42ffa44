package app

import (
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/dshills/exthost/internal/extension"
)

// NewLogger builds the host logger. format is "text", "json" or "auto";
// auto writes text to a terminal and JSON everywhere else.
func NewLogger(w io.Writer, level slog.Leveler, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if useText(w, format) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func useText(w io.Writer, format string) bool {
	switch format {
	case "text":
		return true
	case "json":
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// SetLogLevel changes the level of the logger built by New.
func (app *Application) SetLogLevel(level slog.Level) {
	app.logLevel.Set(level)
}

func (app *Application) logHostEvent(e extension.Event) {
	switch e.Type {
	case extension.EventStateChanged:
		attrs := []any{"extension", e.ExtensionID, "from", e.From.String(), "to", e.State.String()}
		if e.Err != nil {
			app.logger.Warn("extension state changed", append(attrs, "error", e.Err)...)
			return
		}
		app.logger.Debug("extension state changed", attrs...)
	case extension.EventLoaded:
		app.logger.Info("extensions loaded", "count", len(app.host.Extensions()))
	}
}
