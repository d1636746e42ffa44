package app

import (
	"context"
	"log/slog"

	"github.com/dshills/exthost/internal/editor"
	"github.com/dshills/exthost/internal/ui"
)

// Compile-time interface checks.
var (
	_ editor.Surface = headlessEditor{}
	_ ui.Surface     = (*headlessUI)(nil)
)

// headlessEditor stands in for an editing surface when the host runs
// without one. It logs each render.
type headlessEditor struct {
	logger *slog.Logger
}

func (e headlessEditor) Render(state editor.State) {
	e.logger.Debug("message rendered",
		"revision", state.Revision,
		"file", state.FilePath,
		"bytes", len(state.Message))
}

// headlessUI answers ui requests without a user. Messages are logged,
// confirmations are declined and file pickers are cancelled.
type headlessUI struct {
	logger *slog.Logger
}

func newHeadlessUI(logger *slog.Logger) *headlessUI {
	return &headlessUI{logger: logger.With("component", "ui")}
}

func (u *headlessUI) ShowMessage(ctx context.Context, p ui.ShowMessageParams) error {
	level := slog.LevelInfo
	switch p.Kind {
	case "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	u.logger.Log(ctx, level, p.Message, "title", p.Title)
	return nil
}

func (u *headlessUI) Confirm(_ context.Context, p ui.ShowConfirmParams) (bool, error) {
	u.logger.Info("confirmation declined", "message", p.Message)
	return false, nil
}

func (u *headlessUI) OpenFile(_ context.Context, p ui.OpenFileParams) (string, error) {
	u.logger.Info("file dialog cancelled", "title", p.Title)
	return "", nil
}

func (u *headlessUI) OpenWindow(_ context.Context, windowID string, p ui.OpenWindowParams) error {
	u.logger.Info("window opened", "window", windowID, "url", p.URL, "title", p.Title)
	return nil
}

func (u *headlessUI) CloseWindow(_ context.Context, windowID string) error {
	u.logger.Info("window closed", "window", windowID)
	return nil
}
