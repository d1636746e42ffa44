// Package ui serves the user-facing requests extensions make: dialogs,
// file pickers and browser windows. The host application provides the
// actual interface through Surface; the bridge validates requests,
// assigns window ids and tracks which extension owns which window.
package ui

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/dshills/exthost/internal/jsonrpc"
)

// Methods served by Bridge.
const (
	MethodShowMessage = "ui/showMessage"
	MethodShowConfirm = "ui/showConfirm"
	MethodOpenFile    = "ui/openFile"
	MethodOpenWindow  = "ui/openWindow"
	MethodCloseWindow = "ui/closeWindow"

	// MethodWindowClosed is sent to the owner when one of its windows
	// closes.
	MethodWindowClosed = "window/closed"
)

// Window defaults.
const (
	DefaultWindowWidth  = 800
	DefaultWindowHeight = 600
)

// CloseReason says why a window closed.
type CloseReason string

// Close reasons.
const (
	ReasonUser      CloseReason = "user"
	ReasonExtension CloseReason = "extension"
	ReasonShutdown  CloseReason = "shutdown"
)

// ErrNoSurface is returned when the host has no user interface.
var ErrNoSurface = errors.New("no user interface available")

// Surface is the host application's user interface.
type Surface interface {
	ShowMessage(ctx context.Context, p ShowMessageParams) error
	Confirm(ctx context.Context, p ShowConfirmParams) (bool, error)
	// OpenFile returns the chosen path, or "" when the user cancelled.
	OpenFile(ctx context.Context, p OpenFileParams) (string, error)
	OpenWindow(ctx context.Context, windowID string, p OpenWindowParams) error
	CloseWindow(ctx context.Context, windowID string) error
}

// Notifier delivers notifications to extensions.
type Notifier interface {
	Notify(ctx context.Context, extensionID, method string, params any) error
}

// ShowMessageParams are the params of ui/showMessage.
type ShowMessageParams struct {
	Message string `json:"message" validate:"required"`
	Title   string `json:"title,omitempty"`
	Kind    string `json:"kind,omitempty" validate:"omitempty,oneof=info warning error"`
}

// ShowMessageResult is the result of ui/showMessage.
type ShowMessageResult struct {
	Acknowledged bool `json:"acknowledged"`
}

// ShowConfirmParams are the params of ui/showConfirm.
type ShowConfirmParams struct {
	Message string   `json:"message" validate:"required"`
	Title   string   `json:"title,omitempty"`
	Buttons []string `json:"buttons,omitempty" validate:"max=2,dive,required"`
}

// ShowConfirmResult is the result of ui/showConfirm.
type ShowConfirmResult struct {
	Confirmed bool `json:"confirmed"`
}

// FileFilter narrows a file dialog to some extensions.
type FileFilter struct {
	Name       string   `json:"name" validate:"required"`
	Extensions []string `json:"extensions" validate:"required,min=1"`
}

// OpenFileParams are the params of ui/openFile.
type OpenFileParams struct {
	Title   string       `json:"title,omitempty"`
	Filters []FileFilter `json:"filters,omitempty" validate:"dive"`
}

// OpenFileResult is the result of ui/openFile.
type OpenFileResult struct {
	Path string `json:"path,omitempty"`
}

// OpenWindowParams are the params of ui/openWindow.
type OpenWindowParams struct {
	URL       string `json:"url" validate:"required"`
	Title     string `json:"title" validate:"required"`
	Width     int    `json:"width,omitempty" validate:"omitempty,min=100,max=10000"`
	Height    int    `json:"height,omitempty" validate:"omitempty,min=100,max=10000"`
	Modal     bool   `json:"modal,omitempty"`
	Resizable *bool  `json:"resizable,omitempty"`
}

// OpenWindowResult is the result of ui/openWindow.
type OpenWindowResult struct {
	WindowID string `json:"windowId"`
}

// CloseWindowParams are the params of ui/closeWindow.
type CloseWindowParams struct {
	WindowID string `json:"windowId" validate:"required"`
}

// CloseWindowResult is the result of ui/closeWindow.
type CloseWindowResult struct {
	Success bool `json:"success"`
}

// WindowClosedParams are the params of the window/closed notification.
type WindowClosedParams struct {
	WindowID string      `json:"windowId"`
	Reason   CloseReason `json:"reason"`
}

// Bridge serves ui requests from extensions.
type Bridge struct {
	surface  Surface
	notifier Notifier
	windows  *WindowTracker
	validate *validator.Validate
	logger   *slog.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithNotifier sets where window/closed notifications go.
func WithNotifier(n Notifier) Option {
	return func(b *Bridge) {
		b.notifier = n
	}
}

// NewBridge creates a bridge over surface. A nil surface makes every
// request fail with a dialog error.
func NewBridge(surface Surface, opts ...Option) *Bridge {
	b := &Bridge{
		surface:  surface,
		windows:  NewWindowTracker(),
		validate: jsonrpc.NewValidator(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetNotifier sets where window/closed notifications go. It exists for
// wiring where the notifier is built after the bridge.
func (b *Bridge) SetNotifier(n Notifier) {
	b.notifier = n
}

// Windows returns the window tracker.
func (b *Bridge) Windows() *WindowTracker {
	return b.windows
}

// Serve handles one ui request. extensionID identifies the caller.
func (b *Bridge) Serve(ctx context.Context, extensionID, method string, params json.RawMessage) (any, error) {
	switch method {
	case MethodShowMessage:
		return b.showMessage(ctx, params)
	case MethodShowConfirm:
		return b.showConfirm(ctx, params)
	case MethodOpenFile:
		return b.openFile(ctx, params)
	case MethodOpenWindow:
		return b.openWindow(ctx, extensionID, params)
	case MethodCloseWindow:
		return b.closeWindow(ctx, extensionID, params)
	default:
		return nil, jsonrpc.MethodNotFound(method)
	}
}

func (b *Bridge) showMessage(ctx context.Context, params json.RawMessage) (any, error) {
	var p ShowMessageParams
	if err := jsonrpc.BindParams(params, &p, b.validate); err != nil {
		return nil, err
	}
	if p.Kind == "" {
		p.Kind = "info"
	}
	if b.surface == nil {
		return nil, dialogError(ErrNoSurface)
	}
	if err := b.surface.ShowMessage(ctx, p); err != nil {
		return nil, dialogError(err)
	}
	return ShowMessageResult{Acknowledged: true}, nil
}

func (b *Bridge) showConfirm(ctx context.Context, params json.RawMessage) (any, error) {
	var p ShowConfirmParams
	if err := jsonrpc.BindParams(params, &p, b.validate); err != nil {
		return nil, err
	}
	if b.surface == nil {
		return nil, dialogError(ErrNoSurface)
	}
	ok, err := b.surface.Confirm(ctx, p)
	if err != nil {
		return nil, dialogError(err)
	}
	return ShowConfirmResult{Confirmed: ok}, nil
}

func (b *Bridge) openFile(ctx context.Context, params json.RawMessage) (any, error) {
	var p OpenFileParams
	if err := jsonrpc.BindParams(params, &p, b.validate); err != nil {
		return nil, err
	}
	if b.surface == nil {
		return nil, dialogError(ErrNoSurface)
	}
	path, err := b.surface.OpenFile(ctx, p)
	if err != nil {
		return nil, dialogError(err)
	}
	return OpenFileResult{Path: path}, nil
}

func (b *Bridge) openWindow(ctx context.Context, extensionID string, params json.RawMessage) (any, error) {
	var p OpenWindowParams
	if err := jsonrpc.BindParams(params, &p, b.validate); err != nil {
		return nil, err
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidURL, "invalid URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidURL, "URL scheme must be http or https")
	}
	if u.Host == "" {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidURL, "URL has no host")
	}

	if p.Width == 0 {
		p.Width = DefaultWindowWidth
	}
	if p.Height == 0 {
		p.Height = DefaultWindowHeight
	}
	if p.Resizable == nil {
		resizable := true
		p.Resizable = &resizable
	}
	if b.surface == nil {
		return nil, windowError(ErrNoSurface)
	}

	id := "ext-window-" + uuid.NewString()
	if err := b.surface.OpenWindow(ctx, id, p); err != nil {
		return nil, windowError(err)
	}
	b.windows.Track(id, extensionID)
	b.logger.Debug("extension window opened",
		slog.String("extension", extensionID),
		slog.String("window", id),
		slog.String("url", p.URL))
	return OpenWindowResult{WindowID: id}, nil
}

func (b *Bridge) closeWindow(ctx context.Context, extensionID string, params json.RawMessage) (any, error) {
	var p CloseWindowParams
	if err := jsonrpc.BindParams(params, &p, b.validate); err != nil {
		return nil, err
	}
	if owner, ok := b.windows.Owner(p.WindowID); ok && owner != extensionID {
		return nil, jsonrpc.NewError(jsonrpc.CodeWindowError,
			"window %s does not belong to extension %s", p.WindowID, extensionID)
	}

	// Untrack first so the surface's close callback does not report the
	// window a second time.
	_, tracked := b.windows.Untrack(p.WindowID)
	if b.surface != nil {
		if err := b.surface.CloseWindow(ctx, p.WindowID); err != nil {
			return nil, windowError(err)
		}
	}
	if tracked {
		b.notify(ctx, extensionID, p.WindowID, ReasonExtension)
	}
	return CloseWindowResult{Success: true}, nil
}

// WindowClosed is called by the surface when the user closes a window.
func (b *Bridge) WindowClosed(ctx context.Context, windowID string) {
	owner, ok := b.windows.Untrack(windowID)
	if !ok {
		return
	}
	b.notify(ctx, owner, windowID, ReasonUser)
}

// CloseExtensionWindows closes every window extensionID owns and tells
// it so.
func (b *Bridge) CloseExtensionWindows(ctx context.Context, extensionID string) {
	for _, id := range b.windows.Owned(extensionID) {
		if _, ok := b.windows.Untrack(id); !ok {
			continue
		}
		if b.surface != nil {
			if err := b.surface.CloseWindow(ctx, id); err != nil {
				b.logger.Warn("extension window close failed",
					slog.String("extension", extensionID),
					slog.String("window", id),
					slog.Any("err", err))
			}
		}
		b.notify(ctx, extensionID, id, ReasonShutdown)
	}
}

func (b *Bridge) notify(ctx context.Context, extensionID, windowID string, reason CloseReason) {
	if b.notifier == nil {
		return
	}
	err := b.notifier.Notify(ctx, extensionID, MethodWindowClosed, WindowClosedParams{WindowID: windowID, Reason: reason})
	if err != nil {
		b.logger.Debug("window closed notification not delivered",
			slog.String("extension", extensionID),
			slog.String("window", windowID),
			slog.Any("err", err))
	}
}

func dialogError(err error) error {
	return jsonrpc.NewError(jsonrpc.CodeDialogError, "%v", err)
}

func windowError(err error) error {
	return jsonrpc.NewError(jsonrpc.CodeWindowError, "%v", err)
}
