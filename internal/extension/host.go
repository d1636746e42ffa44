package extension

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/exthost/internal/event"
	"github.com/dshills/exthost/internal/integration/process"
	"github.com/dshills/exthost/internal/jsonrpc"
	"github.com/dshills/exthost/internal/metrics"
	"github.com/dshills/exthost/internal/schema"
)

// ErrActive is returned by Load while extensions are still running.
var ErrActive = errors.New("extensions are still active")

// Service serves one group of inbound methods.
type Service interface {
	Serve(ctx context.Context, extensionID, method string, params json.RawMessage) (any, error)
}

// WindowCloser closes the windows an extension opened.
type WindowCloser interface {
	CloseExtensionWindows(ctx context.Context, extensionID string)
}

// EventType is the type of host event.
type EventType int

const (
	// EventStateChanged is emitted on every lifecycle transition.
	EventStateChanged EventType = iota
	// EventLoaded is emitted when the configuration is replaced.
	EventLoaded
)

// String returns a string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "state_changed"
	case EventLoaded:
		return "loaded"
	default:
		return "unknown"
	}
}

// Event reports a change in the host.
type Event struct {
	Type        EventType
	ExtensionID string
	From        State
	State       State
	Err         error
}

// Command is a command and the extension that handles it.
type Command struct {
	ExtensionID string `json:"extensionId"`
	Command     string `json:"command"`
}

// Button is a toolbar button and the extension that contributed it.
type Button struct {
	ExtensionID string `json:"extensionId"`
	ToolbarButton
}

// Host manages every configured extension.
type Host struct {
	env      Environment
	sup      *process.Supervisor
	maxProcs int
	settings *settings
	services map[string]Service
	windows  WindowCloser
	schemas  *schema.Store

	mu    sync.RWMutex
	exts  map[string]*Extension
	order []string

	obsMu     sync.RWMutex
	observers []func(Event)
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) {
		if l != nil {
			h.settings.logger = l
		}
	}
}

// WithMetrics records transitions, calls and inbound requests.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Host) {
		h.settings.metrics = m
	}
}

// WithInitializeTimeout bounds the initialize handshake.
func WithInitializeTimeout(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.settings.initTimeout = d
		}
	}
}

// WithShutdownTimeout bounds the shutdown exchange.
func WithShutdownTimeout(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.settings.shutdownTimeout = d
		}
	}
}

// WithExitGrace is how long an extension may take to exit after a
// successful shutdown before it is killed.
func WithExitGrace(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.settings.exitGrace = d
		}
	}
}

// WithRequestTimeout bounds how long the host spends answering one
// extension request. Zero means no limit.
func WithRequestTimeout(d time.Duration) Option {
	return func(h *Host) {
		if d >= 0 {
			h.settings.requestTimeout = d
		}
	}
}

// WithService routes the methods of group to s.
func WithService(group string, s Service) Option {
	return func(h *Host) {
		h.services[group] = s
	}
}

// WithWindows closes an extension's windows when it stops.
func WithWindows(w WindowCloser) Option {
	return func(h *Host) {
		h.windows = w
	}
}

// WithSchemaStore receives the schema overrides of running extensions.
func WithSchemaStore(s *schema.Store) Option {
	return func(h *Host) {
		h.schemas = s
	}
}

// WithTracerProvider traces the calls made on every extension
// connection.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(h *Host) {
		h.settings.tracer = tp
	}
}

// WithMaxExtensions caps how many extension processes may run at once.
// Zero means no limit.
func WithMaxExtensions(n int) Option {
	return func(h *Host) {
		if n >= 0 {
			h.maxProcs = n
		}
	}
}

// NewHost creates a host. Extension data lives under
// env.DataDir/extensions.
func NewHost(env Environment, opts ...Option) *Host {
	if env.APIVersion == "" {
		env.APIVersion = APIVersion
	}
	env.DataDir = filepath.Join(env.DataDir, "extensions")

	h := &Host{
		env: env,
		settings: &settings{
			logger:          slog.Default(),
			validate:        jsonrpc.NewValidator(),
			initTimeout:     DefaultInitializeTimeout,
			shutdownTimeout: DefaultShutdownTimeout,
			exitGrace:       DefaultExitGrace,
		},
		services: make(map[string]Service),
		exts:     make(map[string]*Extension),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.sup = process.NewSupervisor(
		process.WithMaxProcesses(h.maxProcs),
		process.WithProcessExitCallback(h.processExited))
	return h
}

// processExited logs every extension process exit, expected or not.
func (h *Host) processExited(p *process.Process) {
	h.settings.logger.Debug("extension process exited",
		slog.String("extension", p.Name),
		slog.Int("pid", p.PID()),
		slog.Int("exit_code", p.ExitCode()),
		slog.Duration("runtime", p.Runtime()))
}

// DataDir returns the directory handed to extensions.
func (h *Host) DataDir() string {
	return h.env.DataDir
}

// Load replaces the configured extensions. Configurations that resolve to
// the same id are loaded once. Load fails with ErrActive while any
// extension has a live process.
func (h *Host) Load(cfgs []Config) error {
	var errs []error
	exts := make(map[string]*Extension, len(cfgs))
	order := make([]string, 0, len(cfgs))
	for i, cfg := range cfgs {
		if err := h.settings.validate.Struct(cfg); err != nil {
			errs = append(errs, fmt.Errorf("extension %d: %w", i, err))
			continue
		}
		x := newExtension(cfg, h.env, h.sup, h.settings, h.route, h.transitioned)
		if _, dup := exts[x.id]; dup {
			h.settings.logger.Warn("duplicate extension ignored",
				slog.String("extension", x.id),
				slog.String("path", cfg.Path))
			continue
		}
		exts[x.id] = x
		order = append(order, x.id)
	}

	h.mu.Lock()
	for _, x := range h.exts {
		if x.State().IsActive() {
			h.mu.Unlock()
			return ErrActive
		}
	}
	h.exts = exts
	h.order = order
	h.mu.Unlock()

	if h.schemas != nil {
		h.schemas.SetOrder(order)
	}
	h.emit(Event{Type: EventLoaded})
	return errors.Join(errs...)
}

// Get returns the extension with id.
func (h *Host) Get(id string) (*Extension, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	x, ok := h.exts[id]
	return x, ok
}

// Extensions returns every configured extension in load order.
func (h *Host) Extensions() []*Extension {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Extension, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.exts[id])
	}
	return out
}

// Statuses returns a snapshot of every extension in configuration order.
func (h *Host) Statuses() []Status {
	exts := h.Extensions()
	out := make([]Status, len(exts))
	for i, x := range exts {
		out[i] = x.Status()
	}
	return out
}

// StartAll starts every enabled extension in parallel. One failing
// extension does not affect the others; all failures are returned joined.
func (h *Host) StartAll(ctx context.Context) error {
	if err := h.prepareDataDir(); err != nil {
		return err
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, x := range h.Extensions() {
		if !x.Enabled() {
			h.settings.logger.Debug("extension disabled", slog.String("extension", x.id))
			continue
		}
		g.Go(func() error {
			if err := x.Start(ctx); err != nil && !errors.Is(err, ErrStartAborted) {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", x.id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Start starts one extension.
func (h *Host) Start(ctx context.Context, id string) error {
	x, ok := h.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := h.prepareDataDir(); err != nil {
		return err
	}
	return x.Start(ctx)
}

// Stop closes the extension's windows and shuts it down.
func (h *Host) Stop(ctx context.Context, id string, reason StopReason) error {
	x, ok := h.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return h.stop(ctx, x, reason)
}

// Restart stops and starts one extension. It also recovers an extension
// from Failed.
func (h *Host) Restart(ctx context.Context, id string) error {
	x, ok := h.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := h.stop(ctx, x, ReasonReload); err != nil {
		return err
	}
	if err := h.prepareDataDir(); err != nil {
		return err
	}
	return x.Start(ctx)
}

// SetEnabled enables or disables an extension, starting or stopping it.
func (h *Host) SetEnabled(ctx context.Context, id string, enabled bool) error {
	x, ok := h.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	x.enabled.Store(enabled)

	if !enabled {
		return h.stop(ctx, x, ReasonDisabled)
	}
	if x.State().IsActive() {
		return nil
	}
	if err := h.prepareDataDir(); err != nil {
		return err
	}
	return x.Start(ctx)
}

// Reload stops every extension, replaces the configuration and starts the
// new set.
func (h *Host) Reload(ctx context.Context, cfgs []Config) error {
	if err := h.stopAll(ctx, ReasonReload); err != nil {
		return err
	}
	loadErr := h.Load(cfgs)
	if errors.Is(loadErr, ErrActive) {
		return loadErr
	}
	return errors.Join(loadErr, h.StartAll(ctx))
}

// ShutdownAll stops every extension with reason closing and then reaps
// any process left behind. The host cannot start extensions afterwards.
func (h *Host) ShutdownAll(ctx context.Context) error {
	err := h.stopAll(ctx, ReasonClosing)
	h.sup.Shutdown(h.settings.exitGrace)
	return err
}

func (h *Host) stopAll(ctx context.Context, reason StopReason) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, x := range h.Extensions() {
		g.Go(func() error {
			if err := h.stop(ctx, x, reason); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", x.id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (h *Host) stop(ctx context.Context, x *Extension, reason StopReason) error {
	if x.State() == StateRunning && h.windows != nil {
		h.windows.CloseExtensionWindows(ctx, x.id)
	}
	return x.Stop(ctx, reason)
}

// Logs returns the recent log entries of an extension.
func (h *Host) Logs(id string) ([]LogEntry, error) {
	x, ok := h.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return x.Logs(), nil
}

// ExecuteCommand sends command to the running extension that provides
// it. An unknown command is a command-not-found protocol error.
func (h *Host) ExecuteCommand(ctx context.Context, command string) error {
	for _, x := range h.running() {
		if !x.Metadata().provides(command) {
			continue
		}
		if err := x.Notify(ctx, methodCommand, CommandParams{Command: command}); err != nil {
			return fmt.Errorf("execute %s on %s: %w", command, x.id, err)
		}
		h.settings.logger.Debug("command executed",
			slog.String("extension", x.id),
			slog.String("command", command))
		return nil
	}
	return jsonrpc.NewError(jsonrpc.CodeCommandNotFound, "command not found: %s", command)
}

// Commands lists the commands of running extensions in load order.
func (h *Host) Commands() []Command {
	var out []Command
	for _, x := range h.running() {
		meta := x.Metadata()
		if meta == nil {
			continue
		}
		for _, c := range meta.Capabilities.Commands {
			out = append(out, Command{ExtensionID: x.id, Command: c})
		}
	}
	return out
}

// ToolbarButtons lists the toolbar buttons of running extensions in load
// order.
func (h *Host) ToolbarButtons() []Button {
	var out []Button
	for _, x := range h.running() {
		meta := x.Metadata()
		if meta == nil {
			continue
		}
		for _, b := range meta.ToolbarButtons {
			out = append(out, Button{ExtensionID: x.id, ToolbarButton: b})
		}
	}
	return out
}

// Subscribers returns the running extensions as event subscribers.
func (h *Host) Subscribers() []event.Subscriber {
	running := h.running()
	out := make([]event.Subscriber, 0, len(running))
	for _, x := range running {
		out = append(out, x)
	}
	return out
}

// Notify sends a notification to one extension.
func (h *Host) Notify(ctx context.Context, extensionID, method string, params any) error {
	x, ok := h.Get(extensionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, extensionID)
	}
	return x.Notify(ctx, method, params)
}

// OnEvent registers fn for host events. Handlers run synchronously on
// the goroutine that caused the event.
func (h *Host) OnEvent(fn func(Event)) {
	if fn == nil {
		return
	}
	h.obsMu.Lock()
	defer h.obsMu.Unlock()
	h.observers = append(h.observers, fn)
}

func (h *Host) running() []*Extension {
	return slices.DeleteFunc(h.Extensions(), func(x *Extension) bool {
		return x.State() != StateRunning
	})
}

func (h *Host) prepareDataDir() error {
	if err := os.MkdirAll(h.env.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	return nil
}

func (h *Host) route(ctx context.Context, extensionID string, m Method, params json.RawMessage) (any, error) {
	svc, ok := h.services[m.Group()]
	if !ok {
		return nil, jsonrpc.MethodNotFound(string(m))
	}
	return svc.Serve(ctx, extensionID, string(m), params)
}

// transitioned keeps the schema contributions in step with the running
// set and forwards the change to observers.
func (h *Host) transitioned(x *Extension, from, to State, cause error) {
	switch to {
	case StateRunning:
		if meta := x.Metadata(); meta != nil && meta.Schema != nil && h.schemas != nil {
			h.schemas.SetOverride(x.id, meta.Schema)
		}
	case StateStopped, StateFailed:
		if h.schemas != nil {
			h.schemas.RemoveOverride(x.id)
		}
		if from == StateRunning && to == StateFailed && h.windows != nil {
			h.windows.CloseExtensionWindows(context.Background(), x.id)
		}
	}
	h.emit(Event{Type: EventStateChanged, ExtensionID: x.id, From: from, State: to, Err: cause})
}

// emit calls observers outside any lock. A panicking observer is logged
// and skipped.
func (h *Host) emit(ev Event) {
	h.obsMu.RLock()
	observers := slices.Clone(h.observers)
	h.obsMu.RUnlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.settings.logger.Error("host event handler panicked", slog.Any("panic", r))
				}
			}()
			fn(ev)
		}()
	}
}
