package extension

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/exthost/internal/event"
	"github.com/dshills/exthost/internal/integration/process"
	"github.com/dshills/exthost/internal/jsonrpc"
	"github.com/dshills/exthost/internal/metrics"
)

// Lifecycle defaults.
const (
	DefaultInitializeTimeout = 10 * time.Second
	DefaultShutdownTimeout   = 5 * time.Second
	DefaultExitGrace         = time.Second

	stderrTailLines = 20
	stderrDrain     = 200 * time.Millisecond
)

// Extension errors.
var (
	// ErrNotFound is returned for an unknown extension id.
	ErrNotFound = errors.New("extension not found")

	// ErrNotRunning is returned when an operation needs a running extension.
	ErrNotRunning = errors.New("extension is not running")

	// ErrHandshake wraps every initialize failure.
	ErrHandshake = errors.New("extension handshake failed")

	// ErrStartAborted is returned by Start when Stop abandons the
	// handshake. The extension ends Stopped, not Failed.
	ErrStartAborted = errors.New("extension start aborted by stop")

	// ErrStreamClosed is the failure cause when the process goes away
	// without a shutdown exchange.
	ErrStreamClosed = errors.New("extension stream closed")
)

// settings are shared by a Host and every extension it owns.
type settings struct {
	logger          *slog.Logger
	metrics         *metrics.Metrics
	validate        *validator.Validate
	initTimeout     time.Duration
	shutdownTimeout time.Duration
	exitGrace       time.Duration
	requestTimeout  time.Duration
	tracer          trace.TracerProvider
}

type routeFunc func(ctx context.Context, extensionID string, method Method, params json.RawMessage) (any, error)

type transitionFunc func(x *Extension, from, to State, cause error)

// Extension is one configured extension and, while active, its process
// and connection. Lifecycle operations are serialized; accessors are safe
// for concurrent use.
type Extension struct {
	id       string
	config   Config
	env      Environment
	sup      *process.Supervisor
	route    routeFunc
	observe  transitionFunc
	settings *settings
	logger   *slog.Logger
	enabled  atomic.Bool

	// opMu serializes Start and Stop.
	opMu sync.Mutex

	mu          sync.RWMutex
	state       State
	err         error
	metadata    *Metadata
	proc        *process.Process
	conn        *jsonrpc.Conn
	stderrDone  chan struct{}
	cancelStart context.CancelCauseFunc
	lastExit    *ExitStatus

	logs   *logRing
	stderr *logRing
}

func newExtension(cfg Config, env Environment, sup *process.Supervisor, s *settings, route routeFunc, observe transitionFunc) *Extension {
	id := ID(cfg.Path)
	x := &Extension{
		id:       id,
		config:   cfg,
		env:      env,
		sup:      sup,
		route:    route,
		observe:  observe,
		settings: s,
		logger:   s.logger.With(slog.String("extension", id)),
		logs:     newLogRing(DefaultLogCapacity),
		stderr:   newLogRing(stderrTailLines),
	}
	x.enabled.Store(cfg.Enabled)
	return x
}

// ID returns the extension id.
func (x *Extension) ID() string {
	return x.id
}

// Config returns the extension's configuration.
func (x *Extension) Config() Config {
	cfg := x.config
	cfg.Enabled = x.enabled.Load()
	return cfg
}

// Enabled reports whether the extension starts with the host.
func (x *Extension) Enabled() bool {
	return x.enabled.Load()
}

// State returns the current lifecycle state.
func (x *Extension) State() State {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.state
}

// Err returns the failure cause while the extension is Failed.
func (x *Extension) Err() error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.err
}

// Metadata returns what the extension declared in its last successful
// handshake, or nil. The result must not be modified.
func (x *Extension) Metadata() *Metadata {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.metadata
}

// PID returns the process id, or 0 when no process is running.
func (x *Extension) PID() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.proc == nil {
		return 0
	}
	return x.proc.PID()
}

// LastExit returns how the most recent process ended, or nil if none has.
func (x *Extension) LastExit() *ExitStatus {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.lastExit
}

// Status returns a snapshot of the extension.
func (x *Extension) Status() Status {
	x.mu.RLock()
	defer x.mu.RUnlock()
	st := Status{
		ID:       x.id,
		Path:     x.config.Path,
		Enabled:  x.enabled.Load(),
		State:    x.state,
		LastExit: x.lastExit,
	}
	if x.proc != nil {
		st.PID = x.proc.PID()
		st.Uptime = x.proc.Runtime().Round(time.Second).String()
	}
	if x.metadata != nil {
		st.Name, st.Version = x.metadata.Name, x.metadata.Version
	}
	if x.err != nil {
		st.Error = x.err.Error()
	}
	return st
}

// Logs returns the extension's recent log entries, oldest first.
func (x *Extension) Logs() []LogEntry {
	return x.logs.snapshot()
}

// Start spawns the process and performs the initialize handshake. On
// failure the process is killed and the extension is left Failed. A Stop
// during the handshake leaves it Stopped and Start returns
// ErrStartAborted.
func (x *Extension) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	x.mu.Lock()
	x.cancelStart = cancel
	x.mu.Unlock()
	defer func() {
		x.mu.Lock()
		x.cancelStart = nil
		x.mu.Unlock()
	}()

	x.opMu.Lock()
	defer x.opMu.Unlock()

	if aborted(ctx) {
		return ErrStartAborted
	}
	if err := x.transition(inputStart, nil); err != nil {
		return err
	}

	if err := x.spawn(); err != nil {
		err = fmt.Errorf("%w: spawn %s: %w", ErrHandshake, x.config.Path, err)
		x.fail(inputHandshakeFailed, err)
		return err
	}

	meta, err := x.initialize(ctx)
	if err != nil {
		x.teardown()
		if aborted(ctx) {
			x.logger.Info("extension handshake abandoned")
			if terr := x.transition(inputStop, nil); terr != nil {
				return terr
			}
			return ErrStartAborted
		}
		err = x.withStderr(fmt.Errorf("%w: %w", ErrHandshake, err))
		x.fail(inputHandshakeFailed, err)
		return err
	}

	x.mu.Lock()
	x.metadata = meta
	x.mu.Unlock()

	if err := x.transition(inputHandshakeOK, nil); err != nil {
		// The stream closed between the reply and now.
		if cause := x.Err(); cause != nil {
			return cause
		}
		return err
	}
	return nil
}

func aborted(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrStartAborted)
}

// Stop asks the extension to shut down and waits for it to go away. An
// unresponsive extension is killed after the shutdown timeout. Stopping
// an extension that is not running is a no-op; a handshake in progress
// is abandoned.
func (x *Extension) Stop(ctx context.Context, reason StopReason) error {
	x.mu.RLock()
	if x.cancelStart != nil {
		x.cancelStart(ErrStartAborted)
	}
	x.mu.RUnlock()

	x.opMu.Lock()
	defer x.opMu.Unlock()

	if err := x.transition(inputStop, nil); err != nil {
		if st := x.State(); st == StateStopped || st == StateFailed {
			return nil
		}
		return err
	}

	x.mu.RLock()
	conn, proc := x.conn, x.proc
	x.mu.RUnlock()

	graceful := false
	if conn != nil {
		sctx, cancel := context.WithTimeout(ctx, x.settings.shutdownTimeout)
		err := conn.Call(sctx, methodShutdown, ShutdownParams{Reason: reason}, nil)
		cancel()
		if err != nil {
			x.logger.Warn("extension shutdown failed", slog.String("reason", string(reason)), slog.Any("err", err))
		} else {
			graceful = true
		}
		_ = conn.Notify(ctx, methodExit, nil)
	}

	if graceful && proc != nil {
		timer := time.NewTimer(x.settings.exitGrace)
		select {
		case <-proc.Done():
		case <-timer.C:
		}
		timer.Stop()
	}

	if proc != nil && !proc.HasExited() {
		x.logger.Warn("extension killed", slog.String("reason", string(reason)))
	}
	x.teardown()

	if err := x.transition(inputShutdownDone, nil); err != nil && !errors.Is(err, ErrInvalidTransition) {
		return err
	}
	return nil
}

// Notify sends a notification to the running extension.
func (x *Extension) Notify(ctx context.Context, method string, params any) error {
	x.mu.RLock()
	conn, state := x.conn, x.state
	x.mu.RUnlock()
	if state != StateRunning || conn == nil {
		return fmt.Errorf("%w: %s", ErrNotRunning, x.id)
	}
	return conn.Notify(ctx, method, params)
}

// Subscription reports whether the running extension subscribed to the
// named event.
func (x *Extension) Subscription(name string) (event.Options, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.state != StateRunning {
		return event.Options{}, false
	}
	return x.metadata.subscription(name)
}

// transition applies in and reports the change to the observer.
func (x *Extension) transition(in input, cause error) error {
	x.mu.Lock()
	from := x.state
	to, err := next(from, in)
	if err != nil {
		x.mu.Unlock()
		return err
	}
	x.state = to
	switch to {
	case StateFailed:
		x.err = cause
	case StateInitializing:
		x.err = nil
		x.metadata = nil
	}
	x.mu.Unlock()

	x.settings.metrics.ObserveTransition(from.String(), to.String())
	attrs := []any{slog.String("from", from.String()), slog.String("state", to.String())}
	if cause != nil {
		x.logger.Error("extension state changed", append(attrs, slog.Any("err", cause))...)
	} else {
		x.logger.Info("extension state changed", attrs...)
	}

	if x.observe != nil {
		x.observe(x, from, to, cause)
	}
	return nil
}

// fail applies a failure input. Losing a race against another failure
// path is fine: the first cause wins.
func (x *Extension) fail(in input, cause error) {
	if err := x.transition(in, cause); err != nil && !errors.Is(err, ErrInvalidTransition) {
		x.logger.Error("extension transition failed", slog.Any("err", err))
	}
}

func (x *Extension) spawn() error {
	env := map[string]string{
		"EXTHOST_VERSION":     x.env.HostVersion,
		"EXTHOST_API_VERSION": x.env.APIVersion,
		"EXTHOST_DATA_DIR":    x.env.DataDir,
	}
	for k, v := range x.config.Env {
		env[k] = v
	}

	proc, err := x.sup.Start(process.Spec{
		Name: x.id,
		Path: x.config.Path,
		Args: x.config.Args,
		Env:  env,
	})
	if err != nil {
		return err
	}

	conn := jsonrpc.NewConn(proc.Stdout, proc.Stdin,
		jsonrpc.WithHandler(inbound{x}),
		jsonrpc.WithLogger(x.logger),
		jsonrpc.WithMetrics(x.settings.metrics),
		jsonrpc.WithCloser(proc),
		jsonrpc.WithRequestTimeout(x.settings.requestTimeout),
		jsonrpc.WithTracerProvider(x.settings.tracer),
	)
	stderrDone := make(chan struct{})
	x.stderr.reset()

	x.mu.Lock()
	x.proc = proc
	x.conn = conn
	x.stderrDone = stderrDone
	x.mu.Unlock()

	go x.captureStderr(proc.Stderr, stderrDone)
	conn.Start()
	go x.watch(conn, proc)

	x.logger.Debug("extension spawned", slog.Int("pid", proc.PID()))
	return nil
}

func (x *Extension) initialize(ctx context.Context) (*Metadata, error) {
	x.mu.RLock()
	conn := x.conn
	x.mu.RUnlock()
	if conn == nil {
		return nil, jsonrpc.ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, x.settings.initTimeout)
	defer cancel()

	var result InitializeResult
	params := InitializeParams{
		HostVersion:   x.env.HostVersion,
		APIVersion:    x.env.APIVersion,
		DataDirectory: x.env.DataDir,
	}
	if err := conn.Call(ctx, methodInitialize, params, &result); err != nil {
		return nil, err
	}
	if err := x.settings.validate.Struct(&result); err != nil {
		return nil, fmt.Errorf("invalid initialize result: %w", err)
	}
	return &result, nil
}

// watch turns an unexpected end of stream or process exit into a
// failure. A process can exit while something it spawned still holds its
// stdout open, so the process is watched as well as the stream. Closure
// during shutdown is handled by Stop.
func (x *Extension) watch(conn *jsonrpc.Conn, proc *process.Process) {
	select {
	case <-conn.Done():
	case <-proc.Done():
		// Let the stream deliver what the process wrote before exiting.
		timer := time.NewTimer(stderrDrain)
		select {
		case <-conn.Done():
		case <-timer.C:
		}
		timer.Stop()
	}

	x.mu.RLock()
	current := x.conn == conn
	state := x.state
	x.mu.RUnlock()
	if !current || (state != StateInitializing && state != StateRunning) {
		return
	}

	x.teardown()
	cause := fmt.Errorf("%w: %w (%s)", ErrStreamClosed, streamError(conn.Err()), proc.ExitSummary())
	x.fail(inputStreamClosed, x.withStderr(cause))
}

func streamError(err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return io.EOF
	}
	return err
}

// teardown kills the process if it is still alive, lets stderr drain and
// releases the connection. It is safe to call more than once.
func (x *Extension) teardown() {
	x.mu.Lock()
	proc, conn, stderrDone := x.proc, x.conn, x.stderrDone
	x.proc, x.conn = nil, nil
	x.mu.Unlock()

	if proc != nil {
		if !proc.HasExited() {
			_ = proc.Kill()
		}
		<-proc.Done()
		x.mu.Lock()
		x.lastExit = &ExitStatus{
			Code:    proc.ExitCode(),
			Runtime: proc.Runtime(),
			Summary: proc.ExitSummary(),
		}
		x.mu.Unlock()
	}
	if stderrDone != nil {
		timer := time.NewTimer(stderrDrain)
		select {
		case <-stderrDone:
		case <-timer.C:
		}
		timer.Stop()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (x *Extension) captureStderr(r io.Reader, done chan struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), jsonrpc.MaxMessageSize)
	for scanner.Scan() {
		line := scanner.Text()
		x.stderr.add(LogEntry{Time: time.Now(), Level: LevelInfo, Message: line})
		x.logger.Debug("extension stderr", slog.String("line", line))
	}
}

// withStderr attaches the captured stderr tail to err.
func (x *Extension) withStderr(err error) error {
	lines := x.stderr.snapshot()
	if len(lines) == 0 {
		return err
	}
	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l.Message)
	}
	return fmt.Errorf("%w\nstderr:\n%s", err, b.String())
}

func (x *Extension) addLog(level LogLevel, message string) {
	x.logs.add(LogEntry{Time: time.Now(), Level: level, Message: message})
	attrs := []any{slog.String("message", message)}
	switch level {
	case LevelError:
		x.logger.Error("extension log", attrs...)
	case LevelWarn:
		x.logger.Warn("extension log", attrs...)
	default:
		x.logger.Info("extension log", attrs...)
	}
}

// inbound serves requests and notifications the extension sends.
type inbound struct {
	x *Extension
}

func (in inbound) HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	x := in.x
	m, ok := ParseMethod(method)
	if !ok {
		x.settings.metrics.ObserveInbound("unknown", metrics.OutcomeError)
		return nil, jsonrpc.MethodNotFound(method)
	}
	if x.State() != StateRunning {
		x.settings.metrics.ObserveInbound(method, metrics.OutcomeError)
		return nil, jsonrpc.NewError(jsonrpc.CodeNotInitialized, "extension %s is not initialized", x.id)
	}

	result, err := x.route(ctx, x.id, m, params)
	outcome := metrics.OutcomeOK
	if err != nil {
		outcome = metrics.OutcomeError
		x.logger.Debug("extension request failed", slog.String("method", method), slog.Any("err", err))
	}
	x.settings.metrics.ObserveInbound(method, outcome)
	return result, err
}

func (in inbound) HandleNotification(_ context.Context, method string, params json.RawMessage) {
	x := in.x
	if method != methodLog {
		x.logger.Debug("extension notification ignored", slog.String("method", method))
		return
	}

	var p logParams
	if err := jsonrpc.BindParams(params, &p, x.settings.validate); err != nil {
		x.logger.Warn("extension log notification invalid", slog.Any("err", err))
		return
	}
	if p.Level == "" {
		p.Level = LevelInfo
	}
	x.addLog(p.Level, p.Message)
}
