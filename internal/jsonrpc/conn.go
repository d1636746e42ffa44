package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/exthost/internal/metrics"
)

const tracerName = "github.com/dshills/exthost/internal/jsonrpc"

// Handler serves requests and notifications sent by the peer.
type Handler interface {
	// HandleRequest returns the result for an inbound request. Returning an
	// *Error produces that error response; any other error becomes an
	// internal error.
	HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error)

	// HandleNotification handles an inbound notification.
	HandleNotification(ctx context.Context, method string, params json.RawMessage)
}

// nopHandler rejects every request and ignores notifications.
type nopHandler struct{}

func (nopHandler) HandleRequest(_ context.Context, method string, _ json.RawMessage) (any, error) {
	return nil, MethodNotFound(method)
}

func (nopHandler) HandleNotification(context.Context, string, json.RawMessage) {}

// Conn is a bidirectional JSON-RPC connection over a Framer.
type Conn struct {
	framer  *Framer
	closer  io.Closer
	handler Handler
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	requestTimeout time.Duration

	mu      sync.Mutex
	nextID  atomic.Int64
	pending map[int64]chan *Response

	notifyMu    sync.Mutex
	notifyQueue []inbound
	notifyReady chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	err       error
	started   atomic.Bool
}

// inbound is a queued notification.
type inbound struct {
	method string
	params json.RawMessage
}

// Option configures a Conn.
type Option func(*Conn)

// WithHandler sets the handler for inbound requests and notifications.
func WithHandler(h Handler) Option {
	return func(c *Conn) {
		if h != nil {
			c.handler = h
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records call outcomes and latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Conn) {
		c.metrics = m
	}
}

// WithRequestTimeout bounds how long a handler may take to answer an
// inbound request. A handler that overruns gets a cancelled context and
// the peer gets a general error. Zero means no limit.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d >= 0 {
			c.requestTimeout = d
		}
	}
}

// WithTracerProvider creates call spans from tp instead of the global
// provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Conn) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithCloser sets a closer invoked by Close, typically the process pipes.
func WithCloser(cl io.Closer) Option {
	return func(c *Conn) {
		c.closer = cl
	}
}

// NewConn creates a connection reading envelopes from r and writing to w.
// Call Start to begin reading.
func NewConn(r io.Reader, w io.Writer, opts ...Option) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		framer:  NewFramer(r, w),
		handler: nopHandler{},
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
		pending: make(map[int64]chan *Response),
		ctx:     ctx,

		notifyReady: make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the read loop and the notification worker. It is a
// no-op after the first call.
func (c *Conn) Start() {
	if c.started.Swap(true) {
		return
	}
	go c.notifyLoop()
	go c.readLoop()
}

// Done returns a channel closed when the connection ends, either because
// the stream closed or Close was called.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection ended. It returns nil while the
// connection is open, io.EOF after a clean stream closure, ErrClosed after
// Close, and a transport error otherwise.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close ends the connection. Pending calls fail with ErrClosed.
func (c *Conn) Close() error {
	c.finish(ErrClosed)
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

// Pending returns the number of calls awaiting a response.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Call sends a request and waits for its response, the context to end, or
// the connection to close. A context deadline surfaces as ErrTimeout.
// When result is non-nil the response result is decoded into it.
func (c *Conn) Call(ctx context.Context, method string, params any, result any) (err error) {
	if c.closed.Load() {
		return ErrClosed
	}

	id := c.nextID.Add(1)
	ctx, span := c.tracer.Start(ctx, "jsonrpc.call", trace.WithAttributes(
		attribute.String("rpc.method", method),
		attribute.Int64("rpc.id", id),
	))
	start := time.Now()
	defer func() {
		outcome := metrics.OutcomeOK
		switch {
		case errors.Is(err, ErrTimeout):
			outcome = metrics.OutcomeTimeout
		case errors.Is(err, ErrClosed):
			outcome = metrics.OutcomeClosed
		case err != nil:
			outcome = metrics.OutcomeError
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		c.metrics.ObserveCall(method, outcome, time.Since(start))
	}()

	ch := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := &Request{
		JSONRPC: Version,
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
		Params:  params,
	}
	if err := c.framer.WriteMessage(req); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrTimeout, method)
		}
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("%w: %s", ErrClosed, method)
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("unmarshal %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Notify sends a notification. No pending slot is allocated and no reply
// is expected.
func (c *Conn) Notify(_ context.Context, method string, params any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.framer.WriteMessage(&Notification{
		JSONRPC: Version,
		Method:  method,
		Params:  params,
	})
}

// readLoop reads envelopes until the stream fails, then ends the
// connection with the read error as its cause.
func (c *Conn) readLoop() {
	for {
		msg, err := c.framer.ReadMessage()
		if err != nil {
			if !c.closed.Load() && !errors.Is(err, io.EOF) {
				c.logger.Warn("jsonrpc read failed", slog.Any("err", err))
			}
			c.finish(err)
			return
		}
		c.dispatch(msg)
	}
}

// finish marks the connection closed exactly once and releases waiters.
func (c *Conn) finish(cause error) {
	c.closeOnce.Do(func() {
		c.err = cause
		c.closed.Store(true)
		c.cancel()

		c.mu.Lock()
		c.pending = make(map[int64]chan *Response)
		c.mu.Unlock()

		close(c.done)
	})
}

// dispatch classifies an envelope by which keys are present. Key presence
// matters: a response may legitimately carry "result": null.
func (c *Conn) dispatch(data json.RawMessage) {
	if !gjson.ParseBytes(data).IsObject() {
		c.logger.Warn("jsonrpc dropping non-object envelope")
		return
	}
	keys := gjson.GetManyBytes(data, "id", "method", "result", "error")
	id, method, result, rpcErr := keys[0], keys[1], keys[2], keys[3]

	switch {
	case method.Exists() && id.Exists():
		c.handleRequest(json.RawMessage(id.Raw), method.String(), rawParams(data))
	case method.Exists():
		c.handleNotification(method.String(), rawParams(data))
	case id.Exists() && (result.Exists() || rpcErr.Exists()):
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logger.Warn("jsonrpc malformed response", slog.Any("err", err))
			return
		}
		if id.Type != gjson.Number {
			c.logger.Debug("jsonrpc dropping response with non-numeric id", slog.String("id", id.Raw))
			return
		}
		c.handleResponse(id.Int(), &resp)
	default:
		c.logger.Warn("jsonrpc dropping unclassifiable envelope")
	}
}

func rawParams(data json.RawMessage) json.RawMessage {
	params := gjson.GetBytes(data, "params")
	if !params.Exists() {
		return nil
	}
	return json.RawMessage(params.Raw)
}

// handleResponse routes a response to its waiting caller.
func (c *Conn) handleResponse(id int64, resp *Response) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("jsonrpc dropping response for unknown request", slog.Int64("id", id))
		return
	}
	ch <- resp
}

// handleRequest runs the handler on its own goroutine and writes back
// its result or error.
func (c *Conn) handleRequest(id json.RawMessage, method string, params json.RawMessage) {
	go func() {
		ctx := c.ctx
		if c.requestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
			defer cancel()
		}
		result, err := c.handler.HandleRequest(ctx, method, params)
		resp := &Response{JSONRPC: Version, ID: id}
		switch {
		case err != nil && errors.Is(err, context.DeadlineExceeded):
			resp.Error = NewError(CodeGeneral, "%s timed out after %s", method, c.requestTimeout)
		case err != nil:
			resp.Error = AsError(err)
		default:
			resp.Result = nullResult
			if result != nil {
				data, merr := json.Marshal(result)
				if merr != nil {
					resp.Error = InternalError("marshal result: %v", merr)
				} else {
					resp.Result = data
				}
			}
		}
		if resp.Error != nil {
			resp.Result = nil
		}
		if err := c.framer.WriteMessage(resp); err != nil {
			c.logger.Warn("jsonrpc failed to write response",
				slog.String("method", method), slog.Any("err", err))
		}
	}()
}

// handleNotification queues a notification for the worker. The queue is
// unbounded so a slow handler never stalls response routing.
func (c *Conn) handleNotification(method string, params json.RawMessage) {
	c.notifyMu.Lock()
	c.notifyQueue = append(c.notifyQueue, inbound{method: method, params: params})
	c.notifyMu.Unlock()

	select {
	case c.notifyReady <- struct{}{}:
	default:
	}
}

// notifyLoop hands notifications to the handler one at a time, in the
// order they were read. Whatever is queued when the connection ends is
// still delivered.
func (c *Conn) notifyLoop() {
	for {
		select {
		case <-c.notifyReady:
			c.drainNotifications()
		case <-c.done:
			c.drainNotifications()
			return
		}
	}
}

func (c *Conn) drainNotifications() {
	for {
		c.notifyMu.Lock()
		batch := c.notifyQueue
		c.notifyQueue = nil
		c.notifyMu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, n := range batch {
			c.handler.HandleNotification(c.ctx, n.method, n.params)
		}
	}
}
