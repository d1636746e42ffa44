package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// pipeCloser closes both host-side pipe ends.
type pipeCloser struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p pipeCloser) Close() error {
	p.r.Close()
	p.w.Close()
	return nil
}

// testPeer is the extension side of a connection under test.
type testPeer struct {
	framer *Framer
	r      *io.PipeReader
	w      *io.PipeWriter
}

func (p *testPeer) read(t *testing.T) json.RawMessage {
	t.Helper()
	msg, err := p.framer.ReadMessage()
	if err != nil {
		t.Errorf("peer ReadMessage() error = %v", err)
		return nil
	}
	return msg
}

func (p *testPeer) write(t *testing.T, v any) {
	t.Helper()
	if err := p.framer.WriteMessage(v); err != nil {
		t.Errorf("peer WriteMessage() error = %v", err)
	}
}

func (p *testPeer) close() {
	p.w.Close()
	p.r.Close()
}

func newTestConn(t *testing.T, opts ...Option) (*Conn, *testPeer) {
	t.Helper()
	hostR, peerW := io.Pipe()
	peerR, hostW := io.Pipe()

	opts = append(opts, WithCloser(pipeCloser{r: hostR, w: hostW}))
	conn := NewConn(hostR, hostW, opts...)
	conn.Start()

	peer := &testPeer{framer: NewFramer(peerR, peerW), r: peerR, w: peerW}
	t.Cleanup(func() {
		conn.Close()
		peer.close()
	})
	return conn, peer
}

func TestConn_CallOutOfOrder(t *testing.T) {
	conn, peer := newTestConn(t)

	// Answer the second request first.
	go func() {
		first := peer.read(t)
		second := peer.read(t)
		for _, req := range []json.RawMessage{second, first} {
			id := gjson.GetBytes(req, "id").Int()
			peer.write(t, map[string]any{
				"jsonrpc": "2.0",
				"id":      id,
				"result":  map[string]any{"echo": gjson.GetBytes(req, "params.n").Int()},
			})
		}
	}()

	var wg sync.WaitGroup
	results := make([]int64, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			var out struct {
				Echo int64 `json:"echo"`
			}
			if err := conn.Call(ctx, "test/echo", map[string]int{"n": n + 10}, &out); err != nil {
				t.Errorf("Call(%d) error = %v", n, err)
				return
			}
			results[n] = out.Echo
		}(i)
	}
	wg.Wait()

	if results[0] != 10 || results[1] != 11 {
		t.Errorf("results = %v, want [10 11]", results)
	}
	if n := conn.Pending(); n != 0 {
		t.Errorf("Pending() = %d, want 0", n)
	}
}

func TestConn_CallTimeout(t *testing.T) {
	conn, peer := newTestConn(t)

	go peer.read(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := conn.Call(ctx, "test/silent", nil, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Call() error = %v, want ErrTimeout", err)
	}
	if n := conn.Pending(); n != 0 {
		t.Errorf("Pending() = %d after timeout, want 0", n)
	}
}

func TestConn_UnknownResponseDropped(t *testing.T) {
	conn, peer := newTestConn(t)

	go func() {
		req := peer.read(t)
		peer.write(t, map[string]any{"jsonrpc": "2.0", "id": 999, "result": "stale"})
		peer.write(t, map[string]any{"jsonrpc": "2.0", "id": gjson.GetBytes(req, "id").Int(), "result": "fresh"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var out string
	if err := conn.Call(ctx, "test/call", nil, &out); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if out != "fresh" {
		t.Errorf("Call() result = %q, want %q", out, "fresh")
	}
}

func TestConn_ErrorResponse(t *testing.T) {
	conn, peer := newTestConn(t)

	go func() {
		req := peer.read(t)
		peer.write(t, map[string]any{
			"jsonrpc": "2.0",
			"id":      gjson.GetBytes(req, "id").Int(),
			"error":   map[string]any{"code": CodeInvalidParams, "message": "bad"},
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := conn.Call(ctx, "test/call", nil, nil)
	if !IsCode(err, CodeInvalidParams) {
		t.Fatalf("Call() error = %v, want code %d", err, CodeInvalidParams)
	}
}

func TestConn_NullResult(t *testing.T) {
	conn, peer := newTestConn(t)

	go func() {
		req := peer.read(t)
		peer.write(t, json.RawMessage(`{"jsonrpc":"2.0","id":`+gjson.GetBytes(req, "id").Raw+`,"result":null}`))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := conn.Call(ctx, "shutdown", nil, nil); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
}

func TestConn_StreamClosureFailsPending(t *testing.T) {
	conn, peer := newTestConn(t)

	go func() {
		peer.read(t)
		peer.w.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := conn.Call(ctx, "test/call", nil, nil)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Call() error = %v, want ErrClosed", err)
	}

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() not closed after stream closure")
	}
	if !errors.Is(conn.Err(), io.EOF) {
		t.Errorf("Err() = %v, want io.EOF", conn.Err())
	}
	if err := conn.Notify(ctx, "late", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Notify() after close error = %v, want ErrClosed", err)
	}
}

func TestConn_Notify(t *testing.T) {
	conn, peer := newTestConn(t)

	got := make(chan json.RawMessage, 1)
	go func() { got <- peer.read(t) }()

	if err := conn.Notify(context.Background(), "message/changed", map[string]bool{"hasFile": false}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	msg := <-got
	if gjson.GetBytes(msg, "id").Exists() {
		t.Errorf("notification carries an id: %s", msg)
	}
	if m := gjson.GetBytes(msg, "method").String(); m != "message/changed" {
		t.Errorf("method = %q, want message/changed", m)
	}
	if conn.Pending() != 0 {
		t.Error("Notify() allocated a pending slot")
	}
}

type echoHandler struct {
	notified chan string
}

func (h *echoHandler) HandleRequest(_ context.Context, method string, params json.RawMessage) (any, error) {
	if method != "editor/getMessage" {
		return nil, MethodNotFound(method)
	}
	return map[string]string{"format": gjson.GetBytes(params, "format").String()}, nil
}

func (h *echoHandler) HandleNotification(_ context.Context, method string, _ json.RawMessage) {
	h.notified <- method
}

func TestConn_InboundRequests(t *testing.T) {
	h := &echoHandler{notified: make(chan string, 1)}
	_, peer := newTestConn(t, WithHandler(h))

	peer.write(t, map[string]any{"jsonrpc": "2.0", "id": "a", "method": "editor/getMessage", "params": map[string]string{"format": "hl7"}})
	resp := peer.read(t)
	if id := gjson.GetBytes(resp, "id").String(); id != "a" {
		t.Errorf("response id = %q, want a", id)
	}
	if f := gjson.GetBytes(resp, "result.format").String(); f != "hl7" {
		t.Errorf("result.format = %q, want hl7", f)
	}

	peer.write(t, map[string]any{"jsonrpc": "2.0", "id": 7, "method": "bogus/method"})
	resp = peer.read(t)
	if code := gjson.GetBytes(resp, "error.code").Int(); code != CodeMethodNotFound {
		t.Errorf("error.code = %d, want %d", code, CodeMethodNotFound)
	}
	if gjson.GetBytes(resp, "result").Exists() {
		t.Errorf("error response carries a result: %s", resp)
	}

	peer.write(t, map[string]any{"jsonrpc": "2.0", "method": "log", "params": map[string]string{"message": "hi"}})
	select {
	case m := <-h.notified:
		if m != "log" {
			t.Errorf("notified method = %q, want log", m)
		}
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestConn_DefaultHandlerRejectsRequests(t *testing.T) {
	_, peer := newTestConn(t)

	peer.write(t, map[string]any{"jsonrpc": "2.0", "id": 1, "method": "initialize"})
	resp := peer.read(t)
	if code := gjson.GetBytes(resp, "error.code").Int(); code != CodeMethodNotFound {
		t.Errorf("error.code = %d, want %d", code, CodeMethodNotFound)
	}
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	conn, _ := newTestConn(t)

	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if !errors.Is(conn.Err(), ErrClosed) {
		t.Errorf("Err() = %v, want ErrClosed", conn.Err())
	}
	if err := conn.Call(context.Background(), "x", nil, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Call() after Close error = %v, want ErrClosed", err)
	}
}

// blockingHandler waits for its context to end.
type blockingHandler struct{ nopHandler }

func (blockingHandler) HandleRequest(ctx context.Context, _ string, _ json.RawMessage) (any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestConn_RequestTimeout(t *testing.T) {
	_, peer := newTestConn(t, WithHandler(blockingHandler{}), WithRequestTimeout(50*time.Millisecond))

	start := time.Now()
	peer.write(t, map[string]any{"jsonrpc": "2.0", "id": 1, "method": "editor/getMessage"})
	resp := peer.read(t)
	if code := gjson.GetBytes(resp, "error.code").Int(); code != CodeGeneral {
		t.Errorf("error.code = %d, want %d: %s", code, CodeGeneral, resp)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("answered after %v, before the timeout", elapsed)
	}
}

// orderHandler records notification sequence numbers.
type orderHandler struct {
	nopHandler
	mu   sync.Mutex
	seen []int64
	all  chan struct{}
	want int
}

func (h *orderHandler) HandleNotification(_ context.Context, _ string, params json.RawMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, gjson.GetBytes(params, "n").Int())
	if len(h.seen) == h.want {
		close(h.all)
	}
}

func TestConn_NotificationsKeepWireOrder(t *testing.T) {
	const count = 2000
	h := &orderHandler{all: make(chan struct{}), want: count}
	_, peer := newTestConn(t, WithHandler(h))

	for i := 0; i < count; i++ {
		peer.write(t, map[string]any{"jsonrpc": "2.0", "method": "log", "params": map[string]any{"n": i}})
	}

	select {
	case <-h.all:
	case <-time.After(5 * time.Second):
		t.Fatal("notifications not delivered")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, n := range h.seen {
		if n != int64(i) {
			t.Fatalf("notification %d delivered at position %d", n, i)
		}
	}
}

func TestConn_NotificationsDrainAfterClose(t *testing.T) {
	h := &orderHandler{all: make(chan struct{}), want: 3}
	conn, peer := newTestConn(t, WithHandler(h))

	for i := 0; i < 3; i++ {
		peer.write(t, map[string]any{"jsonrpc": "2.0", "method": "log", "params": map[string]any{"n": i}})
	}
	peer.close()
	<-conn.Done()

	select {
	case <-h.all:
	case <-time.After(2 * time.Second):
		t.Fatal("queued notifications dropped at close")
	}
}

func TestConn_CallSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	conn, peer := newTestConn(t, WithTracerProvider(tp))

	go func() {
		req := peer.read(t)
		peer.write(t, map[string]any{"jsonrpc": "2.0", "id": gjson.GetBytes(req, "id").Int(), "result": true})
		req = peer.read(t)
		peer.write(t, map[string]any{
			"jsonrpc": "2.0",
			"id":      gjson.GetBytes(req, "id").Int(),
			"error":   map[string]any{"code": CodeGeneral, "message": "boom"},
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Call(ctx, "initialize", nil, nil); err != nil {
		t.Fatalf("Call(initialize) error = %v", err)
	}
	if err := conn.Call(ctx, "shutdown", nil, nil); err == nil {
		t.Fatal("Call(shutdown) succeeded, want error response")
	}

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	for i, want := range []string{"initialize", "shutdown"} {
		span := spans[i]
		if span.Name() != "jsonrpc.call" {
			t.Errorf("span %d name = %q, want jsonrpc.call", i, span.Name())
		}
		var method string
		for _, kv := range span.Attributes() {
			if kv.Key == "rpc.method" {
				method = kv.Value.AsString()
			}
		}
		if method != want {
			t.Errorf("span %d rpc.method = %q, want %q", i, method, want)
		}
	}
	if spans[0].Status().Code == codes.Error {
		t.Errorf("initialize span status = %v, want unset", spans[0].Status())
	}
	if spans[1].Status().Code != codes.Error {
		t.Errorf("shutdown span status = %v, want error", spans[1].Status())
	}
}
