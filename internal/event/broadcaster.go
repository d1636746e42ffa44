// Package event pushes document notifications to subscribed extensions.
//
// Opened and saved signals are delivered immediately. Changed signals are
// debounced: each signal restarts a quiet period and one notification,
// carrying the document as it is when the period expires, is sent at the
// end of it. Subscribers that asked for content receive the document
// rendered in their declared format; everyone else gets metadata only.
// Each subscriber has its own ordered outbox, so one extension sees
// notifications in the order they were raised while a stalled extension
// never holds up the others. Delivery is fire-and-forget: failures are
// logged and never retried.
package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/tidwall/sjson"

	"github.com/dshills/exthost/internal/editor"
	"github.com/dshills/exthost/internal/metrics"
)

// Notification methods.
const (
	MessageOpened  = "message/opened"
	MessageSaved   = "message/saved"
	MessageChanged = "message/changed"
)

// DefaultDebounce is the quiet period for changed notifications.
const DefaultDebounce = 500 * time.Millisecond

// Options are the delivery options a subscriber declared for one event.
type Options struct {
	IncludeContent bool
	Format         string
}

// Subscriber is a running extension that can receive notifications.
type Subscriber interface {
	// ID identifies the extension in logs.
	ID() string

	// Subscription reports whether the extension subscribed to event and
	// with which options.
	Subscription(event string) (Options, bool)

	// Notify sends a notification.
	Notify(ctx context.Context, method string, params any) error
}

// Targets lists the extensions that may receive notifications.
type Targets interface {
	Subscribers() []Subscriber
}

// Source is the document being edited.
type Source interface {
	Get() editor.State
	RenderState(state editor.State, f editor.Format) (string, error)
}

// Broadcaster delivers document notifications.
type Broadcaster struct {
	targets Targets
	source  Source
	logger  *slog.Logger
	metrics *metrics.Metrics
	delay   time.Duration

	changed  *debouncer
	inflight sync.WaitGroup

	mu       sync.Mutex
	outboxes map[string]*outbox
}

// outbox queues notifications for one subscriber. A drain goroutine runs
// only while the queue is non-empty.
type outbox struct {
	items []delivery
}

type delivery struct {
	sub    Subscriber
	method string
	params json.RawMessage
}

// rendition is the document rendered once per format for a broadcast.
type rendition struct {
	content string
	ok      bool
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broadcaster) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics records delivery outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broadcaster) {
		b.metrics = m
	}
}

// WithDebounce sets the quiet period for changed notifications.
func WithDebounce(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.delay = d
		}
	}
}

// New creates a Broadcaster.
func New(targets Targets, source Source, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		targets: targets,
		source:  source,
		logger:  slog.Default(),
		delay:   DefaultDebounce,

		outboxes: make(map[string]*outbox),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.changed = newDebouncer(b.delay, b.sendChanged)
	return b
}

type openedParams struct {
	FilePath string `json:"filePath,omitempty"`
	IsNew    bool   `json:"isNew"`
}

type savedParams struct {
	FilePath string `json:"filePath"`
	SaveAs   bool   `json:"saveAs"`
}

type changedParams struct {
	HasFile  bool   `json:"hasFile"`
	FilePath string `json:"filePath,omitempty"`
}

// MessageOpened announces that a document was opened or created.
func (b *Broadcaster) MessageOpened(filePath string, isNew bool) {
	b.broadcast(MessageOpened, openedParams{FilePath: filePath, IsNew: isNew}, b.source.Get())
}

// MessageSaved announces that the document was saved to filePath.
func (b *Broadcaster) MessageSaved(filePath string, saveAs bool) {
	b.broadcast(MessageSaved, savedParams{FilePath: filePath, SaveAs: saveAs}, b.source.Get())
}

// MessageChanged signals a document change. Delivery is debounced.
func (b *Broadcaster) MessageChanged() {
	b.changed.signal()
}

// Flush sends a pending changed notification immediately.
func (b *Broadcaster) Flush() {
	b.changed.flush()
}

// Pending reports whether a changed notification is waiting.
func (b *Broadcaster) Pending() bool {
	return b.changed.isPending()
}

// Close drops any pending changed notification and waits for in-flight
// deliveries.
func (b *Broadcaster) Close() {
	b.changed.stop()
	b.inflight.Wait()
}

// Wait blocks until in-flight deliveries complete.
func (b *Broadcaster) Wait() {
	b.inflight.Wait()
}

func (b *Broadcaster) sendChanged() {
	state := b.source.Get()
	b.broadcast(MessageChanged, changedParams{HasFile: state.HasFile, FilePath: state.FilePath}, state)
}

// broadcast sends method to every subscriber. The metadata params are
// encoded once; content is spliced in per subscriber and each distinct
// format is rendered at most once.
func (b *Broadcaster) broadcast(method string, params any, state editor.State) {
	base, err := json.Marshal(params)
	if err != nil {
		b.logger.Error("event encode failed", slog.String("method", method), slog.Any("err", err))
		return
	}

	rendered := make(map[editor.Format]rendition)
	for _, sub := range b.targets.Subscribers() {
		opts, ok := sub.Subscription(method)
		if !ok {
			continue
		}

		payload := base
		if opts.IncludeContent && !state.Empty() {
			payload = b.withContent(sub, method, base, opts, state, rendered)
		}
		b.deliver(sub, method, json.RawMessage(payload))
	}
}

// withContent splices the rendered document into base. The format field
// echoes the name the subscriber declared.
func (b *Broadcaster) withContent(sub Subscriber, method string, base []byte, opts Options, state editor.State, rendered map[editor.Format]rendition) []byte {
	name := opts.Format
	f, err := editor.ParseFormat(opts.Format)
	if err != nil {
		b.logger.Warn("event subscriber has unknown format, sending raw message",
			slog.String("extension", sub.ID()),
			slog.String("format", opts.Format))
		f = editor.FormatHL7
		name = string(f)
	}

	r, ok := rendered[f]
	if !ok {
		content, err := b.source.RenderState(state, f)
		if err != nil {
			b.logger.Warn("event content render failed, sending metadata only",
				slog.String("method", method),
				slog.String("format", string(f)),
				slog.Any("err", err))
		}
		r = rendition{content: content, ok: err == nil}
		rendered[f] = r
	}
	if !r.ok {
		return base
	}

	payload, err := sjson.SetBytes(base, "message", r.content)
	if err == nil {
		payload, err = sjson.SetBytes(payload, "format", name)
	}
	if err != nil {
		b.logger.Warn("event content splice failed", slog.String("method", method), slog.Any("err", err))
		return base
	}
	return payload
}

// deliver appends to the subscriber's outbox, starting its drain
// goroutine if the outbox was idle.
func (b *Broadcaster) deliver(sub Subscriber, method string, params json.RawMessage) {
	b.inflight.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()
	box, running := b.outboxes[sub.ID()]
	if !running {
		box = &outbox{}
		b.outboxes[sub.ID()] = box
	}
	box.items = append(box.items, delivery{sub: sub, method: method, params: params})
	if !running {
		go b.drain(sub.ID(), box)
	}
}

// drain sends queued notifications in order and retires the outbox once
// it is empty.
func (b *Broadcaster) drain(id string, box *outbox) {
	for {
		b.mu.Lock()
		if len(box.items) == 0 {
			delete(b.outboxes, id)
			b.mu.Unlock()
			return
		}
		d := box.items[0]
		box.items = box.items[1:]
		b.mu.Unlock()

		b.send(d)
		b.inflight.Done()
	}
}

func (b *Broadcaster) send(d delivery) {
	if err := d.sub.Notify(context.Background(), d.method, d.params); err != nil {
		b.metrics.ObserveNotification(d.method, metrics.OutcomeError)
		b.logger.Warn("event delivery failed",
			slog.String("extension", d.sub.ID()),
			slog.String("method", d.method),
			slog.Any("err", err))
		return
	}
	b.metrics.ObserveNotification(d.method, metrics.OutcomeOK)
}
