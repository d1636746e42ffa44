// Package editor holds the host-side mirror of the message being edited.
//
// The mirror is the source of truth for extension reads and writes. The
// interactive surface pushes its edits in with Sync and is told to
// re-render after every mutation made on behalf of an extension; it is an
// eventually-consistent follower of the mirror, never the reverse.
package editor

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dshills/exthost/internal/hl7"
	"github.com/dshills/exthost/internal/metrics"
)

// DefaultCacheSize is the number of rendered documents kept per mirror.
const DefaultCacheSize = 32

// State is an immutable snapshot of the edited message.
type State struct {
	Message  string
	FilePath string
	HasFile  bool
	Revision uint64
}

// Empty reports whether no message is loaded.
func (s State) Empty() bool {
	return s.Message == ""
}

// Surface is the interactive editing surface.
type Surface interface {
	// Render asks the surface to display state. It must not block on the
	// mirror.
	Render(state State)
}

type renderKey struct {
	revision uint64
	format   Format
}

// Mirror caches the current message. Reads are lock free; mutations are
// serialized and publish a new State atomically.
type Mirror struct {
	state atomic.Pointer[State]
	mu    sync.Mutex

	surface Surface
	logger  *slog.Logger
	metrics *metrics.Metrics
	cache   *lru.Cache[renderKey, string]

	obsMu     sync.RWMutex
	observers []func(State)
}

// Option configures a Mirror.
type Option func(*Mirror)

// WithSurface sets the surface signalled after extension mutations.
func WithSurface(s Surface) Option {
	return func(m *Mirror) {
		m.surface = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Mirror) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics records patch outcomes.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Mirror) {
		m.metrics = mt
	}
}

// WithCacheSize sets how many rendered documents are cached.
func WithCacheSize(n int) Option {
	return func(m *Mirror) {
		if n > 0 {
			m.cache, _ = lru.New[renderKey, string](n)
		}
	}
}

// NewMirror creates an empty mirror.
func NewMirror(opts ...Option) *Mirror {
	m := &Mirror{logger: slog.Default()}
	m.cache, _ = lru.New[renderKey, string](DefaultCacheSize)
	for _, opt := range opts {
		opt(m)
	}
	m.state.Store(&State{})
	return m
}

// Get returns the current snapshot.
func (m *Mirror) Get() State {
	return *m.state.Load()
}

// OnChange registers fn to run after every mutation made through Set or
// Patch. Edits pushed by the surface with Sync do not notify observers.
func (m *Mirror) OnChange(fn func(State)) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, fn)
}

// Sync replaces the mirrored message with the surface's current content.
// The surface is not signalled.
func (m *Mirror) Sync(message, filePath string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.swap(message, filePath, filePath != "")
}

// swap publishes a new state. Callers hold mu.
func (m *Mirror) swap(message, filePath string, hasFile bool) State {
	prev := m.state.Load()
	next := &State{
		Message:  message,
		FilePath: filePath,
		HasFile:  hasFile,
		Revision: prev.Revision + 1,
	}
	m.state.Store(next)
	return *next
}

// SetResult reports the outcome of Set.
type SetResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Set replaces the message with content given in format f. Content that
// cannot be converted from f returns an error; converted content that is
// not a structurally valid message leaves the mirror unchanged and reports
// Success false.
func (m *Mirror) Set(content string, f Format) (SetResult, error) {
	text, err := Import(content, f)
	if err != nil {
		return SetResult{}, err
	}
	if err := validateStructure(text); err != nil {
		return SetResult{Success: false, Error: err.Error()}, nil
	}

	m.mu.Lock()
	cur := m.state.Load()
	state := m.swap(text, cur.FilePath, cur.HasFile)
	m.mu.Unlock()

	m.publish(state)
	return SetResult{Success: true}, nil
}

// Patch applies patches in order with best-effort semantics: a failing
// patch is reported and skipped, and later patches are still attempted.
// The mirror is updated when at least one patch applied.
func (m *Mirror) Patch(patches []Patch) PatchResult {
	m.mu.Lock()
	cur := m.state.Load()
	text, result := applyPatches(cur.Message, patches)
	for range result.PatchesApplied {
		m.metrics.ObservePatch(true)
	}
	for range result.Errors {
		m.metrics.ObservePatch(false)
	}
	if result.PatchesApplied == 0 {
		m.mu.Unlock()
		return result
	}
	state := m.swap(text, cur.FilePath, cur.HasFile)
	m.mu.Unlock()

	m.logger.Debug("editor patched",
		slog.Int("applied", result.PatchesApplied),
		slog.Int("failed", len(result.Errors)),
		slog.Uint64("revision", state.Revision))
	m.publish(state)
	return result
}

func (m *Mirror) publish(state State) {
	if m.surface != nil {
		m.surface.Render(state)
	}
	m.obsMu.RLock()
	observers := slices.Clone(m.observers)
	m.obsMu.RUnlock()
	for _, fn := range observers {
		fn(state)
	}
}

// Render returns the current message in format f.
func (m *Mirror) Render(f Format) (string, error) {
	return m.RenderState(m.Get(), f)
}

// RenderState returns state's message in format f. Results are cached by
// revision.
func (m *Mirror) RenderState(state State, f Format) (string, error) {
	if f == FormatHL7 || state.Empty() {
		return state.Message, nil
	}
	key := renderKey{revision: state.Revision, format: f}
	if out, ok := m.cache.Get(key); ok {
		return out, nil
	}
	out, err := Render(state.Message, f)
	if err != nil {
		return "", err
	}
	m.cache.Add(key, out)
	return out, nil
}

// validateStructure checks that text is a non-empty message starting
// with MSH that parses.
func validateStructure(text string) error {
	return hl7.Validate(text)
}
