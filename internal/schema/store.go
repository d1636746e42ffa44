package schema

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dshills/exthost/internal/metrics"
)

// Store owns the built-in base schema, the overrides contributed by
// extensions, and the effective schema derived from them.
//
// The effective schema is an immutable snapshot replaced atomically on
// every change, so readers never observe a partially merged tree. Every
// change triggers a full re-merge from the base.
type Store struct {
	base    *Schema
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	order     []string
	rank      map[string]int
	overrides map[string]*Override
	observers []func(*Schema)

	current atomic.Pointer[Schema]
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger used for merge warnings.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records recomputations.
func WithMetrics(m *metrics.Metrics) StoreOption {
	return func(s *Store) {
		s.metrics = m
	}
}

// NewStore creates a store over base. The store keeps its own copy of base.
func NewStore(base *Schema, opts ...StoreOption) *Store {
	s := &Store{
		base:      base.Clone(),
		logger:    slog.Default(),
		overrides: make(map[string]*Override),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store(s.base.Clone())
	return s
}

// Effective returns the current effective schema. The result is shared
// and must not be modified.
func (s *Store) Effective() *Schema {
	return s.current.Load()
}

// Base returns the built-in base schema. The result must not be modified.
func (s *Store) Base() *Schema {
	return s.base
}

// SetOrder declares the merge position of sources. Sources installed
// later are placed by their position in order; sources not listed merge
// after all listed ones, in installation order.
func (s *Store) SetOrder(order []string) {
	s.mu.Lock()
	s.rank = make(map[string]int, len(order))
	for i, id := range order {
		s.rank[id] = i
	}
	s.sortLocked()
	snapshot := s.recomputeLocked()
	observers := slices.Clone(s.observers)
	s.mu.Unlock()

	notify(observers, snapshot)
}

// SetOverride installs or replaces the override contributed by source.
// A new source is placed by its declared order, or after all existing
// ones; a replaced source keeps its position. A nil override removes the
// source.
func (s *Store) SetOverride(source string, o *Override) {
	if o == nil {
		s.RemoveOverride(source)
		return
	}

	s.mu.Lock()
	if _, ok := s.overrides[source]; !ok {
		s.order = append(s.order, source)
		s.sortLocked()
	}
	s.overrides[source] = o
	snapshot := s.recomputeLocked()
	observers := slices.Clone(s.observers)
	s.mu.Unlock()

	notify(observers, snapshot)
}

// RemoveOverride drops the contribution of source. It reports whether
// the source had one.
func (s *Store) RemoveOverride(source string) bool {
	s.mu.Lock()
	if _, ok := s.overrides[source]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.overrides, source)
	s.order = slices.DeleteFunc(s.order, func(id string) bool { return id == source })
	snapshot := s.recomputeLocked()
	observers := slices.Clone(s.observers)
	s.mu.Unlock()

	notify(observers, snapshot)
	return true
}

// Sources returns the contributing sources in merge order.
func (s *Store) Sources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.order)
}

// OnChange registers fn to be called with each new effective schema.
func (s *Store) OnChange(fn func(*Schema)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Recompute re-merges from scratch and returns the new snapshot.
func (s *Store) Recompute() *Schema {
	s.mu.Lock()
	snapshot := s.recomputeLocked()
	observers := slices.Clone(s.observers)
	s.mu.Unlock()

	notify(observers, snapshot)
	return snapshot
}

// sortLocked orders ranked sources first, by rank. The sort is stable so
// unranked sources keep installation order.
func (s *Store) sortLocked() {
	slices.SortStableFunc(s.order, func(a, b string) int {
		ra, aok := s.rank[a]
		rb, bok := s.rank[b]
		switch {
		case aok && bok:
			return ra - rb
		case aok:
			return -1
		case bok:
			return 1
		default:
			return 0
		}
	})
}

func (s *Store) recomputeLocked() *Schema {
	overrides := make([]*Override, 0, len(s.order))
	for _, id := range s.order {
		overrides = append(overrides, s.overrides[id])
	}
	snapshot := merger{logger: s.logger}.merge(s.base, overrides)
	s.current.Store(snapshot)
	s.metrics.ObserveMerge(snapshot.FieldCount())
	s.logger.Debug("effective schema recomputed",
		slog.Int("sources", len(overrides)),
		slog.Int("fields", snapshot.FieldCount()))
	return snapshot
}

func notify(observers []func(*Schema), snapshot *Schema) {
	for _, fn := range observers {
		fn(snapshot)
	}
}
