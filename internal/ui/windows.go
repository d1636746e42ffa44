package ui

import (
	"slices"
	"sync"
)

// WindowTracker records which extension owns each open window.
type WindowTracker struct {
	mu      sync.Mutex
	windows map[string]string
}

// NewWindowTracker creates an empty tracker.
func NewWindowTracker() *WindowTracker {
	return &WindowTracker{windows: make(map[string]string)}
}

// Track records that extensionID owns windowID.
func (t *WindowTracker) Track(windowID, extensionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.windows[windowID] = extensionID
}

// Owner returns the extension that owns windowID.
func (t *WindowTracker) Owner(windowID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	owner, ok := t.windows[windowID]
	return owner, ok
}

// Untrack forgets windowID and returns its owner. Only the first caller
// for a window gets ok, so a close is reported once.
func (t *WindowTracker) Untrack(windowID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	owner, ok := t.windows[windowID]
	delete(t.windows, windowID)
	return owner, ok
}

// Owned returns the windows of extensionID in sorted order.
func (t *WindowTracker) Owned(extensionID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for id, owner := range t.windows {
		if owner == extensionID {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Len returns the number of tracked windows.
func (t *WindowTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.windows)
}
