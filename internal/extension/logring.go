package extension

import "sync"

// DefaultLogCapacity is how many log entries are kept per extension.
const DefaultLogCapacity = 100

// logRing keeps the most recent entries, oldest first.
type logRing struct {
	mu      sync.Mutex
	entries []LogEntry
	start   int
	size    int
}

func newLogRing(capacity int) *logRing {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &logRing{entries: make([]LogEntry, capacity)}
}

func (r *logRing) add(e LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size < len(r.entries) {
		r.entries[(r.start+r.size)%len(r.entries)] = e
		r.size++
		return
	}
	r.entries[r.start] = e
	r.start = (r.start + 1) % len(r.entries)
}

// snapshot returns the entries oldest first.
func (r *logRing) snapshot() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]LogEntry, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.entries[(r.start+i)%len(r.entries)]
	}
	return out
}

func (r *logRing) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.start, r.size = 0, 0
}
