package event

import (
	"sync"
	"time"
)

// debouncer collapses bursts of signals into one callback that runs after
// a quiet period. Each signal restarts the period.
//
// The callback never runs concurrently with itself from the debouncer.
type debouncer struct {
	mu       sync.Mutex
	delay    time.Duration
	timer    *time.Timer
	pending  bool
	seq      uint64 // invalidates timers that fire after a reset
	closed   bool
	callback func()
	running  sync.Mutex
}

func newDebouncer(delay time.Duration, callback func()) *debouncer {
	return &debouncer{delay: delay, callback: callback}
}

// signal schedules the callback delay from now, replacing any earlier
// schedule.
func (d *debouncer) signal() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	d.pending = true
	d.seq++
	seq := d.seq

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if !d.pending || d.seq != seq {
			d.mu.Unlock()
			return
		}
		d.pending = false
		d.timer = nil
		d.mu.Unlock()
		d.run()
	})
}

// flush runs a pending callback now.
func (d *debouncer) flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.seq++
	fire := d.pending && !d.closed
	d.pending = false
	d.mu.Unlock()

	if fire {
		d.run()
	}
}

// stop drops any pending callback; later signals are ignored.
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.seq++
	d.pending = false
	d.closed = true
}

func (d *debouncer) isPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *debouncer) run() {
	d.running.Lock()
	defer d.running.Unlock()
	d.callback()
}
