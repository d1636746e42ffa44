package event

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestDebouncer_CollapsesBurst(t *testing.T) {
	var calls atomic.Int32
	d := newDebouncer(50*time.Millisecond, func() { calls.Add(1) })

	for i := 0; i < 10; i++ {
		d.signal()
	}
	time.Sleep(120 * time.Millisecond)

	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestDebouncer_SpacedSignals(t *testing.T) {
	var calls atomic.Int32
	d := newDebouncer(30*time.Millisecond, func() { calls.Add(1) })

	for i := 0; i < 3; i++ {
		d.signal()
		time.Sleep(80 * time.Millisecond)
	}

	if n := calls.Load(); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestDebouncer_ResetExtendsQuietPeriod(t *testing.T) {
	fired := make(chan time.Time, 1)
	d := newDebouncer(60*time.Millisecond, func() { fired <- time.Now() })

	d.signal()
	time.Sleep(40 * time.Millisecond)
	last := time.Now()
	d.signal()

	select {
	case at := <-fired:
		if at.Sub(last) < 60*time.Millisecond {
			t.Errorf("fired %v after last signal, want >= 60ms", at.Sub(last))
		}
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestDebouncer_Flush(t *testing.T) {
	var calls atomic.Int32
	d := newDebouncer(time.Hour, func() { calls.Add(1) })

	d.flush()
	if n := calls.Load(); n != 0 {
		t.Fatalf("flush without pending signal ran callback %d times", n)
	}

	d.signal()
	if !d.isPending() {
		t.Fatal("isPending() = false after signal")
	}
	d.flush()
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d after flush, want 1", n)
	}
	if d.isPending() {
		t.Error("isPending() = true after flush")
	}
}

func TestDebouncer_Stop(t *testing.T) {
	var calls atomic.Int32
	d := newDebouncer(20*time.Millisecond, func() { calls.Add(1) })

	d.signal()
	d.stop()
	d.signal()
	time.Sleep(60 * time.Millisecond)

	if n := calls.Load(); n != 0 {
		t.Errorf("calls = %d, want 0 after stop", n)
	}
}
