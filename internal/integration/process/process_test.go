package process

import (
	"bufio"
	"io"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateCreated, "created"},
		{StateRunning, "running"},
		{StateExited, "exited"},
		{StateKilled, "killed"},
		{State(99), "unknown(99)"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestProcess_ExitCode(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown(time.Second)

	proc, err := s.Start(Spec{Name: "exit3", Path: "sh", Args: []string{"-c", "exit 3"}})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case <-proc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	if proc.ExitCode() != 3 {
		t.Errorf("ExitCode() = %d, want 3", proc.ExitCode())
	}
	if proc.State() != StateExited {
		t.Errorf("State() = %v, want exited", proc.State())
	}
}

func TestProcess_RuntimeFrozenAtExit(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown(time.Second)

	proc, err := s.Start(Spec{Path: "sh", Args: []string{"-c", "exit 3"}})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := proc.ExitSummary(); got != "" && !proc.HasExited() {
		t.Errorf("ExitSummary() while running = %q, want empty", got)
	}
	<-proc.Done()

	first := proc.Runtime()
	time.Sleep(20 * time.Millisecond)
	if second := proc.Runtime(); second != first {
		t.Errorf("Runtime() kept growing after exit: %v then %v", first, second)
	}
	if got := proc.ExitSummary(); !strings.HasPrefix(got, "exit status 3 after ") {
		t.Errorf("ExitSummary() = %q, want exit status 3 prefix", got)
	}
}

func TestProcess_StdoutDrainsAfterExit(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown(time.Second)

	proc, err := s.Start(Spec{Path: "sh", Args: []string{"-c", "echo one; echo two"}})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-proc.Done()

	data, err := io.ReadAll(proc.Stdout)
	if err != nil {
		t.Fatalf("ReadAll(stdout) error = %v", err)
	}
	if string(data) != "one\ntwo\n" {
		t.Errorf("stdout = %q, want %q", data, "one\ntwo\n")
	}
}

func TestProcess_StderrSeparateFromStdout(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown(time.Second)

	proc, err := s.Start(Spec{Path: "sh", Args: []string{"-c", "echo out; echo diag >&2"}})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	stderr := bufio.NewScanner(proc.Stderr)
	if !stderr.Scan() || stderr.Text() != "diag" {
		t.Errorf("stderr line = %q, want diag", stderr.Text())
	}
	out, _ := io.ReadAll(proc.Stdout)
	if strings.Contains(string(out), "diag") {
		t.Errorf("stdout contains diagnostic text: %q", out)
	}
}

func TestProcess_Env(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown(time.Second)

	proc, err := s.Start(Spec{
		Path: "sh",
		Args: []string{"-c", "printf %s \"$EXTHOST_VERSION\""},
		Env:  map[string]string{"EXTHOST_VERSION": "9.9.9"},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	out, _ := io.ReadAll(proc.Stdout)
	if string(out) != "9.9.9" {
		t.Errorf("EXTHOST_VERSION = %q, want 9.9.9", out)
	}
}

func TestProcess_StopEscalatesToKill(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown(time.Second)

	proc, err := s.Start(Spec{Path: "sh", Args: []string{"-c", "trap '' TERM; while true; do sleep 0.05; done"}})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	// Give the shell time to install the trap.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	killed := proc.Stop(200 * time.Millisecond)
	if !killed {
		t.Error("Stop() = false, want forced kill")
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("Stop() returned after %v, before the grace period", elapsed)
	}
	if proc.State() != StateKilled {
		t.Errorf("State() = %v, want killed", proc.State())
	}
}

func TestProcess_StopGraceful(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown(time.Second)

	proc, err := s.Start(Spec{Path: "sleep", Args: []string{"10"}})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if proc.Stop(5 * time.Second) {
		t.Error("Stop() killed a process that honors SIGTERM")
	}
	if !proc.HasExited() {
		t.Error("HasExited() = false after Stop()")
	}
}

func TestProcess_SignalAfterExit(t *testing.T) {
	s := NewSupervisor()
	defer s.Shutdown(time.Second)

	proc, err := s.Start(Spec{Path: "true"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-proc.Done()

	if err := proc.Signal(syscall.SIGTERM); err == nil {
		t.Error("Signal() on exited process should fail")
	}
}
