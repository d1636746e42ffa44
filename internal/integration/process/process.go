package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// State represents the state of a process.
type State int

const (
	// StateCreated indicates the process has been created but not started.
	StateCreated State = iota
	// StateRunning indicates the process is currently running.
	StateRunning
	// StateExited indicates the process has exited normally or with an error.
	StateExited
	// StateKilled indicates the process was killed by a signal.
	StateKilled
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Process is a supervised extension process.
type Process struct {
	// ID is the unique identifier for this process.
	ID string

	// Name is a human-readable name, usually the extension id.
	Name string

	// Cmd is the underlying exec.Cmd.
	Cmd *exec.Cmd

	// Stdin is the write side of the child's standard input.
	Stdin io.WriteCloser

	// Stdout is the read side of the child's standard output.
	Stdout io.ReadCloser

	// Stderr is the read side of the child's standard error.
	Stderr io.ReadCloser

	// Started is the time the process was started.
	Started time.Time

	// childEnds are the pipe ends handed to the child, closed in the
	// parent once the child has started.
	childEnds []io.Closer

	done     chan struct{}
	state    atomic.Int32
	exitCode atomic.Int32

	mu      sync.RWMutex
	exitErr error
	exited  time.Time

	waitOnce sync.Once
}

// newProcess creates a Process for cmd with all three streams piped.
func newProcess(id, name string, cmd *exec.Cmd) (*Process, error) {
	p := &Process{
		ID:   id,
		Name: name,
		Cmd:  cmd,
		done: make(chan struct{}),
	}
	p.state.Store(int32(StateCreated))
	p.exitCode.Store(-1)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	p.Stdin = stdin

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	p.Stdout = stdoutR
	p.Stderr = stderrR
	p.childEnds = []io.Closer{stdoutW, stderrW}
	return p, nil
}

// State returns the current process state.
func (p *Process) State() State {
	return State(p.state.Load())
}

// ExitCode returns the process exit code, or -1 if it has not exited.
func (p *Process) ExitCode() int {
	return int(p.exitCode.Load())
}

// ExitError returns the error from waiting on the process, if any.
func (p *Process) ExitError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitErr
}

// Done returns a channel that is closed when the process exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// IsRunning returns true if the process is currently running.
func (p *Process) IsRunning() bool {
	return p.State() == StateRunning
}

// HasExited returns true if the process has exited (normally or killed).
func (p *Process) HasExited() bool {
	state := p.State()
	return state == StateExited || state == StateKilled
}

// PID returns the process ID, or -1 if not started.
func (p *Process) PID() int {
	if p.Cmd.Process == nil {
		return -1
	}
	return p.Cmd.Process.Pid
}

// Signal sends a signal to the process.
func (p *Process) Signal(sig os.Signal) error {
	if !p.IsRunning() {
		return fmt.Errorf("process not running: %w", ErrProcessNotStarted)
	}
	if p.Cmd.Process == nil {
		return ErrProcessNotStarted
	}
	if err := p.Cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Kill sends SIGKILL to the process.
func (p *Process) Kill() error {
	return p.Signal(syscall.SIGKILL)
}

// Terminate sends SIGTERM to the process.
func (p *Process) Terminate() error {
	return p.Signal(syscall.SIGTERM)
}

// Stop terminates the process and waits up to grace for it to exit, then
// kills it. It returns true if the process had to be killed.
func (p *Process) Stop(grace time.Duration) bool {
	if p.HasExited() {
		return false
	}
	_ = p.Terminate()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return false
	case <-timer.C:
	}

	_ = p.Kill()
	<-p.done
	return true
}

// start starts the process and begins tracking it.
func (p *Process) start() error {
	if p.State() != StateCreated {
		return ErrProcessAlreadyStarted
	}

	err := p.Cmd.Start()
	// The child holds its own copies now.
	for _, c := range p.childEnds {
		_ = c.Close()
	}
	if err != nil {
		_ = p.Close()
		return fmt.Errorf("start process: %w", err)
	}

	p.Started = time.Now()
	p.state.Store(int32(StateRunning))

	go p.waitLoop()
	return nil
}

// waitLoop waits for the process to exit and updates state.
func (p *Process) waitLoop() {
	p.waitOnce.Do(func() {
		err := p.Cmd.Wait()

		p.mu.Lock()
		p.exitErr = err
		p.exited = time.Now()
		p.mu.Unlock()

		exitCode := 0
		state := StateExited
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
				if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
					state = StateKilled
				}
			} else {
				exitCode = -1
			}
		}

		p.exitCode.Store(int32(exitCode))
		p.state.Store(int32(state))
		close(p.done)
	})
}

// Close closes the parent's ends of all three streams. It does not kill
// the process.
func (p *Process) Close() error {
	var errs []error
	for name, c := range map[string]io.Closer{"stdin": p.Stdin, "stdout": p.Stdout, "stderr": p.Stderr} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Runtime returns how long the process has been running, or how long it
// ran once it has exited.
func (p *Process) Runtime() time.Duration {
	if p.Started.IsZero() {
		return 0
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.exited.IsZero() {
		return p.exited.Sub(p.Started)
	}
	return time.Since(p.Started)
}

// ExitSummary describes how the process ended, e.g. "exit status 3
// after 1.2s". It is empty while the process runs.
func (p *Process) ExitSummary() string {
	if !p.HasExited() {
		return ""
	}
	reason := "exit status 0"
	if err := p.ExitError(); err != nil {
		reason = err.Error()
	}
	return fmt.Sprintf("%s after %s", reason, p.Runtime().Round(time.Millisecond))
}

// Sentinel errors for process package.
var (
	// ErrProcessNotStarted is returned when operations require a started process.
	ErrProcessNotStarted = errors.New("process not started")

	// ErrProcessAlreadyStarted is returned when trying to start an already running process.
	ErrProcessAlreadyStarted = errors.New("process already started")
)
