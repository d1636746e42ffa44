package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-shellwords"
)

// Spec describes how to launch an extension process.
type Spec struct {
	// Name is a human-readable name for the process.
	Name string

	// Path is the executable. When Args is empty, Path may be a full
	// command line ("python3 ext.py --flag") and is split with shell
	// word rules.
	Path string

	// Args are passed to the executable.
	Args []string

	// Env is added to the host environment. Entries here win over
	// inherited variables of the same name.
	Env map[string]string

	// Dir is the working directory. Defaults to the executable's directory.
	Dir string
}

// Command resolves the executable and argument list of the spec.
func (s Spec) Command() (string, []string, error) {
	if s.Path == "" {
		return "", nil, ErrEmptyCommand
	}
	if len(s.Args) > 0 {
		return s.Path, s.Args, nil
	}
	if _, err := os.Stat(s.Path); err == nil {
		return s.Path, nil, nil
	}
	words, err := shellwords.Parse(s.Path)
	if err != nil {
		return "", nil, fmt.Errorf("parse command %q: %w", s.Path, err)
	}
	if len(words) == 0 {
		return "", nil, ErrEmptyCommand
	}
	return words[0], words[1:], nil
}

// environ merges the host environment with env. Keys in env are applied
// in sorted order so the result is deterministic.
func environ(env map[string]string) []string {
	out := os.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// Supervisor manages extension processes with lifecycle tracking and
// cleanup. It is safe for concurrent use.
type Supervisor struct {
	mu        sync.RWMutex
	processes map[string]*Process

	closed atomic.Bool

	// maxProcesses limits concurrent processes (0 = unlimited)
	maxProcesses int

	onProcessExit func(p *Process)
}

// SupervisorOption configures a Supervisor instance.
type SupervisorOption func(*Supervisor)

// WithMaxProcesses sets the maximum number of concurrent processes.
// A value of 0 (default) means unlimited.
func WithMaxProcesses(max int) SupervisorOption {
	return func(s *Supervisor) {
		s.maxProcesses = max
	}
}

// WithProcessExitCallback sets a callback run after each process exits,
// before it is dropped from tracking. A panicking callback is ignored.
func WithProcessExitCallback(fn func(p *Process)) SupervisorOption {
	return func(s *Supervisor) {
		s.onProcessExit = fn
	}
}

// NewSupervisor creates a new process supervisor.
func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		processes: make(map[string]*Process),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches a new process described by spec.
//
// Returns ErrSupervisorShutdown if the supervisor is shutting down.
func (s *Supervisor) Start(spec Spec) (*Process, error) {
	path, args, err := spec.Command()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path, args...)
	cmd.Env = environ(spec.Env)
	cmd.Dir = spec.Dir
	if cmd.Dir == "" && filepath.IsAbs(path) {
		cmd.Dir = filepath.Dir(path)
	}

	name := spec.Name
	if name == "" {
		name = filepath.Base(path)
	}
	return s.start(uuid.New().String(), name, cmd)
}

func (s *Supervisor) start(id, name string, cmd *exec.Cmd) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, ErrSupervisorShutdown
	}
	if s.maxProcesses > 0 && len(s.processes) >= s.maxProcesses {
		return nil, fmt.Errorf("%w: %d", ErrProcessLimit, s.maxProcesses)
	}

	proc, err := newProcess(id, name, cmd)
	if err != nil {
		return nil, err
	}
	if err := proc.start(); err != nil {
		return nil, err
	}

	s.processes[id] = proc
	go s.monitorProcess(proc)
	return proc, nil
}

// monitorProcess watches for process exit and cleans up.
func (s *Supervisor) monitorProcess(proc *Process) {
	<-proc.Done()

	if s.onProcessExit != nil {
		func() {
			defer func() { _ = recover() }()
			s.onProcessExit(proc)
		}()
	}

	s.mu.Lock()
	delete(s.processes, proc.ID)
	s.mu.Unlock()
}

// List returns all managed processes.
func (s *Supervisor) List() []*Process {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Process, 0, len(s.processes))
	for _, p := range s.processes {
		result = append(result, p)
	}
	return result
}

// Count returns the number of managed processes.
func (s *Supervisor) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.processes)
}

// Shutdown terminates all processes, waits up to timeout for them to exit,
// and kills any still running. It blocks until every process has been
// removed from tracking.
func (s *Supervisor) Shutdown(timeout time.Duration) {
	if s.closed.Swap(true) {
		return
	}

	procs := s.List()
	if len(procs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *Process) {
			defer wg.Done()
			p.Stop(timeout)
		}(p)
	}
	wg.Wait()

	s.waitForCleanup()
}

// waitForCleanup waits for all processes to be removed from the map.
func (s *Supervisor) waitForCleanup() {
	for s.Count() > 0 {
		time.Sleep(time.Millisecond)
	}
}

// Sentinel errors.
var (
	// ErrSupervisorShutdown is returned when the supervisor is shutting down.
	ErrSupervisorShutdown = errors.New("supervisor is shutting down")

	// ErrProcessLimit is returned when the process limit is reached.
	ErrProcessLimit = errors.New("process limit reached")

	// ErrEmptyCommand is returned when a spec has no executable.
	ErrEmptyCommand = errors.New("empty command")
)
