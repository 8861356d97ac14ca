package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// File permission modes for the output sink.
const (
	outputDirPermissions  = 0750
	outputFilePermissions = 0644
)

// Config holds configuration for the managed user process.
type Config struct {
	// Name is a human-readable identifier for logging.
	Name string

	// Binary is the path to the executable (usually the interpreter).
	Binary string

	// Args are command-line arguments, ending with the entrypoint script.
	Args []string

	// Env are additional environment variables (key=value format),
	// appended to the parent's environment.
	Env []string

	// WorkDir is the working directory for the process.
	// If empty, inherits from parent process.
	WorkDir string

	// OutputPath is the file receiving stdout and stderr. It is truncated on
	// spawn. If empty, output is discarded.
	OutputPath string
}

// ExitStatus describes how a process ended.
type ExitStatus struct {
	// Code is the exit code, or -1 if the process was terminated by a signal.
	Code int

	// Signaled is true if the process was terminated by a signal.
	Signaled bool

	// Signal is the terminating signal when Signaled is true.
	Signal syscall.Signal
}

// String returns "exit 1" or "signal killed".
func (s ExitStatus) String() string {
	if s.Signaled {
		return "signal " + s.Signal.String()
	}
	return fmt.Sprintf("exit %d", s.Code)
}

// Handle is one spawned user process.
//
// The process runs in its own process group so signals reach any children it
// starts. A single background goroutine waits on the process; Done is closed
// once the exit status has been collected.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Handle struct {
	name      string
	cmd       *exec.Cmd
	pid       int
	startTime time.Time
	stdin     io.WriteCloser
	output    *sink
	done      chan struct{}

	mu     sync.RWMutex
	status ExitStatus
	exited bool
}

// Spawn starts the user executable described by cfg.
//
// Returns:
//   - *Handle: Running process
//   - error: wrapping ErrSpawnFailed if the output sink cannot be opened or
//     the executable cannot be started (missing, permission denied)
func Spawn(cfg Config) (*Handle, error) {
	if cfg.Binary == "" {
		return nil, fmt.Errorf("%w: binary path is required", ErrSpawnFailed)
	}

	output, err := openOutput(cfg.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}

	cmd := exec.Command(cfg.Binary, cfg.Args...) //nolint:gosec // Binary path comes from operator config

	// New process group so terminate/kill reach the whole tree
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), cfg.Env...)
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}
	cmd.Stdout = output.file
	cmd.Stderr = output.file

	stdin, err := cmd.StdinPipe()
	if err != nil {
		output.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("%w: creating stdin pipe: %w", ErrSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		output.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("%w: starting %s: %w", ErrSpawnFailed, cfg.Name, err)
	}

	h := &Handle{
		name:      cfg.Name,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startTime: time.Now(),
		stdin:     stdin,
		output:    output,
		done:      make(chan struct{}),
	}
	go h.wait()

	return h, nil
}

// openOutput opens the output sink, creating its directory if needed.
func openOutput(path string) (*sink, error) {
	if path == "" {
		path = os.DevNull
	} else if err := os.MkdirAll(filepath.Dir(path), outputDirPermissions); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, outputFilePermissions) //nolint:gosec // Path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("opening output file: %w", err)
	}
	return &sink{file: f}, nil
}

// wait collects the exit status. It is the only caller of cmd.Wait.
func (h *Handle) wait() {
	err := h.cmd.Wait()

	h.mu.Lock()
	h.status = exitStatusFromError(err)
	h.exited = true
	h.mu.Unlock()

	close(h.done)
}

// Name returns the configured process name.
func (h *Handle) Name() string {
	return h.name
}

// PID returns the process ID.
func (h *Handle) PID() int {
	return h.pid
}

// Uptime returns how long the process has been running.
func (h *Handle) Uptime() time.Duration {
	return time.Since(h.startTime)
}

// Terminate requests graceful termination (SIGTERM to the process group).
//
// Returns ErrProcessNotFound if nothing in the group is left to signal, or a
// *SignalError for any other OS failure.
func (h *Handle) Terminate() error {
	return h.signal(syscall.SIGTERM)
}

// Kill forcefully terminates the process group (SIGKILL).
//
// Returns ErrProcessNotFound if nothing in the group is left to signal, or a
// *SignalError for any other OS failure.
func (h *Handle) Kill() error {
	return h.signal(syscall.SIGKILL)
}

// signal sends sig to the process group created via Setpgid.
func (h *Handle) signal(sig syscall.Signal) error {
	err := syscall.Kill(-h.pid, sig)
	return classifySignalError(h.pid, sig, err)
}

// Done returns a channel closed once the process has exited and its status
// has been collected.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the process exits and returns its exit status.
func (h *Handle) Wait() ExitStatus {
	<-h.done
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// ExitStatus returns the exit status and true once the process has exited.
func (h *Handle) ExitStatus() (ExitStatus, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status, h.exited
}

// IsAlive reports whether the process has not yet been observed to exit.
func (h *Handle) IsAlive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return !h.exited
}

// WriteControl sends one record to the process's control input (stdin).
// A trailing newline is added if missing so the reader can split on lines.
func (h *Handle) WriteControl(record []byte) error {
	if len(record) == 0 || record[len(record)-1] != '\n' {
		record = append(append(make([]byte, 0, len(record)+1), record...), '\n')
	}
	if _, err := h.stdin.Write(record); err != nil {
		return fmt.Errorf("writing control input to pid %d: %w", h.pid, err)
	}
	return nil
}

// Output returns the process's output sink. The Reaper writes the end-of-round
// marker to it and closes it.
func (h *Handle) Output() io.WriteCloser {
	return h.output
}

// sink is the append-only output file shared with the child.
// Close is idempotent.
type sink struct {
	mu     sync.Mutex
	file   *os.File
	closed bool
}

func (s *sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrOutputClosed
	}
	return s.file.Write(p)
}

func (s *sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("closing output: %w", err)
	}
	return nil
}

// exitStatusFromError extracts the exit status from a Wait() error.
func exitStatusFromError(err error) ExitStatus {
	if err == nil {
		return ExitStatus{Code: 0}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return ExitStatus{Code: -1, Signaled: true, Signal: ws.Signal()}
			}
			return ExitStatus{Code: ws.ExitStatus()}
		}
		return ExitStatus{Code: exitErr.ExitCode()}
	}

	// Unknown wait failure, report as a generic failure
	return ExitStatus{Code: 1}
}
