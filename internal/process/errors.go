package process

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// Domain-specific errors for process operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrProcessNotFound is returned when a signal targets a process that has
	// already exited. Callers treat it as termination already achieved.
	ErrProcessNotFound = errors.New("process: no such process")

	// ErrSpawnFailed is returned when the user executable cannot be started.
	ErrSpawnFailed = errors.New("process: spawn failed")

	// ErrKillFailed is returned by Reap when the forceful kill failed for a
	// reason other than the process being gone. The process may still be
	// running unsupervised.
	ErrKillFailed = errors.New("process: kill failed")

	// ErrOutputClosed is returned when writing to a closed output sink.
	ErrOutputClosed = errors.New("process: output closed")
)

// SignalError is an unexpected OS failure while signalling a process.
type SignalError struct {
	PID    int
	Signal syscall.Signal
	Err    error
}

func (e *SignalError) Error() string {
	return fmt.Sprintf("sending %s to pid %d: %v", e.Signal, e.PID, e.Err)
}

func (e *SignalError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err means the target process no longer exists.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProcessNotFound) ||
		errors.Is(err, syscall.ESRCH) ||
		errors.Is(err, os.ErrProcessDone)
}

// classifySignalError maps the result of a kill(2) call onto the package
// error taxonomy: nil, ErrProcessNotFound or *SignalError.
func classifySignalError(pid int, sig syscall.Signal, err error) error {
	if err == nil {
		return nil
	}
	if IsNotFound(err) {
		return ErrProcessNotFound
	}
	return &SignalError{PID: pid, Signal: sig, Err: err}
}
