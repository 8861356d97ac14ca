package process

import (
	"fmt"
	"io"
	"time"
)

// DefaultEndMarker is appended to the output sink after every reap.
const DefaultEndMarker = "\n==== END OF ROUND ====\n\n"

// Default timing for the reaper.
const (
	DefaultGracePeriod = 5 * time.Second
	defaultKillWait    = 5 * time.Second
)

// Logger defines the logging interface used by this package.
// This allows the caller to inject their preferred logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Target is the part of a process the Reaper works with. *Handle implements it.
type Target interface {
	PID() int
	Terminate() error
	Kill() error
	Done() <-chan struct{}
	Wait() ExitStatus
	Output() io.WriteCloser
}

// Result describes a completed reap.
type Result struct {
	PID int

	// Status is the exit status collected from the process.
	Status ExitStatus

	// AlreadyExited is true when the process was gone before SIGTERM.
	AlreadyExited bool

	// Forced is true when the grace period elapsed and SIGKILL was sent.
	Forced bool

	// Duration is the wall time spent reaping.
	Duration time.Duration
}

// Reaper terminates a process gracefully, then forcefully after a grace period.
type Reaper struct {
	grace    time.Duration
	killWait time.Duration
	marker   string
	logger   Logger
}

// NewReaper creates a Reaper with the given grace period and end marker.
// A non-positive grace period selects DefaultGracePeriod.
func NewReaper(grace time.Duration, marker string) *Reaper {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Reaper{
		grace:    grace,
		killWait: defaultKillWait,
		marker:   marker,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the reaper.
func (r *Reaper) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// GracePeriod returns the configured grace period.
func (r *Reaper) GracePeriod() time.Duration {
	return r.grace
}

// butcherOutcome is reported by the grace-period timer.
type butcherOutcome struct {
	killed bool
	err    error
}

// Reap ends t and waits for its exit.
//
// It sends SIGTERM, then SIGKILL exactly once if the process is still alive
// after the grace period. When the process is gone the end marker is written
// to the output sink and the sink is closed. Output errors are logged only.
//
// Returns an error wrapping ErrKillFailed if SIGKILL could not be delivered or
// the process survived it. The process may then still be running.
func (r *Reaper) Reap(t Target, reason string) (Result, error) {
	start := time.Now()
	res := Result{PID: t.PID()}

	r.logger.Info("reaping user code", "pid", res.PID, "reason", reason)

	if err := t.Terminate(); err != nil {
		if IsNotFound(err) {
			res.AlreadyExited = true
			r.logger.Debug("user code already exited", "pid", res.PID)
		} else {
			r.logger.Warn("failed to terminate user code", "pid", res.PID, "error", err)
		}
	}

	outcome := make(chan butcherOutcome, 1)
	butcher := time.AfterFunc(r.grace, func() {
		outcome <- r.butcher(t)
	})

	select {
	case <-t.Done():
		if !butcher.Stop() {
			// The kill was already under way when the process went.
			o := <-outcome
			res.Forced = o.killed
			if o.err != nil {
				r.logger.Warn("kill reported an error after exit", "pid", res.PID, "error", o.err)
			}
		}
	case o := <-outcome:
		res.Forced = o.killed
		if o.err != nil {
			res.Duration = time.Since(start)
			r.logger.Error("failed to kill user code", "pid", res.PID, "error", o.err)
			return res, fmt.Errorf("%w: pid %d: %w", ErrKillFailed, res.PID, o.err)
		}
		select {
		case <-t.Done():
		case <-time.After(r.killWait):
			res.Duration = time.Since(start)
			r.logger.Error("user code survived kill", "pid", res.PID, "wait", r.killWait)
			return res, fmt.Errorf("%w: pid %d still running %s after SIGKILL", ErrKillFailed, res.PID, r.killWait)
		}
	}

	res.Status = t.Wait()
	r.finishOutput(t)
	res.Duration = time.Since(start)

	r.logger.Info("done reaping user code",
		"pid", res.PID,
		"status", res.Status.String(),
		"forced", res.Forced,
		"duration", res.Duration,
	)

	return res, nil
}

// butcher sends SIGKILL once, unless the process exited in the meantime.
func (r *Reaper) butcher(t Target) butcherOutcome {
	select {
	case <-t.Done():
		return butcherOutcome{}
	default:
	}

	r.logger.Warn("butchering user code", "pid", t.PID(), "grace_period", r.grace)

	if err := t.Kill(); err != nil {
		if IsNotFound(err) {
			return butcherOutcome{}
		}
		return butcherOutcome{killed: true, err: err}
	}

	r.logger.Info("done butchering user code", "pid", t.PID())
	return butcherOutcome{killed: true}
}

// finishOutput appends the end marker and closes the sink.
func (r *Reaper) finishOutput(t Target) {
	out := t.Output()
	if out == nil {
		return
	}
	if r.marker != "" {
		if _, err := io.WriteString(out, r.marker); err != nil {
			r.logger.Warn("failed to write end marker", "pid", t.PID(), "error", err)
		}
	}
	if err := out.Close(); err != nil {
		r.logger.Warn("failed to close user code output", "pid", t.PID(), "error", err)
	}
}
