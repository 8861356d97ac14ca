package hardware

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultResetTimeout bounds a reset command that does not finish.
const DefaultResetTimeout = 10 * time.Second

// ErrResetFailed is returned when the reset command fails or times out.
var ErrResetFailed = errors.New("hardware: reset failed")

// Logger is the logging surface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// CommandResetter puts motors, servos and power rails back into a safe
// state by running an external command.
type CommandResetter struct {
	command []string
	timeout time.Duration
	logger  Logger
}

// NewCommandResetter returns a resetter for command (program and
// arguments). A non-positive timeout falls back to DefaultResetTimeout.
func NewCommandResetter(command []string, timeout time.Duration) *CommandResetter {
	if timeout <= 0 {
		timeout = DefaultResetTimeout
	}
	return &CommandResetter{
		command: append([]string(nil), command...),
		timeout: timeout,
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger.
func (r *CommandResetter) SetLogger(l Logger) {
	if l != nil {
		r.logger = l
	}
}

// Reset runs the command and waits for it. An empty command is a no-op.
// The parent context is respected so shutdown is not held up by a hung board.
func (r *CommandResetter) Reset(ctx context.Context) error {
	if len(r.command) == 0 {
		r.logger.Debug("hardware reset skipped: no command configured")
		return nil
	}

	resetCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(resetCtx, r.command[0], r.command[1:]...) //nolint:gosec // operator-configured command
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: cancelled: %w", ErrResetFailed, ctx.Err())
		}
		if errors.Is(resetCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: timed out after %v", ErrResetFailed, r.timeout)
		}
		return fmt.Errorf("%w: %w (output: %s)", ErrResetFailed, err, strings.TrimSpace(string(output)))
	}

	r.logger.Info("hardware reset complete", "duration", time.Since(start))
	return nil
}

// NoopResetter does nothing. It is used on development machines with no
// robot attached.
type NoopResetter struct{}

// Reset always succeeds.
func (NoopResetter) Reset(context.Context) error { return nil }
