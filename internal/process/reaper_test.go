package process

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

// fakeTarget is a scripted Target for exercising Reaper paths that a real
// process cannot reach reliably.
type fakeTarget struct {
	mu           sync.Mutex
	done         chan struct{}
	status       ExitStatus
	terminateErr error
	killErr      error
	exitOnTerm   bool
	exitOnKill   bool
	killLatency  time.Duration
	terminates   int
	kills        int
	out          *bufferCloser
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{done: make(chan struct{}), out: &bufferCloser{}}
}

func (f *fakeTarget) PID() int { return 4242 }

func (f *fakeTarget) Terminate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminates++
	if f.exitOnTerm {
		f.exitLocked(ExitStatus{Code: -1, Signaled: true, Signal: syscall.SIGTERM})
	}
	return f.terminateErr
}

func (f *fakeTarget) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills++
	if f.exitOnKill {
		f.exitLocked(ExitStatus{Code: -1, Signaled: true, Signal: syscall.SIGKILL})
	}
	if f.killLatency > 0 {
		// The exit is visible before Kill returns.
		time.Sleep(f.killLatency)
	}
	return f.killErr
}

func (f *fakeTarget) exitLocked(s ExitStatus) {
	select {
	case <-f.done:
	default:
		f.status = s
		close(f.done)
	}
}

func (f *fakeTarget) Done() <-chan struct{} { return f.done }

func (f *fakeTarget) Wait() ExitStatus {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeTarget) Output() io.WriteCloser { return f.out }

func (f *fakeTarget) counts() (terms, kills int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminates, f.kills
}

type bufferCloser struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (b *bufferCloser) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrOutputClosed
	}
	return b.buf.Write(p)
}

func (b *bufferCloser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *bufferCloser) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// ============================================================================
// Fake targets
// ============================================================================

func TestReap_GracefulExit(t *testing.T) {
	f := newFakeTarget()
	f.exitOnTerm = true

	r := NewReaper(time.Second, DefaultEndMarker)
	res, err := r.Reap(f, "stop requested")
	if err != nil {
		t.Fatalf("Reap() error = %v", err)
	}
	if res.Forced {
		t.Error("Forced = true, want false")
	}
	if _, kills := f.counts(); kills != 0 {
		t.Errorf("kills = %d, want 0", kills)
	}
	if got := f.out.String(); got != DefaultEndMarker {
		t.Errorf("output = %q, want end marker", got)
	}
	if !f.out.closed {
		t.Error("output not closed")
	}
}

func TestReap_AlreadyExited(t *testing.T) {
	f := newFakeTarget()
	f.terminateErr = ErrProcessNotFound
	f.exitLocked(ExitStatus{Code: 1})

	r := NewReaper(time.Second, DefaultEndMarker)
	res, err := r.Reap(f, "user code crashed")
	if err != nil {
		t.Fatalf("Reap() error = %v", err)
	}
	if !res.AlreadyExited {
		t.Error("AlreadyExited = false, want true")
	}
	if res.Status.Code != 1 {
		t.Errorf("Status = %v, want exit 1", res.Status)
	}
	if !strings.HasSuffix(f.out.String(), DefaultEndMarker) {
		t.Error("end marker not written for an already-exited process")
	}
}

func TestReap_ButchersAfterGrace(t *testing.T) {
	f := newFakeTarget()
	f.exitOnKill = true

	r := NewReaper(50*time.Millisecond, DefaultEndMarker)
	start := time.Now()
	res, err := r.Reap(f, "round timeout")
	if err != nil {
		t.Fatalf("Reap() error = %v", err)
	}
	if !res.Forced {
		t.Error("Forced = false, want true")
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Reap returned after %v, before the grace period", elapsed)
	}
	if _, kills := f.counts(); kills != 1 {
		t.Errorf("kills = %d, want exactly 1", kills)
	}
	if res.Status.Signal != syscall.SIGKILL {
		t.Errorf("Status = %v, want SIGKILL", res.Status)
	}
}

func TestReap_ForcedWhenExitIsSeenFirst(t *testing.T) {
	f := newFakeTarget()
	f.exitOnKill = true
	f.killLatency = 30 * time.Millisecond

	r := NewReaper(20*time.Millisecond, DefaultEndMarker)
	res, err := r.Reap(f, "round timeout")
	if err != nil {
		t.Fatalf("Reap() error = %v", err)
	}
	if !res.Forced {
		t.Error("Forced = false after SIGKILL ended the process")
	}
	if _, kills := f.counts(); kills != 1 {
		t.Errorf("kills = %d, want 1", kills)
	}
}

func TestReap_TerminateFailureStillKills(t *testing.T) {
	f := newFakeTarget()
	f.terminateErr = &SignalError{PID: 4242, Signal: syscall.SIGTERM, Err: syscall.EPERM}
	f.exitOnKill = true

	r := NewReaper(20*time.Millisecond, DefaultEndMarker)
	if _, err := r.Reap(f, "stop requested"); err != nil {
		t.Fatalf("Reap() error = %v", err)
	}
	if _, kills := f.counts(); kills != 1 {
		t.Errorf("kills = %d, want 1", kills)
	}
}

func TestReap_KillFailureIsFatal(t *testing.T) {
	f := newFakeTarget()
	f.killErr = &SignalError{PID: 4242, Signal: syscall.SIGKILL, Err: syscall.EPERM}

	r := NewReaper(20*time.Millisecond, DefaultEndMarker)
	_, err := r.Reap(f, "stop requested")
	if !errors.Is(err, ErrKillFailed) {
		t.Fatalf("Reap() error = %v, want ErrKillFailed", err)
	}
	if !errors.Is(err, syscall.EPERM) {
		t.Errorf("Reap() error = %v, want wrapped EPERM", err)
	}
	if f.out.String() != "" {
		t.Errorf("end marker written for a process that may still run: %q", f.out.String())
	}
}

func TestReap_KillNotFoundIsSuccess(t *testing.T) {
	f := newFakeTarget()
	f.killErr = ErrProcessNotFound
	f.exitOnKill = true

	r := NewReaper(20*time.Millisecond, DefaultEndMarker)
	res, err := r.Reap(f, "stop requested")
	if err != nil {
		t.Errorf("Reap() error = %v, want nil", err)
	}
	if res.Forced {
		t.Error("Forced = true for a process that was already gone")
	}
}

func TestNewReaper_DefaultGrace(t *testing.T) {
	r := NewReaper(0, DefaultEndMarker)
	if r.GracePeriod() != DefaultGracePeriod {
		t.Errorf("GracePeriod() = %v, want %v", r.GracePeriod(), DefaultGracePeriod)
	}
}

// ============================================================================
// Real processes
// ============================================================================

func TestReap_RealProcessIgnoringSIGTERM(t *testing.T) {
	cfg := shellConfig(t, `trap '' TERM; echo ready; while true; do sleep 0.05; done`)
	h, err := Spawn(cfg)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	// Give the shell time to install the trap
	time.Sleep(200 * time.Millisecond)

	r := NewReaper(200*time.Millisecond, DefaultEndMarker)
	res, err := r.Reap(h, "round timeout")
	if err != nil {
		t.Fatalf("Reap() error = %v", err)
	}
	if !res.Forced {
		t.Error("Forced = false, want true for a process ignoring SIGTERM")
	}
	if !res.Status.Signaled || res.Status.Signal != syscall.SIGKILL {
		t.Errorf("Status = %v, want SIGKILL", res.Status)
	}

	data, err := os.ReadFile(cfg.OutputPath)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if !strings.HasSuffix(string(data), DefaultEndMarker) {
		t.Errorf("output = %q, want trailing end marker", data)
	}
}

func TestReap_RealProcessGraceful(t *testing.T) {
	cfg := shellConfig(t, "sleep 30")
	h, err := Spawn(cfg)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	r := NewReaper(5*time.Second, DefaultEndMarker)
	res, err := r.Reap(h, "stop requested")
	if err != nil {
		t.Fatalf("Reap() error = %v", err)
	}
	if res.Forced {
		t.Error("Forced = true, want graceful termination")
	}
	if res.Duration > 5*time.Second {
		t.Errorf("Duration = %v, exceeds grace period", res.Duration)
	}

	// Output is closed after the reap
	if _, err := h.Output().Write([]byte("late")); !errors.Is(err, ErrOutputClosed) {
		t.Errorf("Write after reap error = %v, want ErrOutputClosed", err)
	}
}
