package round

import (
	"context"
	"errors"
	"io"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/nerrad567/robot-starter/internal/process"
)

// fakeProc is an in-memory user process.
type fakeProc struct {
	pid  int
	done chan struct{}

	mu         sync.Mutex
	status     process.ExitStatus
	exited     bool
	ignoreTerm bool
	killErr    error
	terms      int
	kills      int
	control    [][]byte
	writeErr   error
}

func newFakeProc(pid int) *fakeProc {
	return &fakeProc{pid: pid, done: make(chan struct{})}
}

func (p *fakeProc) PID() int { return p.pid }

func (p *fakeProc) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terms++
	if p.exited {
		return process.ErrProcessNotFound
	}
	if !p.ignoreTerm {
		p.exitLocked(process.ExitStatus{Code: -1, Signaled: true, Signal: syscall.SIGTERM})
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kills++
	if p.killErr != nil {
		return p.killErr
	}
	if p.exited {
		return process.ErrProcessNotFound
	}
	p.exitLocked(process.ExitStatus{Code: -1, Signaled: true, Signal: syscall.SIGKILL})
	return nil
}

// exit simulates the process ending on its own.
func (p *fakeProc) exit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exitLocked(process.ExitStatus{Code: code})
}

func (p *fakeProc) exitLocked(s process.ExitStatus) {
	if p.exited {
		return
	}
	p.exited = true
	p.status = s
	close(p.done)
}

func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) Wait() process.ExitStatus {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *fakeProc) Output() io.WriteCloser { return nopWriteCloser{} }

func (p *fakeProc) WriteControl(record []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return p.writeErr
	}
	p.control = append(p.control, append([]byte(nil), record...))
	return nil
}

func (p *fakeProc) IsAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

func (p *fakeProc) payloads() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.control...)
}

func (p *fakeProc) counts() (terms, kills int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terms, p.kills
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(b []byte) (int, error) { return len(b), nil }
func (nopWriteCloser) Close() error                { return nil }

// fakeSpawner hands out fakeProcs and records whether two were ever alive at
// the same time.
type fakeSpawner struct {
	mu        sync.Mutex
	procs     []*fakeProc
	err       error
	overlap   bool
	configure func(*fakeProc)
}

func (s *fakeSpawner) Spawn() (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	for _, p := range s.procs {
		if p.IsAlive() {
			s.overlap = true
		}
	}
	p := newFakeProc(1000 + len(s.procs))
	if s.configure != nil {
		s.configure(p)
	}
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) last() *fakeProc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[len(s.procs)-1]
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *fakeSpawner) sawOverlap() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overlap
}

func (s *fakeSpawner) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

type fakeResetter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *fakeResetter) Reset(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

func (r *fakeResetter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// eventRecorder collects supervisor events.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	sup      *Supervisor
	spawner  *fakeSpawner
	resetter *fakeResetter
	events   *eventRecorder
}

func testSettings() Settings {
	return Settings{
		RoundLength:      time.Hour,
		SettleDelay:      time.Millisecond,
		AbnormalExitCode: 1,
		Arena:            "A",
		Zones:            4,
	}
}

// newHarness builds and boots a supervisor on fakes with a real Reaper.
func newHarness(t *testing.T, settings Settings) *harness {
	t.Helper()
	h := &harness{
		spawner:  &fakeSpawner{},
		resetter: &fakeResetter{},
		events:   &eventRecorder{},
	}
	reaper := process.NewReaper(50*time.Millisecond, process.DefaultEndMarker)
	h.sup = NewSupervisor(settings, h.spawner, reaper, h.resetter)
	h.sup.Subscribe(h.events.record)

	if err := h.sup.Boot(context.Background()); err != nil {
		t.Fatalf("Boot() error = %v", err)
	}
	t.Cleanup(func() {
		checkDeadlineInvariant(t, h.sup)
		h.sup.Shutdown(context.Background()) //nolint:errcheck // Best effort in cleanup
		if h.spawner.sawOverlap() {
			t.Error("two user processes were alive at the same time")
		}
	})
	return h
}

// checkDeadlineInvariant fails the test if a deadline is pending outside
// Running.
func checkDeadlineInvariant(t *testing.T, s *Supervisor) {
	t.Helper()
	st := s.Status()
	if st.State != Running && st.Deadline != nil {
		t.Errorf("deadline pending at %v in state %v", *st.Deadline, st.State)
	}
}

func waitForState(t *testing.T, s *Supervisor, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v after %v, want %v", s.State(), timeout, want)
}

var errBoom = errors.New("boom")
