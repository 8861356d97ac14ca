package round

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nerrad567/robot-starter/internal/process"
)

// Domain-specific errors for supervisor operations.
var (
	// ErrShutdown is returned once the supervisor has been shut down.
	ErrShutdown = errors.New("round: supervisor shut down")

	// ErrNoProcess is returned when no managed process exists.
	ErrNoProcess = errors.New("round: no managed process")

	// ErrInvalidState is returned when decoding an unknown state name.
	ErrInvalidState = errors.New("round: invalid state")

	// ErrInvalidMode is returned for a mode other than dev or comp.
	ErrInvalidMode = errors.New("round: invalid mode")

	// ErrInvalidZone is returned for a zone outside 0..Zones-1.
	ErrInvalidZone = errors.New("round: invalid zone")
)

// Default supervisor settings.
const (
	DefaultRoundLength      = 180 * time.Second
	DefaultSettleDelay      = 500 * time.Millisecond
	DefaultAbnormalExitCode = 1
	DefaultArena            = "A"
	DefaultZones            = 4
)

// Outcome is the result of a command, reported back on the command channel.
type Outcome string

// Command outcomes.
const (
	OutcomeStarted      Outcome = "started"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeNotStarted   Outcome = "not_started"
	OutcomeStopped      Outcome = "stopped"
	OutcomeStopFailed   Outcome = "stop_failed"
	OutcomeAlreadyRan   Outcome = "already_ran"
	OutcomeUploaded     Outcome = "uploaded"
	OutcomeUploadFailed Outcome = "upload_failed"
)

// Process is the managed user process as seen by the supervisor.
// *process.Handle implements it.
type Process interface {
	process.Target
	WriteControl(record []byte) error
	IsAlive() bool
}

// Spawner starts a fresh user process.
type Spawner interface {
	Spawn() (Process, error)
}

// Reaper terminates a process and collects it.
// *process.Reaper implements it.
type Reaper interface {
	Reap(t process.Target, reason string) (process.Result, error)
}

// Resetter prepares the robot hardware before a fresh round.
// It must be idempotent. Its error is logged, never acted on.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Logger defines the logging interface used by this package.
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

// Settings configures the supervisor.
type Settings struct {
	// RoundLength is the duration of a competition round.
	RoundLength time.Duration

	// SettleDelay is slept after the hardware reset at round end.
	SettleDelay time.Duration

	// AbnormalExitCode ends the round when the process exits with it.
	AbnormalExitCode int

	// Arena is sent to the user process in the start payload.
	Arena string

	// Zones is the number of starting zones; valid zones are 0..Zones-1.
	Zones int
}

// HandleSpawner spawns the user executable with process.Spawn.
type HandleSpawner struct {
	Config process.Config
}

// Spawn starts the configured executable.
func (h HandleSpawner) Spawn() (Process, error) {
	p, err := process.Spawn(h.Config)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Status is a read-only snapshot of the supervisor.
type Status struct {
	State     State      `json:"state"`
	RoundID   string     `json:"round_id,omitempty"`
	Round     *Config    `json:"round,omitempty"`
	PID       int        `json:"pid,omitempty"`
	Alive     bool       `json:"alive"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Deadline  *time.Time `json:"deadline,omitempty"`

	// Remaining is the time until the deadline fires, zero without one.
	Remaining time.Duration `json:"remaining_ns,omitempty"`
}

// Supervisor is the round state machine.
//
// Thread Safety:
//   - All exported methods are safe for concurrent use.
//   - Start and the round-ending operations (stop, deadline, crash, upload,
//     shutdown) are serialised; only the first to act on a process
//     generation reaps it.
type Supervisor struct {
	settings Settings
	spawner  Spawner
	reaper   Reaper
	resetter Resetter
	logger   Logger

	// opMu serialises Start and whole round-ending operations
	opMu sync.Mutex

	// mu guards the fields below and is never held across blocking waits
	mu        sync.Mutex
	state     State
	round     *Config
	roundID   string
	startedAt time.Time
	proc      Process
	deadline  *Deadline
	watchStop chan struct{}
	gen       uint64
	closed    bool

	listenersMu sync.RWMutex
	listeners   []Listener

	observers sync.WaitGroup
}

// NewSupervisor creates a supervisor in the Ready state with no process.
// Call Boot to reset the hardware and spawn the first process.
func NewSupervisor(settings Settings, spawner Spawner, reaper Reaper, resetter Resetter) *Supervisor {
	if settings.RoundLength <= 0 {
		settings.RoundLength = DefaultRoundLength
	}
	if settings.SettleDelay < 0 {
		settings.SettleDelay = 0
	}
	if settings.Arena == "" {
		settings.Arena = DefaultArena
	}
	if settings.Zones <= 0 {
		settings.Zones = DefaultZones
	}

	return &Supervisor{
		settings: settings,
		spawner:  spawner,
		reaper:   reaper,
		resetter: resetter,
		logger:   noopLogger{},
		state:    Ready,
	}
}

// SetLogger sets the logger for the supervisor.
func (s *Supervisor) SetLogger(logger Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Subscribe registers a listener for supervisor events.
func (s *Supervisor) Subscribe(l Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Boot resets the hardware and spawns the first user process.
//
// A spawn failure is fatal: the supervisor cannot operate without a process.
func (s *Supervisor) Boot(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.isClosed() {
		return ErrShutdown
	}

	s.hardwareReset(ctx, ReasonSpawn)
	return s.spawn()
}

// Start begins a round. It is only accepted from Ready with a live process;
// otherwise the request is logged and ignored.
//
// The start payload is written to the process's control input. A write
// failure is logged and does not undo the transition.
func (s *Supervisor) Start(_ context.Context, mode Mode, zone int) Outcome {
	if mode != ModeDev && mode != ModeComp {
		s.logger.Warn("ignoring start request", "error", fmt.Errorf("%w: %q", ErrInvalidMode, mode))
		return OutcomeIgnored
	}
	if zone < 0 || zone >= s.settings.Zones {
		s.logger.Warn("ignoring start request",
			"error", fmt.Errorf("%w: %d not in 0..%d", ErrInvalidZone, zone, s.settings.Zones-1))
		return OutcomeIgnored
	}

	// Waits out any reap in progress, so a round never starts on a process
	// that is being ended or replaced.
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed || s.state != Ready || s.proc == nil {
		state, hasProc := s.state, s.proc != nil
		s.mu.Unlock()
		s.logger.Info("ignoring start request", "state", state.String(), "has_process", hasProc)
		return OutcomeIgnored
	}

	cfg := Config{Mode: mode, Zone: zone, Arena: s.settings.Arena}
	proc, gen := s.proc, s.gen

	s.round = &cfg
	s.roundID = uuid.NewString()
	s.startedAt = time.Now()
	prev := s.state
	s.state = Running
	if mode == ModeComp {
		s.deadline = Arm(s.settings.RoundLength, func() {
			s.logger.Info("round deadline reached", "round_length", s.settings.RoundLength)
			s.endRound(context.Background(), gen, ReasonTimeout)
		})
	}
	ev := s.eventLocked(EventStateChanged, prev)
	s.mu.Unlock()

	payload, err := cfg.Payload()
	if err == nil {
		err = proc.WriteControl(payload)
	}
	if err != nil {
		s.logger.Warn("failed to send start payload", "pid", proc.PID(), "error", err)
	}

	if mode == ModeComp {
		s.logger.Info("started the robot", "round", cfg.String(), "round_id", ev.RoundID,
			"stops_in", s.settings.RoundLength)
	} else {
		s.logger.Info("started the robot", "round", cfg.String(), "round_id", ev.RoundID,
			"stops_in", "never")
	}
	s.emit(ev)

	return OutcomeStarted
}

// Stop ends a running round. From Ready it reports not_started and from
// PostRun already_ran, without changing state.
func (s *Supervisor) Stop(ctx context.Context) Outcome {
	s.mu.Lock()
	state, gen, closed := s.state, s.gen, s.closed
	s.mu.Unlock()

	if closed {
		return OutcomeIgnored
	}

	switch state {
	case Ready:
		s.logger.Info("the robot has not started, cannot stop it")
		return OutcomeNotStarted
	case PostRun:
		s.logger.Info("the robot already ran, cannot stop it")
		return OutcomeAlreadyRan
	}

	ended, err := s.endRound(ctx, gen, ReasonStopRequested)
	switch {
	case err != nil:
		return OutcomeStopFailed
	case !ended:
		// Deadline or crash ended the round first
		return OutcomeAlreadyRan
	}

	s.logger.Info("stopped the robot")
	return OutcomeStopped
}

// Upload replaces the user process from any state: it reaps the current
// process, resets the hardware, clears the round and spawns a fresh process.
func (s *Supervisor) Upload(ctx context.Context) Outcome {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return OutcomeUploadFailed
	}
	proc := s.proc
	s.cancelRoundLocked()
	s.gen++
	s.mu.Unlock()

	if proc != nil {
		if err := s.reap(proc, ReasonUpload); err != nil {
			return OutcomeUploadFailed
		}
	}

	s.hardwareReset(ctx, ReasonUpload)

	s.mu.Lock()
	prev := s.state
	s.state = Ready
	s.round = nil
	s.roundID = ""
	s.startedAt = time.Time{}
	s.proc = nil
	ev := s.eventLocked(EventStateChanged, prev)
	s.mu.Unlock()
	s.emit(ev)

	if err := s.spawn(); err != nil {
		return OutcomeUploadFailed
	}
	return OutcomeUploaded
}

// Shutdown reaps the managed process and stops accepting commands.
// Further calls return nil.
func (s *Supervisor) Shutdown(_ context.Context) error {
	s.opMu.Lock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.opMu.Unlock()
		return nil
	}
	s.closed = true
	proc := s.proc
	s.cancelRoundLocked()
	s.gen++
	s.mu.Unlock()

	var err error
	if proc != nil {
		err = s.reap(proc, ReasonShutdown)
		if err == nil {
			s.mu.Lock()
			s.proc = nil
			s.mu.Unlock()
		}
	}
	s.opMu.Unlock()

	// Observers see closed and return without taking opMu again
	s.observers.Wait()
	return err
}

// Status returns a snapshot of the supervisor.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:   s.state,
		RoundID: s.roundID,
	}
	if s.round != nil {
		cfg := *s.round
		st.Round = &cfg
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		st.StartedAt = &t
	}
	if s.proc != nil {
		st.PID = s.proc.PID()
		st.Alive = s.proc.IsAlive()
	}
	if s.deadline != nil && s.deadline.Pending() {
		at := s.deadline.At()
		st.Deadline = &at
		st.Remaining = s.deadline.Remaining()
	}
	return st
}

// State returns the current round state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// endRound reaps the process of generation gen, resets the hardware, waits
// the settle delay and enters PostRun.
//
// Returns false without acting if the supervisor is closed, the generation
// is stale or the round already ended. An error means the process could not
// be reaped and may still be running; state is left unchanged.
func (s *Supervisor) endRound(ctx context.Context, gen uint64, reason string) (bool, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed || gen != s.gen || s.state == PostRun || s.proc == nil {
		s.mu.Unlock()
		return false, nil
	}
	proc := s.proc
	s.cancelRoundLocked()
	s.mu.Unlock()

	if err := s.reap(proc, reason); err != nil {
		return false, err
	}

	s.hardwareReset(ctx, reason)
	if s.settings.SettleDelay > 0 {
		time.Sleep(s.settings.SettleDelay)
	}

	s.mu.Lock()
	prev := s.state
	s.state = PostRun
	s.proc = nil
	ev := s.eventLocked(EventStateChanged, prev)
	ev.Reason = reason
	s.mu.Unlock()

	s.emit(ev)
	return true, nil
}

// cancelRoundLocked cancels the deadline and the current exit observer.
// Caller must hold s.mu.
func (s *Supervisor) cancelRoundLocked() {
	if s.deadline != nil {
		if s.deadline.Cancel() {
			s.logger.Debug("round deadline cancelled")
		}
		s.deadline = nil
	}
	if s.watchStop != nil {
		close(s.watchStop)
		s.watchStop = nil
	}
}

// spawn starts a new process generation and its exit observer.
// Caller must hold s.opMu.
func (s *Supervisor) spawn() error {
	p, err := s.spawner.Spawn()
	if err != nil {
		err = fmt.Errorf("spawning user code: %w", err)
		s.logger.Error("failed to spawn user code", "error", err)
		s.emitFatal(ReasonSpawn, err)
		return err
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.proc = p
	stop := make(chan struct{})
	s.watchStop = stop
	ev := s.eventLocked(EventProcessSpawned, s.state)
	s.mu.Unlock()

	s.observers.Add(1)
	go s.observe(gen, p, stop)

	s.logger.Info("spawned user code", "pid", p.PID())
	s.emit(ev)
	return nil
}

// observe waits for p to exit. The designated abnormal exit code ends the
// round; any other exit is only logged.
func (s *Supervisor) observe(gen uint64, p Process, stop <-chan struct{}) {
	defer s.observers.Done()

	select {
	case <-stop:
		return
	case <-p.Done():
	}

	status := p.Wait()

	s.mu.Lock()
	current, state := gen == s.gen && !s.closed, s.state
	s.mu.Unlock()
	if !current {
		return
	}

	if !status.Signaled && status.Code == s.settings.AbnormalExitCode {
		s.logger.Warn("user code exited abnormally", "pid", p.PID(), "status", status.String(),
			"state", state.String())
		s.endRound(context.Background(), gen, ReasonCrashed) //nolint:errcheck // Failure is reported as a fatal event
		return
	}

	s.logger.Info("user code exited", "pid", p.PID(), "status", status.String(), "state", state.String())
}

// reap runs the reaper and reports the result as an event.
func (s *Supervisor) reap(p Process, reason string) error {
	res, err := s.reaper.Reap(p, reason)
	if err != nil {
		err = fmt.Errorf("reaping user code: %w", err)
		s.logger.Error("user code could not be reaped", "pid", p.PID(), "reason", reason, "error", err)
		s.emitFatal(reason, err)
		return err
	}

	s.mu.Lock()
	ev := s.eventLocked(EventProcessReaped, s.state)
	s.mu.Unlock()
	ev.PID = res.PID
	ev.Reason = reason
	ev.Forced = res.Forced
	ev.ExitStatus = res.Status.String()
	ev.Duration = res.Duration

	s.emit(ev)
	return nil
}

func (s *Supervisor) hardwareReset(ctx context.Context, reason string) {
	if s.resetter == nil {
		return
	}
	// A reset in progress always runs to completion
	if err := s.resetter.Reset(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("hardware reset failed", "reason", reason, "error", err)
	}
}

func (s *Supervisor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// eventLocked builds an event from the current state. Caller must hold s.mu.
func (s *Supervisor) eventLocked(t EventType, prev State) Event {
	ev := Event{
		Type:     t,
		Time:     time.Now(),
		State:    s.state,
		Previous: prev,
		RoundID:  s.roundID,
	}
	if s.round != nil {
		cfg := *s.round
		ev.Round = &cfg
	}
	if s.proc != nil {
		ev.PID = s.proc.PID()
	}
	return ev
}

func (s *Supervisor) emitFatal(reason string, err error) {
	s.mu.Lock()
	ev := s.eventLocked(EventFatal, s.state)
	s.mu.Unlock()
	ev.Reason = reason
	ev.Error = err.Error()
	s.emit(ev)
}

// emit delivers ev to all listeners. Never called with s.mu held.
func (s *Supervisor) emit(ev Event) {
	s.listenersMu.RLock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenersMu.RUnlock()

	for _, l := range listeners {
		l(ev)
	}
}
