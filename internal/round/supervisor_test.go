package round

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/nerrad567/robot-starter/internal/process"
)

var ctx = context.Background()

// ============================================================================
// Boot
// ============================================================================

func TestBoot_ResetsAndSpawns(t *testing.T) {
	h := newHarness(t, testSettings())

	st := h.sup.Status()
	if st.State != Ready {
		t.Errorf("State = %v, want %v", st.State, Ready)
	}
	if st.PID != 1000 || !st.Alive {
		t.Errorf("PID = %d, Alive = %v, want 1000, true", st.PID, st.Alive)
	}
	if h.resetter.count() != 1 {
		t.Errorf("resets = %d, want 1", h.resetter.count())
	}
	if got := len(h.events.ofType(EventProcessSpawned)); got != 1 {
		t.Errorf("spawn events = %d, want 1", got)
	}
}

func TestBoot_SpawnFailure(t *testing.T) {
	spawner := &fakeSpawner{err: errBoom}
	sup := NewSupervisor(testSettings(), spawner, process.NewReaper(time.Second, ""), &fakeResetter{})
	rec := &eventRecorder{}
	sup.Subscribe(rec.record)

	err := sup.Boot(ctx)
	if !errors.Is(err, errBoom) {
		t.Fatalf("Boot() error = %v, want wrapped errBoom", err)
	}
	if got := len(rec.ofType(EventFatal)); got != 1 {
		t.Errorf("fatal events = %d, want 1", got)
	}
	if out := sup.Start(ctx, ModeDev, 0); out != OutcomeIgnored {
		t.Errorf("Start() without process = %v, want %v", out, OutcomeIgnored)
	}
}

func TestNewSupervisor_Defaults(t *testing.T) {
	sup := NewSupervisor(Settings{}, &fakeSpawner{}, nil, nil)

	if sup.settings.RoundLength != DefaultRoundLength {
		t.Errorf("RoundLength = %v, want %v", sup.settings.RoundLength, DefaultRoundLength)
	}
	if sup.settings.Arena != DefaultArena {
		t.Errorf("Arena = %q, want %q", sup.settings.Arena, DefaultArena)
	}
	if sup.settings.Zones != DefaultZones {
		t.Errorf("Zones = %d, want %d", sup.settings.Zones, DefaultZones)
	}
}

// ============================================================================
// Start
// ============================================================================

func TestStart_SendsPayloadAndRuns(t *testing.T) {
	h := newHarness(t, testSettings())

	if out := h.sup.Start(ctx, ModeComp, 1); out != OutcomeStarted {
		t.Fatalf("Start() = %v, want %v", out, OutcomeStarted)
	}

	st := h.sup.Status()
	if st.State != Running {
		t.Errorf("State = %v, want %v", st.State, Running)
	}
	if st.RoundID == "" {
		t.Error("RoundID is empty")
	}
	if st.Round == nil || st.Round.Zone != 1 || st.Round.Mode != ModeComp {
		t.Errorf("Round = %+v, want comp zone 1", st.Round)
	}
	if st.Deadline == nil {
		t.Error("Deadline = nil, want armed for comp mode")
	}

	p := h.spawner.last()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.control) != 1 {
		t.Fatalf("control writes = %d, want 1", len(p.control))
	}
	if got, want := string(p.control[0]), `{"mode":"comp","zone":1,"arena":"A"}`; got != want {
		t.Errorf("payload = %s, want %s", got, want)
	}
}

func TestStart_OnlyFromReady(t *testing.T) {
	h := newHarness(t, testSettings())

	h.sup.Start(ctx, ModeDev, 0)
	if out := h.sup.Start(ctx, ModeComp, 2); out != OutcomeIgnored {
		t.Errorf("Start() while running = %v, want %v", out, OutcomeIgnored)
	}
	if st := h.sup.Status(); st.Round.Mode != ModeDev {
		t.Errorf("Round.Mode = %v, want first round kept", st.Round.Mode)
	}

	h.sup.Stop(ctx)
	if out := h.sup.Start(ctx, ModeDev, 0); out != OutcomeIgnored {
		t.Errorf("Start() in post_run = %v, want %v", out, OutcomeIgnored)
	}
	if h.sup.State() != PostRun {
		t.Errorf("State = %v, want %v", h.sup.State(), PostRun)
	}
}

func TestStart_InvalidParams(t *testing.T) {
	tests := []struct {
		name string
		mode Mode
		zone int
	}{
		{name: "negative zone", mode: ModeComp, zone: -1},
		{name: "zone too large", mode: ModeComp, zone: 4},
		{name: "unknown mode", mode: Mode("practice"), zone: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testSettings())
			if out := h.sup.Start(ctx, tt.mode, tt.zone); out != OutcomeIgnored {
				t.Errorf("Start() = %v, want %v", out, OutcomeIgnored)
			}
			if h.sup.State() != Ready {
				t.Errorf("State = %v, want %v", h.sup.State(), Ready)
			}
		})
	}
}

func TestStart_PayloadFailureStillRuns(t *testing.T) {
	h := newHarness(t, testSettings())
	p := h.spawner.last()
	p.mu.Lock()
	p.writeErr = syscall.EPIPE
	p.mu.Unlock()

	if out := h.sup.Start(ctx, ModeDev, 0); out != OutcomeStarted {
		t.Errorf("Start() = %v, want %v", out, OutcomeStarted)
	}
	if h.sup.State() != Running {
		t.Errorf("State = %v, want %v", h.sup.State(), Running)
	}
}

func TestStart_DevModeHasNoDeadline(t *testing.T) {
	h := newHarness(t, testSettings())

	h.sup.Start(ctx, ModeDev, 2)
	if st := h.sup.Status(); st.Deadline != nil {
		t.Errorf("Deadline = %v, want nil in dev mode", st.Deadline)
	}
}

// ============================================================================
// Stop
// ============================================================================

func TestStop_Outcomes(t *testing.T) {
	h := newHarness(t, testSettings())

	if out := h.sup.Stop(ctx); out != OutcomeNotStarted {
		t.Errorf("Stop() in ready = %v, want %v", out, OutcomeNotStarted)
	}

	h.sup.Start(ctx, ModeDev, 2)
	if out := h.sup.Stop(ctx); out != OutcomeStopped {
		t.Errorf("Stop() while running = %v, want %v", out, OutcomeStopped)
	}
	if out := h.sup.Stop(ctx); out != OutcomeAlreadyRan {
		t.Errorf("Stop() in post_run = %v, want %v", out, OutcomeAlreadyRan)
	}
}

func TestStop_ReapsBeforePostRun(t *testing.T) {
	h := newHarness(t, testSettings())
	p := h.spawner.last()

	h.sup.Start(ctx, ModeDev, 2)
	time.Sleep(10 * time.Millisecond)
	h.sup.Stop(ctx)

	if p.IsAlive() {
		t.Error("process alive after stop")
	}
	st := h.sup.Status()
	if st.State != PostRun {
		t.Errorf("State = %v, want %v", st.State, PostRun)
	}
	if st.PID != 0 {
		t.Errorf("PID = %d, want 0 after reap", st.PID)
	}
	if h.resetter.count() != 2 {
		t.Errorf("resets = %d, want 2 (boot and round end)", h.resetter.count())
	}
	reaps := h.events.ofType(EventProcessReaped)
	if len(reaps) != 1 || reaps[0].Reason != ReasonStopRequested {
		t.Errorf("reap events = %+v, want one with reason %q", reaps, ReasonStopRequested)
	}
	if _, kills := p.counts(); kills != 0 {
		t.Errorf("kills = %d, want 0 for a process that honours SIGTERM", kills)
	}
}

func TestStop_EscalatesToKill(t *testing.T) {
	h := newHarness(t, testSettings())
	p := h.spawner.last()
	p.mu.Lock()
	p.ignoreTerm = true
	p.mu.Unlock()

	h.sup.Start(ctx, ModeComp, 0)
	if out := h.sup.Stop(ctx); out != OutcomeStopped {
		t.Fatalf("Stop() = %v, want %v", out, OutcomeStopped)
	}

	if _, kills := p.counts(); kills != 1 {
		t.Errorf("kills = %d, want exactly 1", kills)
	}
	reaps := h.events.ofType(EventProcessReaped)
	if len(reaps) != 1 || !reaps[0].Forced {
		t.Errorf("reap events = %+v, want one forced reap", reaps)
	}
}

func TestStop_KillFailureIsFatal(t *testing.T) {
	h := newHarness(t, testSettings())
	p := h.spawner.last()
	p.mu.Lock()
	p.ignoreTerm = true
	p.killErr = syscall.EPERM
	p.mu.Unlock()

	h.sup.Start(ctx, ModeDev, 0)
	if out := h.sup.Stop(ctx); out != OutcomeStopFailed {
		t.Errorf("Stop() = %v, want %v", out, OutcomeStopFailed)
	}

	fatal := h.events.ofType(EventFatal)
	if len(fatal) != 1 {
		t.Fatalf("fatal events = %d, want 1", len(fatal))
	}
	if fatal[0].Error == "" {
		t.Error("fatal event has no error text")
	}
	if h.sup.State() != Running {
		t.Errorf("State = %v, want state unchanged", h.sup.State())
	}

	// Let cleanup reap it
	p.mu.Lock()
	p.killErr = nil
	p.mu.Unlock()
}

// ============================================================================
// Deadline and exit observer
// ============================================================================

func TestCompRound_DeadlineEndsRound(t *testing.T) {
	settings := testSettings()
	settings.RoundLength = 50 * time.Millisecond
	h := newHarness(t, settings)

	h.sup.Start(ctx, ModeComp, 3)
	waitForState(t, h.sup, PostRun, 2*time.Second)

	changes := h.events.ofType(EventStateChanged)
	last := changes[len(changes)-1]
	if last.Reason != ReasonTimeout {
		t.Errorf("reason = %q, want %q", last.Reason, ReasonTimeout)
	}
	if h.spawner.last().IsAlive() {
		t.Error("process alive after deadline")
	}
}

func TestDevRound_NoAutomaticTimeout(t *testing.T) {
	settings := testSettings()
	settings.RoundLength = 20 * time.Millisecond
	h := newHarness(t, settings)

	h.sup.Start(ctx, ModeDev, 2)
	time.Sleep(100 * time.Millisecond)
	if h.sup.State() != Running {
		t.Fatalf("State = %v, want %v with no deadline", h.sup.State(), Running)
	}

	h.sup.Stop(ctx)
	for _, ev := range h.events.ofType(EventStateChanged) {
		if ev.Reason == ReasonTimeout {
			t.Error("dev round ended by timeout")
		}
	}
}

func TestCrash_EndsRoundBeforeDeadline(t *testing.T) {
	settings := testSettings()
	settings.RoundLength = 300 * time.Millisecond
	h := newHarness(t, settings)

	h.sup.Start(ctx, ModeComp, 1)
	h.spawner.last().exit(1)
	waitForState(t, h.sup, PostRun, 2*time.Second)

	// Outlive the original deadline to prove it never fires
	time.Sleep(400 * time.Millisecond)

	changes := h.events.ofType(EventStateChanged)
	var reasons []string
	for _, ev := range changes {
		if ev.State == PostRun {
			reasons = append(reasons, ev.Reason)
		}
	}
	if len(reasons) != 1 || reasons[0] != ReasonCrashed {
		t.Errorf("round end reasons = %v, want [%q]", reasons, ReasonCrashed)
	}
	if got := len(h.events.ofType(EventProcessReaped)); got != 1 {
		t.Errorf("reap events = %d, want 1", got)
	}
}

func TestCrash_InReadyEndsRound(t *testing.T) {
	h := newHarness(t, testSettings())

	h.spawner.last().exit(1)
	waitForState(t, h.sup, PostRun, 2*time.Second)
}

func TestStart_WaitsForCrashReap(t *testing.T) {
	settings := testSettings()
	settings.SettleDelay = 300 * time.Millisecond
	h := newHarness(t, settings)

	crashed := h.spawner.last()
	crashed.exit(1)
	time.Sleep(50 * time.Millisecond)

	// The observer is inside the settle delay; Start must not slip in.
	if out := h.sup.Start(ctx, ModeComp, 1); out != OutcomeIgnored {
		t.Errorf("Start() during crash reap = %v, want %v", out, OutcomeIgnored)
	}

	st := h.sup.Status()
	if st.State != PostRun {
		t.Errorf("State = %v, want %v", st.State, PostRun)
	}
	if st.Deadline != nil {
		t.Errorf("deadline pending in %v", st.State)
	}
	if st.Round != nil {
		t.Errorf("Round = %v, want none", st.Round)
	}
	if got := crashed.payloads(); len(got) != 0 {
		t.Errorf("start payload written to a reaped process: %q", got)
	}
}

func TestStart_WaitsForUpload(t *testing.T) {
	settings := testSettings()
	settings.SettleDelay = 0
	h := newHarness(t, settings)

	h.spawner.configure = func(p *fakeProc) { p.ignoreTerm = true }
	// Replace the booted process with one that needs the grace period.
	h.sup.Upload(ctx)
	old := h.spawner.last()

	uploaded := make(chan Outcome, 1)
	go func() { uploaded <- h.sup.Upload(ctx) }()
	time.Sleep(10 * time.Millisecond)

	out := h.sup.Start(ctx, ModeComp, 2)
	if got := <-uploaded; got != OutcomeUploaded {
		t.Fatalf("Upload() = %v, want %v", got, OutcomeUploaded)
	}
	if out != OutcomeStarted {
		t.Fatalf("Start() after upload = %v, want %v", out, OutcomeStarted)
	}

	cur := h.spawner.last()
	if cur == old || !cur.IsAlive() {
		t.Fatal("round started on the replaced process")
	}
	if got := cur.payloads(); len(got) != 1 {
		t.Errorf("payloads on new process = %d, want 1", len(got))
	}
	if st := h.sup.Status(); st.State != Running || !st.Alive || st.Deadline == nil {
		t.Errorf("status = %+v, want running with a live process and a deadline", st)
	}
}

func TestCleanExit_DoesNotEndRound(t *testing.T) {
	h := newHarness(t, testSettings())

	h.sup.Start(ctx, ModeDev, 0)
	h.spawner.last().exit(0)
	time.Sleep(50 * time.Millisecond)

	if h.sup.State() != Running {
		t.Errorf("State = %v, want %v after a clean exit", h.sup.State(), Running)
	}
	if out := h.sup.Stop(ctx); out != OutcomeStopped {
		t.Errorf("Stop() = %v, want %v", out, OutcomeStopped)
	}
}

func TestStop_RacesDeadline(t *testing.T) {
	for i := 0; i < 20; i++ {
		settings := testSettings()
		settings.RoundLength = 5 * time.Millisecond
		h := newHarness(t, settings)

		h.sup.Start(ctx, ModeComp, 0)
		time.Sleep(4 * time.Millisecond)

		out := h.sup.Stop(ctx)
		if out != OutcomeStopped && out != OutcomeAlreadyRan {
			t.Fatalf("Stop() = %v, want stopped or already_ran", out)
		}
		waitForState(t, h.sup, PostRun, 2*time.Second)

		if got := len(h.events.ofType(EventProcessReaped)); got != 1 {
			t.Fatalf("iteration %d: reap events = %d, want exactly 1", i, got)
		}
	}
}

// ============================================================================
// Upload
// ============================================================================

func TestUpload_FromEveryState(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*harness)
	}{
		{name: "ready", setup: func(*harness) {}},
		{name: "running", setup: func(h *harness) { h.sup.Start(ctx, ModeComp, 1) }},
		{name: "post_run", setup: func(h *harness) {
			h.sup.Start(ctx, ModeDev, 1)
			h.sup.Stop(ctx)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testSettings())
			tt.setup(h)
			old := h.spawner.last()

			if out := h.sup.Upload(ctx); out != OutcomeUploaded {
				t.Fatalf("Upload() = %v, want %v", out, OutcomeUploaded)
			}

			st := h.sup.Status()
			if st.State != Ready {
				t.Errorf("State = %v, want %v", st.State, Ready)
			}
			if st.Round != nil || st.RoundID != "" || st.Deadline != nil {
				t.Errorf("round fields not cleared: %+v", st)
			}
			if old.IsAlive() {
				t.Error("old process alive after upload")
			}
			if h.spawner.count() != 2 {
				t.Errorf("spawns = %d, want 2", h.spawner.count())
			}
			if !st.Alive || st.PID != h.spawner.last().PID() {
				t.Errorf("PID = %d, Alive = %v, want new live process", st.PID, st.Alive)
			}
		})
	}
}

func TestUpload_OldObserverIgnored(t *testing.T) {
	h := newHarness(t, testSettings())
	h.sup.Start(ctx, ModeComp, 1)
	h.sup.Upload(ctx)

	// The reaped process exited by SIGTERM; its observer must not end the new round
	h.sup.Start(ctx, ModeDev, 0)
	time.Sleep(30 * time.Millisecond)
	if h.sup.State() != Running {
		t.Errorf("State = %v, want %v", h.sup.State(), Running)
	}
}

func TestUpload_SpawnFailure(t *testing.T) {
	h := newHarness(t, testSettings())
	h.spawner.fail(errBoom)

	if out := h.sup.Upload(ctx); out != OutcomeUploadFailed {
		t.Errorf("Upload() = %v, want %v", out, OutcomeUploadFailed)
	}
	if got := len(h.events.ofType(EventFatal)); got != 1 {
		t.Errorf("fatal events = %d, want 1", got)
	}
	if out := h.sup.Start(ctx, ModeDev, 0); out != OutcomeIgnored {
		t.Errorf("Start() without process = %v, want %v", out, OutcomeIgnored)
	}
}

func TestUpload_ResetFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, testSettings())
	h.resetter.mu.Lock()
	h.resetter.err = errBoom
	h.resetter.mu.Unlock()

	if out := h.sup.Upload(ctx); out != OutcomeUploaded {
		t.Errorf("Upload() = %v, want %v", out, OutcomeUploaded)
	}
}

// ============================================================================
// Concurrency and shutdown
// ============================================================================

func TestConcurrentCommands_SingleLiveProcess(t *testing.T) {
	settings := testSettings()
	settings.RoundLength = 3 * time.Millisecond
	h := newHarness(t, settings)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				switch (i + j) % 3 {
				case 0:
					h.sup.Start(ctx, ModeComp, j%4)
				case 1:
					h.sup.Stop(ctx)
				case 2:
					h.sup.Upload(ctx)
				}
			}
		}(i)
	}
	wg.Wait()

	checkDeadlineInvariant(t, h.sup)
	if h.spawner.sawOverlap() {
		t.Error("two user processes were alive at the same time")
	}
}

func TestShutdown_ReapsAndRejects(t *testing.T) {
	h := newHarness(t, testSettings())
	p := h.spawner.last()
	h.sup.Start(ctx, ModeDev, 0)

	if err := h.sup.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if p.IsAlive() {
		t.Error("process alive after shutdown")
	}
	reaps := h.events.ofType(EventProcessReaped)
	if len(reaps) != 1 || reaps[0].Reason != ReasonShutdown {
		t.Errorf("reap events = %+v, want one with reason %q", reaps, ReasonShutdown)
	}

	if out := h.sup.Upload(ctx); out != OutcomeUploadFailed {
		t.Errorf("Upload() after shutdown = %v, want %v", out, OutcomeUploadFailed)
	}
	if err := h.sup.Boot(ctx); !errors.Is(err, ErrShutdown) {
		t.Errorf("Boot() after shutdown error = %v, want ErrShutdown", err)
	}
	if err := h.sup.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error = %v, want nil", err)
	}
}
