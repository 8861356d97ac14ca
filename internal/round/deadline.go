package round

import (
	"sync"
	"time"
)

// Deadline is a cancellable one-shot delayed callback.
//
// The callback runs at most once. A Cancel that returns true guarantees the
// callback has not started and never will. Cancel after firing is a no-op.
type Deadline struct {
	mu        sync.Mutex
	timer     *time.Timer
	at        time.Time
	fired     bool
	cancelled bool
}

// Arm schedules fn to run once after d unless the Deadline is cancelled first.
func Arm(d time.Duration, fn func()) *Deadline {
	dl := &Deadline{at: time.Now().Add(d)}

	// Held until timer is assigned so a zero duration cannot race Cancel
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.timer = time.AfterFunc(d, func() {
		dl.mu.Lock()
		if dl.cancelled || dl.fired {
			dl.mu.Unlock()
			return
		}
		dl.fired = true
		dl.mu.Unlock()

		fn()
	})

	return dl
}

// Cancel prevents the callback from running. It returns true if this call
// cancelled a pending Deadline, false if it had already fired or been
// cancelled. Safe to call on a nil Deadline and from any goroutine.
func (d *Deadline) Cancel() bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fired || d.cancelled {
		return false
	}
	d.cancelled = true
	d.timer.Stop()
	return true
}

// At returns the scheduled fire time.
func (d *Deadline) At() time.Time {
	return d.at
}

// Pending reports whether the Deadline has neither fired nor been cancelled.
func (d *Deadline) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.fired && !d.cancelled
}

// Fired reports whether the callback has been started.
func (d *Deadline) Fired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fired
}

// Remaining returns the time left before firing, or zero once the Deadline
// is no longer pending.
func (d *Deadline) Remaining() time.Duration {
	if !d.Pending() {
		return 0
	}
	if r := time.Until(d.at); r > 0 {
		return r
	}
	return 0
}
