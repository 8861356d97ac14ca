package round

import "time"

// EventType identifies what happened in the supervisor.
type EventType string

// Event types emitted to listeners.
const (
	EventStateChanged   EventType = "state_changed"
	EventProcessSpawned EventType = "process_spawned"
	EventProcessReaped  EventType = "process_reaped"
	EventFatal          EventType = "fatal"
)

// Reasons passed to the reaper and carried on events.
const (
	ReasonStopRequested = "stop requested"
	ReasonTimeout       = "round timeout"
	ReasonCrashed       = "user code crashed"
	ReasonUpload        = "new code upload"
	ReasonShutdown      = "supervisor shutdown"
	ReasonSpawn         = "spawn user code"
)

// Event describes one supervisor occurrence.
type Event struct {
	Type     EventType `json:"type"`
	Time     time.Time `json:"time"`
	State    State     `json:"state"`
	Previous State     `json:"previous"`
	RoundID  string    `json:"round_id,omitempty"`
	Round    *Config   `json:"round,omitempty"`
	PID      int       `json:"pid,omitempty"`
	Reason   string    `json:"reason,omitempty"`

	// Set on process_reaped events.
	Forced     bool          `json:"forced,omitempty"`
	ExitStatus string        `json:"exit_status,omitempty"`
	Duration   time.Duration `json:"duration_ns,omitempty"`

	// Set on fatal events.
	Error string `json:"error,omitempty"`
}

// Listener receives supervisor events. Listeners are called synchronously
// from the goroutine that caused the event and must not block for long.
type Listener func(Event)
