package round

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// State is the round state of the supervisor.
type State int

const (
	// Ready means a fresh process is waiting for a start command.
	Ready State = iota

	// Running means the round is in progress.
	Running

	// PostRun means the round has ended. Only an upload leaves this state.
	PostRun
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case PostRun:
		return "post_run"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name as written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{Ready, Running, PostRun} {
		if string(text) == st.String() {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidState, text)
}

// Mode selects whether a round is timed.
type Mode string

const (
	// ModeDev rounds run until stopped.
	ModeDev Mode = "dev"

	// ModeComp rounds are ended automatically after the round length.
	ModeComp Mode = "comp"
)

// ParseMode parses "dev" or "comp" (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeDev:
		return ModeDev, nil
	case ModeComp:
		return ModeComp, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Config is the per-round configuration handed to the user process.
// It is created when a start is accepted and discarded at round end.
type Config struct {
	Mode  Mode   `json:"mode"`
	Zone  int    `json:"zone"`
	Arena string `json:"arena"`
}

// Payload returns the start record sent on the process's control input,
// e.g. {"mode":"comp","zone":1,"arena":"A"}.
func (c Config) Payload() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding start payload: %w", err)
	}
	return data, nil
}

// String formats the config for logs.
func (c Config) String() string {
	return string(c.Mode) + "/zone" + strconv.Itoa(c.Zone) + "/" + c.Arena
}
