package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/robot-starter/internal/round"
)

// Domain-specific errors for command decoding and dispatch.
var (
	// ErrInvalidMessage is returned when a record is not a valid request.
	ErrInvalidMessage = errors.New("command: invalid message")

	// ErrUnknownRequest is returned for a request name other than
	// start, stop or upload.
	ErrUnknownRequest = errors.New("command: unknown request")

	// ErrInvalidParams is returned when start parameters are unusable.
	ErrInvalidParams = errors.New("command: invalid params")

	// ErrChannelClosed is returned by Receive once a channel is closed.
	ErrChannelClosed = errors.New("command: channel closed")

	// ErrDispatcherStopped is returned by Submit when the control loop is
	// not running.
	ErrDispatcherStopped = errors.New("command: dispatcher stopped")
)

// Outcomes that never reach the supervisor.
const (
	OutcomeUnknown round.Outcome = "unknown"
	OutcomeInvalid round.Outcome = "invalid"
)

// Kind is the request name.
type Kind string

// Request kinds.
const (
	KindStart  Kind = "start"
	KindStop   Kind = "stop"
	KindUpload Kind = "upload"
)

// Message is the wire record.
type Message struct {
	Request string          `json:"request"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Command is a decoded request.
type Command struct {
	Kind Kind

	// Mode and Zone are set for start commands.
	Mode round.Mode
	Zone int
}

// Start returns a start command.
func Start(mode round.Mode, zone int) Command {
	return Command{Kind: KindStart, Mode: mode, Zone: zone}
}

// Encode returns the wire form of c.
func (c Command) Encode() ([]byte, error) {
	msg := Message{Request: string(c.Kind), Params: json.RawMessage(`{}`)}
	if c.Kind == KindStart {
		params, err := json.Marshal(startParams{Mode: string(c.Mode), Zone: zoneValue(c.Zone)})
		if err != nil {
			return nil, fmt.Errorf("encoding start params: %w", err)
		}
		msg.Params = params
	}
	return json.Marshal(msg)
}

type startParams struct {
	Mode string    `json:"mode"`
	Zone zoneValue `json:"zone"`
}

// zoneValue accepts a JSON number or a numeric string.
type zoneValue int

func (z *zoneValue) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*z = zoneValue(n)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("zone must be a number: %s", data)
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("zone must be a number: %q", s)
	}
	*z = zoneValue(n)
	return nil
}

// Decode parses one wire record.
//
// It returns an error wrapping ErrInvalidMessage for undecodable input,
// ErrUnknownRequest for an unrecognised request name and ErrInvalidParams for
// a start with a bad mode or zone. The returned Message is populated whenever
// the envelope itself decoded.
func Decode(data []byte) (Command, Message, error) {
	var msg Message
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Command{}, msg, fmt.Errorf("%w: empty record", ErrInvalidMessage)
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return Command{}, msg, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	switch Kind(msg.Request) {
	case KindStop:
		return Command{Kind: KindStop}, msg, nil
	case KindUpload:
		return Command{Kind: KindUpload}, msg, nil
	case KindStart:
		cmd, err := decodeStart(msg.Params)
		return cmd, msg, err
	default:
		return Command{}, msg, fmt.Errorf("%w: %q", ErrUnknownRequest, msg.Request)
	}
}

func decodeStart(raw json.RawMessage) (Command, error) {
	cmd := Command{Kind: KindStart}
	if len(raw) == 0 {
		return cmd, fmt.Errorf("%w: start requires mode and zone", ErrInvalidParams)
	}

	var p struct {
		Mode string     `json:"mode"`
		Zone *zoneValue `json:"zone"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return cmd, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}

	mode, err := round.ParseMode(p.Mode)
	if err != nil {
		return cmd, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	if p.Zone == nil {
		return cmd, fmt.Errorf("%w: zone is required", ErrInvalidParams)
	}

	cmd.Mode = mode
	cmd.Zone = int(*p.Zone)
	return cmd, nil
}

// Ack reports how a command was handled.
type Ack struct {
	Request string        `json:"request"`
	Outcome round.Outcome `json:"outcome"`
	State   round.State   `json:"state"`
	RoundID string        `json:"round_id,omitempty"`
	Source  string        `json:"source,omitempty"`
	Detail  string        `json:"detail,omitempty"`
	Time    time.Time     `json:"time"`
}
