package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the starter.
const (
	measurementRoundEvents = "round_events"
	measurementRounds      = "rounds"
)

// RoundEvent is one supervisor event flattened for storage.
//
// Type, State and Mode become tags. Everything else is a field so that
// per-round identifiers do not blow up series cardinality.
type RoundEvent struct {
	Type       string
	State      string
	Previous   string
	RoundID    string
	Mode       string
	Zone       int
	PID        int
	Reason     string
	Forced     bool
	ExitStatus string
	Duration   time.Duration
	Error      string
	Time       time.Time
}

// RoundSummary describes a finished round.
type RoundSummary struct {
	RoundID string
	Mode    string
	Zone    int
	Arena   string
	Reason  string
	Length  time.Duration
	Ended   time.Time
}

// WriteRoundEvent records a supervisor event in the round_events measurement.
// The write is non-blocking; data is batched and sent asynchronously.
func (c *Client) WriteRoundEvent(ev RoundEvent) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(roundEventPoint(ev))
}

// WriteRoundSummary records one row per completed round in the rounds
// measurement.
func (c *Client) WriteRoundSummary(s RoundSummary) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(roundSummaryPoint(s))
}

func roundEventPoint(ev RoundEvent) *write.Point {
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	tags := map[string]string{
		"type":  ev.Type,
		"state": ev.State,
	}
	if ev.Mode != "" {
		tags["mode"] = ev.Mode
	}

	fields := map[string]interface{}{
		"forced": ev.Forced,
	}
	if ev.Previous != "" {
		fields["previous"] = ev.Previous
	}
	if ev.RoundID != "" {
		fields["round_id"] = ev.RoundID
	}
	if ev.Mode != "" {
		fields["zone"] = ev.Zone
	}
	if ev.PID > 0 {
		fields["pid"] = ev.PID
	}
	if ev.Reason != "" {
		fields["reason"] = ev.Reason
	}
	if ev.ExitStatus != "" {
		fields["exit_status"] = ev.ExitStatus
	}
	if ev.Duration > 0 {
		fields["duration_ms"] = ev.Duration.Milliseconds()
	}
	if ev.Error != "" {
		fields["error"] = ev.Error
	}

	return write.NewPoint(measurementRoundEvents, tags, fields, ts)
}

func roundSummaryPoint(s RoundSummary) *write.Point {
	ts := s.Ended
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(
		measurementRounds,
		map[string]string{
			"mode":  s.Mode,
			"arena": s.Arena,
		},
		map[string]interface{}{
			"round_id":  s.RoundID,
			"zone":      s.Zone,
			"reason":    s.Reason,
			"length_ms": s.Length.Milliseconds(),
		},
		ts,
	)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Example:
//
//	client.WritePoint("system_stats",
//	    map[string]string{"host": "robot-01"},
//	    map[string]interface{}{"cpu_percent": 45.2})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}
