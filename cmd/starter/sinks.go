package main

import (
	"sync"
	"time"

	"github.com/nerrad567/robot-starter/internal/infrastructure/influxdb"
	"github.com/nerrad567/robot-starter/internal/infrastructure/logging"
	"github.com/nerrad567/robot-starter/internal/infrastructure/mqtt"
	"github.com/nerrad567/robot-starter/internal/round"
)

// jsonPublisher is the part of the MQTT client used for events.
type jsonPublisher interface {
	PublishJSON(topic string, v any, retained bool) error
}

// statusSource reports the current supervisor snapshot.
type statusSource interface {
	Status() round.Status
}

// eventPublisher mirrors supervisor events onto MQTT: every event on
// <prefix>/event/<type>, and the status snapshot retained on <prefix>/state
// so that late subscribers see where the robot is.
type eventPublisher struct {
	client jsonPublisher
	topics mqtt.Topics
	status statusSource
	log    *logging.Logger
}

func newEventPublisher(client jsonPublisher, topics mqtt.Topics, status statusSource, log *logging.Logger) *eventPublisher {
	return &eventPublisher{client: client, topics: topics, status: status, log: log}
}

// Publish has the round.Listener signature.
func (p *eventPublisher) Publish(ev round.Event) {
	if err := p.client.PublishJSON(p.topics.Event(string(ev.Type)), ev, false); err != nil {
		p.log.Warn("failed to publish event", "type", ev.Type, "error", err)
	}
	if err := p.client.PublishJSON(p.topics.State(), p.status.Status(), true); err != nil {
		p.log.Warn("failed to publish state", "error", err)
	}
}

// roundWriter is the part of the InfluxDB client used for telemetry.
type roundWriter interface {
	WriteRoundEvent(ev influxdb.RoundEvent)
	WriteRoundSummary(s influxdb.RoundSummary)
}

// telemetryRecorder writes every event to round_events and one summary row
// per round that ran to PostRun.
type telemetryRecorder struct {
	w roundWriter

	mu      sync.Mutex
	started map[string]time.Time
}

func newTelemetryRecorder(w roundWriter) *telemetryRecorder {
	return &telemetryRecorder{w: w, started: make(map[string]time.Time)}
}

// Record has the round.Listener signature.
func (r *telemetryRecorder) Record(ev round.Event) {
	r.w.WriteRoundEvent(toRoundEvent(ev))

	if ev.Type != round.EventStateChanged || ev.RoundID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case ev.State == round.Running:
		r.started[ev.RoundID] = ev.Time
	case ev.State == round.PostRun && ev.Previous == round.Running:
		startedAt, ok := r.started[ev.RoundID]
		delete(r.started, ev.RoundID)

		s := influxdb.RoundSummary{
			RoundID: ev.RoundID,
			Reason:  ev.Reason,
			Ended:   ev.Time,
		}
		if ok {
			s.Length = ev.Time.Sub(startedAt)
		}
		if ev.Round != nil {
			s.Mode = string(ev.Round.Mode)
			s.Zone = ev.Round.Zone
			s.Arena = ev.Round.Arena
		}
		r.w.WriteRoundSummary(s)
	}
}

func toRoundEvent(ev round.Event) influxdb.RoundEvent {
	out := influxdb.RoundEvent{
		Type:       string(ev.Type),
		State:      ev.State.String(),
		Previous:   ev.Previous.String(),
		RoundID:    ev.RoundID,
		PID:        ev.PID,
		Reason:     ev.Reason,
		Forced:     ev.Forced,
		ExitStatus: ev.ExitStatus,
		Duration:   ev.Duration,
		Error:      ev.Error,
		Time:       ev.Time,
	}
	if ev.Round != nil {
		out.Mode = string(ev.Round.Mode)
		out.Zone = ev.Round.Zone
	}
	return out
}
