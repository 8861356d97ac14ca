// Package metrics exposes supervisor activity as Prometheus metrics.
//
// A Collector is fed from two places: round.Event listeners (state changes,
// spawns, reaps, fatal errors) and command acknowledgements. Collectors are
// registered on an explicit registry so tests and multiple instances do
// not collide on the global default.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/robot-starter/internal/command"
	"github.com/nerrad567/robot-starter/internal/round"
)

const namespace = "starter"

// reapBuckets cover a graceful exit (milliseconds) through a full grace
// period plus the kill wait.
var reapBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 7.5, 10, 15}

var allStates = []round.State{round.Ready, round.Running, round.PostRun}

// Collector holds the starter's metrics.
type Collector struct {
	info          *prometheus.GaugeVec
	state         *prometheus.GaugeVec
	roundsStarted *prometheus.CounterVec
	roundsEnded   *prometheus.CounterVec
	spawns        prometheus.Counter
	reaps         *prometheus.CounterVec
	reapDuration  prometheus.Histogram
	fatal         prometheus.Counter
	commands      *prometheus.CounterVec
}

// NewCollector creates the metrics and registers them on reg.
func NewCollector(reg prometheus.Registerer, version string) *Collector {
	c := &Collector{
		info: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "info",
				Help:      "Build information (value always 1)",
			},
			[]string{"version"},
		),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "round_state",
				Help:      "Current supervisor state (1 for the active state, 0 otherwise)",
			},
			[]string{"state"},
		),
		roundsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rounds_started_total",
				Help:      "Rounds started, by mode",
			},
			[]string{"mode"},
		),
		roundsEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rounds_ended_total",
				Help:      "Transitions into post_run, by reason",
			},
			[]string{"reason"},
		),
		spawns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "process_spawns_total",
				Help:      "User processes spawned",
			},
		),
		reaps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "process_reaps_total",
				Help:      "User processes reaped, by whether SIGKILL was needed",
			},
			[]string{"forced"},
		),
		reapDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reap_duration_seconds",
				Help:      "Time from SIGTERM until the process group was gone",
				Buckets:   reapBuckets,
			},
		),
		fatal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fatal_errors_total",
				Help:      "Unrecoverable supervisor errors",
			},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Commands handled, by request, outcome and channel",
			},
			[]string{"request", "outcome", "source"},
		),
	}

	reg.MustRegister(
		c.info,
		c.state,
		c.roundsStarted,
		c.roundsEnded,
		c.spawns,
		c.reaps,
		c.reapDuration,
		c.fatal,
		c.commands,
	)

	c.info.WithLabelValues(version).Set(1)
	c.setState(round.Ready)
	return c
}

// NewRegistry returns a registry carrying the Go runtime and process
// collectors, ready for NewCollector.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the metrics in g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (c *Collector) setState(current round.State) {
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1
		}
		c.state.WithLabelValues(s.String()).Set(v)
	}
}

// ObserveEvent records a supervisor event. It has the round.Listener
// signature so it can be passed to Supervisor.Subscribe.
func (c *Collector) ObserveEvent(ev round.Event) {
	switch ev.Type {
	case round.EventStateChanged:
		c.setState(ev.State)
		switch ev.State {
		case round.Running:
			mode := ""
			if ev.Round != nil {
				mode = string(ev.Round.Mode)
			}
			c.roundsStarted.WithLabelValues(mode).Inc()
		case round.PostRun:
			c.roundsEnded.WithLabelValues(ev.Reason).Inc()
		}
	case round.EventProcessSpawned:
		c.spawns.Inc()
	case round.EventProcessReaped:
		c.reaps.WithLabelValues(strconv.FormatBool(ev.Forced)).Inc()
		c.reapDuration.Observe(ev.Duration.Seconds())
	case round.EventFatal:
		c.fatal.Inc()
	}
}

// ObserveAck records a handled command. It matches Dispatcher.OnAck.
func (c *Collector) ObserveAck(ack command.Ack) {
	c.commands.WithLabelValues(ack.Request, string(ack.Outcome), ack.Source).Inc()
}
