// Robot starter
//
// The starter runs on the robot and owns the team's user code: it spawns the
// program at boot, hands it the round configuration when a round starts,
// ends the round when the time runs out, and replaces the program when new
// code is uploaded. Commands arrive on a named pipe, MQTT, the HTTP API or
// the physical start button.
//
// Usage:
//
//	starter                       run the supervisor
//	starter token <subject> [role] print a bearer token for the HTTP API
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/robot-starter/internal/api"
	"github.com/nerrad567/robot-starter/internal/auth"
	"github.com/nerrad567/robot-starter/internal/command"
	"github.com/nerrad567/robot-starter/internal/hardware"
	"github.com/nerrad567/robot-starter/internal/infrastructure/config"
	"github.com/nerrad567/robot-starter/internal/infrastructure/influxdb"
	"github.com/nerrad567/robot-starter/internal/infrastructure/logging"
	"github.com/nerrad567/robot-starter/internal/infrastructure/mqtt"
	"github.com/nerrad567/robot-starter/internal/metrics"
	"github.com/nerrad567/robot-starter/internal/process"
	"github.com/nerrad567/robot-starter/internal/round"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// sourceButton names the start button in command acks.
const sourceButton = "button"

// buttonSubmitTimeout bounds how long a button press waits for its ack.
const buttonSubmitTimeout = 30 * time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(os.Stdout, os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the supervisor to its command channels and blocks until ctx is
// cancelled. The managed process is reaped before run returns.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // startup wiring: each optional component adds a branch
	log := logging.Default()
	log.Info("starting robot starter",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	if cfg.Hardware.StartGraphic.Enabled {
		installStartGraphic(cfg, log)
	}

	// Supervisor
	reaper := process.NewReaper(cfg.Round.GracePeriod, cfg.Round.EndMarker)
	reaper.SetLogger(log.Component("reaper"))

	supervisor := round.NewSupervisor(
		round.Settings{
			RoundLength:      cfg.Round.Length,
			SettleDelay:      cfg.Round.SettleDelay,
			AbnormalExitCode: cfg.Round.AbnormalExitCode,
			Arena:            cfg.Round.Arena,
			Zones:            cfg.Round.Zones,
		},
		round.HandleSpawner{Config: process.Config{
			Name:       "usercode",
			Binary:     cfg.UserCode.Interpreter,
			Args:       cfg.UserCodeArgs(),
			Env:        cfg.UserCodeEnv(),
			WorkDir:    cfg.UserCode.WorkDir,
			OutputPath: cfg.UserCode.OutputPath,
		}},
		reaper,
		newResetter(cfg.Hardware.Reset, log),
	)
	supervisor.SetLogger(log.Component("supervisor"))

	registry := metrics.NewRegistry()
	collector := metrics.NewCollector(registry, version)
	supervisor.Subscribe(collector.ObserveEvent)

	dispatcher := command.NewDispatcher(supervisor)
	dispatcher.SetLogger(log.Component("dispatcher"))
	dispatcher.OnAck(collector.ObserveAck)

	checks := make(map[string]api.HealthChecker)

	// Named-pipe command channel
	if cfg.Command.Pipe.Enabled {
		pipe, pipeErr := command.OpenPipe(command.PipeConfig{
			Directory: cfg.Command.Pipe.Directory,
			Inbound:   cfg.Command.Pipe.Inbound,
			Outbound:  cfg.Command.Pipe.Outbound,
		})
		if pipeErr != nil {
			return fmt.Errorf("opening command pipe: %w", pipeErr)
		}
		defer func() {
			if closeErr := pipe.Close(); closeErr != nil {
				log.Error("error closing command pipe", "error", closeErr)
			}
		}()
		pipe.SetLogger(log.Component("pipe"))
		dispatcher.AddChannel(pipe)
		log.Info("command pipe open", "inbound", pipe.InboundPath(), "outbound", pipe.OutboundPath())
	}

	// MQTT command channel and event publishing
	if cfg.MQTT.Enabled {
		mqttClient, mqttErr := mqtt.Connect(cfg.MQTT)
		if mqttErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", mqttErr)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
			"command_topic", mqttClient.Topics().Command(),
		)

		channel, chErr := command.NewMQTTChannel(mqttClient, mqttClient.Topics(), byte(cfg.MQTT.QoS)) //nolint:gosec // QoS validated 0-2
		if chErr != nil {
			return fmt.Errorf("subscribing to MQTT commands: %w", chErr)
		}
		defer channel.Close() //nolint:errcheck // Best-effort unsubscribe on shutdown
		dispatcher.AddChannel(channel)

		publisher := newEventPublisher(mqttClient, mqttClient.Topics(), supervisor, log.Component("mqtt"))
		supervisor.Subscribe(publisher.Publish)
		checks["mqtt"] = mqttClient
	}

	// InfluxDB round telemetry (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		recorder := newTelemetryRecorder(influxClient)
		supervisor.Subscribe(recorder.Record)
		checks["influxdb"] = influxClient
	} else {
		log.Info("InfluxDB disabled")
	}

	// HTTP API
	if cfg.API.Enabled {
		srv, apiErr := api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log.Component("api"),
			Commands: dispatcher,
			Status:   supervisor,
			Metrics:  metrics.Handler(registry),
			Checks:   checks,
			Version:  version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		supervisor.Subscribe(srv.PublishEvent)
		dispatcher.OnAck(srv.PublishAck)

		if startErr := srv.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
		if cfg.Security.JWT.Secret == "" {
			log.Warn("API authentication disabled: no security.jwt.secret configured")
		}
	}

	// Reset the hardware and spawn the first process. Without a process
	// the robot cannot run a round, so this is fatal.
	if err := supervisor.Boot(ctx); err != nil {
		return fmt.Errorf("booting supervisor: %w", err)
	}
	defer func() {
		log.Info("reaping user code before exit")
		if shutdownErr := supervisor.Shutdown(context.Background()); shutdownErr != nil {
			log.Error("error shutting down supervisor", "error", shutdownErr)
		}
	}()

	logHealth(ctx, checks, log)

	// Physical start button
	if cfg.Hardware.Button.Enabled {
		button := hardware.NewButton(hardware.ButtonConfig{
			Pin:          cfg.Hardware.Button.Pin,
			Debounce:     cfg.Hardware.Button.Debounce,
			PollInterval: cfg.Hardware.Button.PollInterval,
			SysfsRoot:    cfg.Hardware.Button.SysfsRoot,
		}, func() {
			go pressStart(ctx, dispatcher, cfg.Hardware.ArenaDir, log)
		})
		button.SetLogger(log.Component("button"))
		go func() {
			if btnErr := button.Run(ctx); btnErr != nil {
				log.Warn("start button unavailable", "error", btnErr)
			}
		}()
	}

	log.Info("initialisation complete, waiting for commands")

	if err := dispatcher.Run(ctx); err != nil {
		return fmt.Errorf("running dispatcher: %w", err)
	}

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses STARTER_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("STARTER_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// newResetter returns the external reset command, or a no-op when none is
// configured.
func newResetter(cfg config.ResetConfig, log *logging.Logger) round.Resetter {
	if len(cfg.Command) == 0 {
		log.Info("hardware reset disabled")
		return hardware.NoopResetter{}
	}
	r := hardware.NewCommandResetter(cfg.Command, cfg.Timeout)
	r.SetLogger(log.Component("reset"))
	return r
}

// installStartGraphic copies the pre-round image into place. A missing
// image is not an error worth stopping for.
func installStartGraphic(cfg *config.Config, log *logging.Logger) {
	g := hardware.StartGraphic{
		ArenaDir:     cfg.Hardware.ArenaDir,
		TeamNameFile: cfg.Hardware.StartGraphic.TeamNameFile,
		TeamLogo:     cfg.Hardware.StartGraphic.TeamLogo,
		GameLogo:     cfg.Hardware.StartGraphic.GameLogo,
		Destination:  cfg.Hardware.StartGraphic.Destination,
	}
	src, err := g.Install()
	if err != nil {
		log.Warn("start graphic not installed", "error", err)
		return
	}
	log.Info("start graphic installed", "source", src, "destination", g.Destination)
}

// pressStart submits a competition start for the zone marked on the arena
// stick.
func pressStart(ctx context.Context, d *command.Dispatcher, arenaDir string, log *logging.Logger) {
	zone := hardware.DetectZone(arenaDir)
	ctx, cancel := context.WithTimeout(ctx, buttonSubmitTimeout)
	defer cancel()

	ack, err := d.SubmitCommand(ctx, sourceButton, command.Start(round.ModeComp, zone))
	if err != nil {
		if !errors.Is(err, command.ErrDispatcherStopped) {
			log.Warn("start button press not handled", "error", err)
		}
		return
	}
	log.Info("start button pressed", "zone", zone, "outcome", ack.Outcome)
}

// logHealth reports the state of optional dependencies once at startup.
func logHealth(ctx context.Context, checks map[string]api.HealthChecker, log *logging.Logger) {
	for name, check := range checks {
		if err := check.HealthCheck(ctx); err != nil {
			log.Warn("dependency unhealthy", "component", name, "error", err)
			continue
		}
		log.Info("dependency healthy", "component", name)
	}
}

// runToken prints a signed API token for the configured secret.
func runToken(w io.Writer, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: starter token <subject> [viewer|operator]")
	}

	role := auth.RoleOperator
	if len(args) == 2 {
		r, err := auth.ParseRole(args[1])
		if err != nil {
			return err
		}
		role = r
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ttl := time.Duration(cfg.Security.JWT.AccessTokenTTL) * time.Minute
	token, err := auth.GenerateToken(args[0], role, cfg.Security.JWT.Secret, cfg.Security.JWT.Issuer, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	_, err = fmt.Fprintln(w, token)
	return err
}
