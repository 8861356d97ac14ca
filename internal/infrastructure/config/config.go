package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the robot starter.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Round     RoundConfig     `yaml:"round"`
	UserCode  UserCodeConfig  `yaml:"usercode"`
	Hardware  HardwareConfig  `yaml:"hardware"`
	Command   CommandConfig   `yaml:"command"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// RoundConfig contains competition round settings.
type RoundConfig struct {
	// Length is how long a competition-mode round runs before it is ended
	// automatically. Default: 180s
	Length time.Duration `yaml:"length"`

	// GracePeriod is how long the user code has to exit after SIGTERM before
	// it is killed. Default: 5s
	GracePeriod time.Duration `yaml:"grace_period"`

	// SettleDelay is slept after the hardware reset at round end. Default: 500ms
	SettleDelay time.Duration `yaml:"settle_delay"`

	// AbnormalExitCode ends the round when the user code exits with it. Default: 1
	AbnormalExitCode int `yaml:"abnormal_exit_code"`

	// Arena is the arena identifier sent in the start payload. Default: "A"
	Arena string `yaml:"arena"`

	// Zones is the number of starting zones (valid zones are 0..Zones-1). Default: 4
	Zones int `yaml:"zones"`

	// EndMarker is appended to the user code log after every round.
	EndMarker string `yaml:"end_marker"`
}

// UserCodeConfig describes how the user code is launched.
type UserCodeConfig struct {
	Interpreter string   `yaml:"interpreter"`
	Args        []string `yaml:"args"`
	Entrypoint  string   `yaml:"entrypoint"`
	LibraryPath string   `yaml:"library_path"`
	LibraryEnv  string   `yaml:"library_env"`
	OutputPath  string   `yaml:"output_path"`
	WorkDir     string   `yaml:"work_dir"`
}

// HardwareConfig contains robot hardware settings.
type HardwareConfig struct {
	Reset        ResetConfig        `yaml:"reset"`
	Button       ButtonConfig       `yaml:"button"`
	ArenaDir     string             `yaml:"arena_dir"`
	StartGraphic StartGraphicConfig `yaml:"start_graphic"`
}

// ResetConfig configures the hardware reset command.
// An empty command disables the reset.
type ResetConfig struct {
	Command []string      `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
}

// ButtonConfig configures the physical start button.
type ButtonConfig struct {
	Enabled bool `yaml:"enabled"`

	// Pin is the BCM GPIO number. Default: 26
	Pin int `yaml:"pin"`

	// Debounce ignores further presses for this long. Default: 1s
	Debounce time.Duration `yaml:"debounce"`

	// PollInterval is how often the pin value is sampled. Default: 20ms
	PollInterval time.Duration `yaml:"poll_interval"`

	// SysfsRoot is the GPIO sysfs directory. Default: /sys/class/gpio
	SysfsRoot string `yaml:"sysfs_root"`
}

// StartGraphicConfig configures the image shown before a round.
type StartGraphicConfig struct {
	Enabled      bool   `yaml:"enabled"`
	TeamNameFile string `yaml:"team_name_file"`
	TeamLogo     string `yaml:"team_logo"`
	GameLogo     string `yaml:"game_logo"`
	Destination  string `yaml:"destination"`
}

// CommandConfig contains command transport settings.
type CommandConfig struct {
	Pipe PipeConfig `yaml:"pipe"`
}

// PipeConfig contains named-pipe command channel settings.
type PipeConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
	Inbound   string `yaml:"inbound"`
	Outbound  string `yaml:"outbound"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
// Write must exceed the longest command (a reap plus hardware reset).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings. An empty secret disables
// authentication on command endpoints.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	Issuer         string `yaml:"issuer"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: STARTER_SECTION_KEY
// For example: STARTER_ROUND_LENGTH, STARTER_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration, for tools that run without a file.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Round: RoundConfig{
			Length:           180 * time.Second,
			GracePeriod:      5 * time.Second,
			SettleDelay:      500 * time.Millisecond,
			AbnormalExitCode: 1,
			Arena:            "A",
			Zones:            4,
			EndMarker:        "\n==== END OF ROUND ====\n\n",
		},
		UserCode: UserCodeConfig{
			Interpreter: "/usr/bin/python3",
			Args:        []string{"-u"},
			Entrypoint:  "/home/pi/usercode/main.py",
			LibraryPath: "/home/pi/robot",
			LibraryEnv:  "PYTHONPATH",
			OutputPath:  "/media/RobotUSB/logs.txt",
		},
		Hardware: HardwareConfig{
			Reset: ResetConfig{
				Command: []string{"/usr/bin/python3", "-c", "import robot.reset; robot.reset.reset()"},
				Timeout: 10 * time.Second,
			},
			Button: ButtonConfig{
				Enabled:      true,
				Pin:          26,
				Debounce:     time.Second,
				PollInterval: 20 * time.Millisecond,
				SysfsRoot:    "/sys/class/gpio",
			},
			ArenaDir: "/media/ArenaUSB",
			StartGraphic: StartGraphicConfig{
				Enabled:      true,
				TeamNameFile: "/home/pi/teamname.txt",
				TeamLogo:     "/home/pi/usercode/team_logo.jpg",
				GameLogo:     "/home/pi/game_logo.jpg",
				Destination:  "/home/pi/shepherd/static/image.jpg",
			},
		},
		Command: CommandConfig{
			Pipe: PipeConfig{
				Enabled:   true,
				Directory: "/home/pi/pipes",
				Inbound:   "starter.in",
				Outbound:  "starter.out",
			},
		},
		MQTT: MQTTConfig{
			TopicPrefix: "robot/starter",
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "robot-starter",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "robot",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				Issuer:         "robot-starter",
				AccessTokenTTL: 1440,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: STARTER_SECTION_KEY
func applyEnvOverrides(cfg *Config) error {
	var errs []string

	duration := func(name string, dst *time.Duration) {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", name, err))
				return
			}
			*dst = d
		}
	}
	integer := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", name, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", name, err))
				return
			}
			*dst = b
		}
	}
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	// Round
	duration("STARTER_ROUND_LENGTH", &cfg.Round.Length)
	duration("STARTER_ROUND_GRACE_PERIOD", &cfg.Round.GracePeriod)
	str("STARTER_ROUND_ARENA", &cfg.Round.Arena)

	// User code
	str("STARTER_USERCODE_INTERPRETER", &cfg.UserCode.Interpreter)
	str("STARTER_USERCODE_ENTRYPOINT", &cfg.UserCode.Entrypoint)
	str("STARTER_USERCODE_OUTPUT_PATH", &cfg.UserCode.OutputPath)

	// Hardware
	boolean("STARTER_BUTTON_ENABLED", &cfg.Hardware.Button.Enabled)
	str("STARTER_ARENA_DIR", &cfg.Hardware.ArenaDir)

	// Command channels
	boolean("STARTER_PIPE_ENABLED", &cfg.Command.Pipe.Enabled)
	str("STARTER_PIPE_DIRECTORY", &cfg.Command.Pipe.Directory)

	// MQTT
	boolean("STARTER_MQTT_ENABLED", &cfg.MQTT.Enabled)
	str("STARTER_MQTT_HOST", &cfg.MQTT.Broker.Host)
	str("STARTER_MQTT_USERNAME", &cfg.MQTT.Auth.Username)
	str("STARTER_MQTT_PASSWORD", &cfg.MQTT.Auth.Password)

	// API
	str("STARTER_API_HOST", &cfg.API.Host)
	integer("STARTER_API_PORT", &cfg.API.Port)

	// InfluxDB
	str("STARTER_INFLUXDB_TOKEN", &cfg.InfluxDB.Token)

	// Logging
	str("STARTER_LOG_LEVEL", &cfg.Logging.Level)

	// Security - JWT secret
	str("STARTER_JWT_SECRET", &cfg.Security.JWT.Secret)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Round validation
	if c.Round.Length <= 0 {
		errs = append(errs, "round.length must be positive")
	}
	if c.Round.GracePeriod <= 0 {
		errs = append(errs, "round.grace_period must be positive")
	}
	if c.Round.SettleDelay < 0 {
		errs = append(errs, "round.settle_delay cannot be negative")
	}
	if c.Round.AbnormalExitCode < 0 || c.Round.AbnormalExitCode > 255 {
		errs = append(errs, "round.abnormal_exit_code must be between 0 and 255")
	}
	if c.Round.Zones < 1 {
		errs = append(errs, "round.zones must be at least 1")
	}
	if c.Round.Arena == "" {
		errs = append(errs, "round.arena is required")
	}

	// User code validation
	if c.UserCode.Interpreter == "" {
		errs = append(errs, "usercode.interpreter is required")
	}
	if c.UserCode.Entrypoint == "" {
		errs = append(errs, "usercode.entrypoint is required")
	}
	if c.UserCode.LibraryPath != "" && c.UserCode.LibraryEnv == "" {
		errs = append(errs, "usercode.library_env is required when library_path is set")
	}

	// Hardware validation
	if c.Hardware.Button.Enabled {
		if c.Hardware.Button.Pin < 0 {
			errs = append(errs, "hardware.button.pin cannot be negative")
		}
		if c.Hardware.Button.PollInterval <= 0 {
			errs = append(errs, "hardware.button.poll_interval must be positive")
		}
	}
	if len(c.Hardware.Reset.Command) > 0 && c.Hardware.Reset.Timeout <= 0 {
		errs = append(errs, "hardware.reset.timeout must be positive")
	}

	// Command channel validation
	if c.Command.Pipe.Enabled {
		if c.Command.Pipe.Directory == "" || c.Command.Pipe.Inbound == "" || c.Command.Pipe.Outbound == "" {
			errs = append(errs, "command.pipe.directory, inbound and outbound are required when enabled")
		}
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.TopicPrefix == "" {
		errs = append(errs, "mqtt.topic_prefix is required when enabled")
	}

	// API validation
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when enabled")
	}

	// Security validation - the JWT secret is optional, but a weak one is refused
	const minJWTSecretLength = 32
	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// UserCodeArgs returns the interpreter arguments followed by the entrypoint.
func (c *Config) UserCodeArgs() []string {
	args := make([]string, 0, len(c.UserCode.Args)+1)
	args = append(args, c.UserCode.Args...)
	return append(args, c.UserCode.Entrypoint)
}

// UserCodeEnv returns the extra environment for the user code, injecting
// the robot library path.
func (c *Config) UserCodeEnv() []string {
	if c.UserCode.LibraryPath == "" {
		return nil
	}
	return []string{c.UserCode.LibraryEnv + "=" + c.UserCode.LibraryPath}
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
