package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Energino Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	Logging    LoggingConfig    `yaml:"logging"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Registry   RegistryConfig   `yaml:"registry"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Controller ControllerConfig `yaml:"controller"`
	Command    CommandConfig    `yaml:"command"`
	Occupancy  OccupancyConfig  `yaml:"occupancy"`
}

// DatabaseConfig contains SQLite database settings.
// The database holds dispatch state and the audit trail; the feed
// registry itself is never persisted.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
	TopicPrefix string              `yaml:"topic_prefix"`
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
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings.
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

// WebSocketConfig contains WebSocket event stream settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
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

// RegistryConfig contains feed registry settings.
type RegistryConfig struct {
	// LivenessWindow is the number of seconds after the last update during
	// which a feed reports status "live".
	LivenessWindow int `yaml:"liveness_window"`

	// DeviceAgents lists the agent names that identify the sensor
	// peripheral itself. Updates from any other agent set the feed's
	// dispatcher address instead of its device address.
	DeviceAgents []string `yaml:"device_agents"`

	// DefaultFeeds is the number of feeds registered at startup.
	DefaultFeeds int    `yaml:"default_feeds"`
	DefaultTitle string `yaml:"default_title"`

	// BaseURL is used to build the self-link stored on each feed.
	// Empty means the API host and port are used.
	BaseURL string `yaml:"base_url"`
}

// DispatchConfig contains remote telemetry delivery settings.
type DispatchConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	APIKey  string `yaml:"api_key"`

	// Period is the flush interval in seconds.
	Period int `yaml:"period"`

	// Rapid flushes immediately after every enqueue.
	Rapid bool `yaml:"rapid"`

	// Timeout is the per-request timeout in seconds.
	Timeout int `yaml:"timeout"`

	Streams  []StreamConfig `yaml:"streams"`
	Metadata FeedMetadata   `yaml:"metadata"`
}

// StreamConfig describes one datastream forwarded to the remote service.
type StreamConfig struct {
	ID     string `yaml:"id"`
	Type   string `yaml:"type"`
	Label  string `yaml:"label"`
	Symbol string `yaml:"symbol"`
}

// FeedMetadata is attached to feeds created on the remote service.
type FeedMetadata struct {
	Website     string   `yaml:"website"`
	Tags        []string `yaml:"tags"`
	Name        string   `yaml:"name"`
	Disposition string   `yaml:"disposition"`
	Exposure    string   `yaml:"exposure"`
	Domain      string   `yaml:"domain"`
	Lat         float64  `yaml:"lat"`
	Lon         float64  `yaml:"lon"`
}

// ControllerConfig contains power controller policy.
type ControllerConfig struct {
	// Enabled turns control decisions on. When false the controller
	// only observes.
	Enabled bool `yaml:"enabled"`

	// Mode is "three_state" (Online, Idle, Offline) or "two_state"
	// (Online, Offline).
	Mode string `yaml:"mode"`

	// Tick is the evaluation interval in milliseconds.
	Tick int `yaml:"tick"`

	// OnlineTimeout and IdleTimeout are counted in ticks.
	OnlineTimeout int `yaml:"online_timeout"`
	IdleTimeout   int `yaml:"idle_timeout"`

	IdleDutyCycle int `yaml:"idle_duty_cycle"`

	// SwitchCut and SwitchRestore are the device encodings of the two
	// switch positions.
	SwitchCut     int `yaml:"switch_cut"`
	SwitchRestore int `yaml:"switch_restore"`

	// Overrides is evaluated in order; the first entry whose MinClients
	// is reached by the aggregate client count supplies the override set.
	Overrides []OverrideRule `yaml:"overrides"`
}

// OverrideRule maps an aggregate client threshold to the feeds kept online.
type OverrideRule struct {
	MinClients int   `yaml:"min_clients"`
	Feeds      []int `yaml:"feeds"`
}

// CommandConfig contains device command channel settings.
type CommandConfig struct {
	Port          int    `yaml:"port"`
	Timeout       int    `yaml:"timeout"`
	DutyCyclePath string `yaml:"duty_cycle_path"`
}

// OccupancyConfig contains wireless controller polling settings.
type OccupancyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	APIKey   string `yaml:"api_key"`
	Interval int    `yaml:"interval"`

	// Mappings maps wireless agent addresses to local feed ids.
	Mappings map[string]int `yaml:"mappings"`
}

// Controller modes.
const (
	ModeThreeState = "three_state"
	ModeTwoState   = "two_state"
)

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: ENERGINO_SECTION_KEY
// For example: ENERGINO_DATABASE_PATH, ENERGINO_API_PORT
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration without reading a file.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Database: DatabaseConfig{
			Enabled:     true,
			Path:        "./data/energino.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "energino-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			TopicPrefix: "energino",
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "energino",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Registry: RegistryConfig{
			LivenessWindow: 30,
			DeviceAgents:   []string{"EnerginoEthernet", "Energino"},
			DefaultTitle:   "My feed",
		},
		Dispatch: DispatchConfig{
			URL:     "http://api.xively.com",
			Period:  10,
			Timeout: 10,
			Streams: []StreamConfig{
				{ID: "power", Type: "derivedSI", Label: "Watt", Symbol: "W"},
				{ID: "voltage", Type: "derivedSI", Label: "Volt", Symbol: "V"},
				{ID: "current", Type: "derivedSI", Label: "Ampere", Symbol: "A"},
				{ID: "switch", Type: "derivedSI", Label: "Switch", Symbol: "S"},
			},
			Metadata: FeedMetadata{
				Disposition: "fixed",
				Exposure:    "indoor",
				Domain:      "physical",
			},
		},
		Controller: ControllerConfig{
			Enabled:       true,
			Mode:          ModeThreeState,
			Tick:          1000,
			OnlineTimeout: 30,
			IdleTimeout:   45,
			IdleDutyCycle: 50,
			SwitchCut:     1,
			SwitchRestore: 0,
			Overrides: []OverrideRule{
				{MinClients: 4, Feeds: []int{1, 2, 3}},
				{MinClients: 2, Feeds: []int{2, 3}},
				{MinClients: 0, Feeds: []int{3}},
			},
		},
		Command: CommandConfig{
			Port:          8180,
			Timeout:       10,
			DutyCyclePath: "/ap/duty_cycle",
		},
		Occupancy: OccupancyConfig{
			Interval: 1,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: ENERGINO_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// API
	if v := os.Getenv("ENERGINO_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("ENERGINO_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// Database
	if v := os.Getenv("ENERGINO_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("ENERGINO_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("ENERGINO_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("ENERGINO_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("ENERGINO_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Remote services
	if v := os.Getenv("ENERGINO_DISPATCH_API_KEY"); v != "" {
		cfg.Dispatch.APIKey = v
	}
	if v := os.Getenv("ENERGINO_OCCUPANCY_API_KEY"); v != "" {
		cfg.Occupancy.APIKey = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error { //nolint:gocognit,gocyclo // flat list of independent checks
	var errs []string

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when database is enabled")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.Registry.LivenessWindow <= 0 {
		errs = append(errs, "registry.liveness_window must be positive")
	}
	if c.Registry.DefaultFeeds < 0 {
		errs = append(errs, "registry.default_feeds cannot be negative")
	}

	if c.Dispatch.Enabled {
		if c.Dispatch.URL == "" {
			errs = append(errs, "dispatch.url is required when dispatch is enabled")
		}
		if c.Dispatch.APIKey == "" {
			errs = append(errs, "dispatch.api_key is required (set ENERGINO_DISPATCH_API_KEY environment variable)")
		}
		if c.Dispatch.Period < 0 {
			errs = append(errs, "dispatch.period cannot be negative")
		}
		if len(c.Dispatch.Streams) == 0 {
			errs = append(errs, "dispatch.streams must list at least one stream")
		}
	}

	switch c.Controller.Mode {
	case ModeThreeState, ModeTwoState:
	default:
		errs = append(errs, fmt.Sprintf("controller.mode must be %q or %q", ModeThreeState, ModeTwoState))
	}
	if c.Controller.Tick <= 0 {
		errs = append(errs, "controller.tick must be positive")
	}
	if c.Controller.OnlineTimeout < 0 || c.Controller.IdleTimeout < 0 {
		errs = append(errs, "controller timeouts cannot be negative")
	}
	if c.Controller.IdleDutyCycle < 0 || c.Controller.IdleDutyCycle > 100 {
		errs = append(errs, "controller.idle_duty_cycle must be between 0 and 100")
	}
	if c.Controller.SwitchCut == c.Controller.SwitchRestore {
		errs = append(errs, "controller.switch_cut and controller.switch_restore must differ")
	}
	for i := 1; i < len(c.Controller.Overrides); i++ {
		if c.Controller.Overrides[i].MinClients > c.Controller.Overrides[i-1].MinClients {
			errs = append(errs, "controller.overrides must be ordered by descending min_clients")
			break
		}
	}

	if c.Command.Port < 1 || c.Command.Port > 65535 {
		errs = append(errs, "command.port must be between 1 and 65535")
	}

	if c.Occupancy.Enabled {
		if c.Occupancy.URL == "" {
			errs = append(errs, "occupancy.url is required when occupancy is enabled")
		}
		if c.Occupancy.Interval <= 0 {
			errs = append(errs, "occupancy.interval must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
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

// GetLivenessWindow returns the feed liveness window as a Duration.
func (c *Config) GetLivenessWindow() time.Duration {
	return time.Duration(c.Registry.LivenessWindow) * time.Second
}

// GetDispatchPeriod returns the dispatch flush interval as a Duration.
func (c *Config) GetDispatchPeriod() time.Duration {
	return time.Duration(c.Dispatch.Period) * time.Second
}

// GetDispatchTimeout returns the per-request dispatch timeout as a Duration.
func (c *Config) GetDispatchTimeout() time.Duration {
	return time.Duration(c.Dispatch.Timeout) * time.Second
}

// GetControllerTick returns the controller evaluation interval as a Duration.
func (c *Config) GetControllerTick() time.Duration {
	return time.Duration(c.Controller.Tick) * time.Millisecond
}

// GetCommandTimeout returns the device command timeout as a Duration.
func (c *Config) GetCommandTimeout() time.Duration {
	return time.Duration(c.Command.Timeout) * time.Second
}

// GetOccupancyInterval returns the occupancy poll interval as a Duration.
func (c *Config) GetOccupancyInterval() time.Duration {
	return time.Duration(c.Occupancy.Interval) * time.Second
}
