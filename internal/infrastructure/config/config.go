package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for acm-core processes. Both binaries
// share one file: the runtime reads the runtime section, the participant
// the participant section, and everything else is common infrastructure.
// All values load from YAML and can be overridden by environment variables.
type Config struct {
	Participant ParticipantConfig `yaml:"participant"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Database    DatabaseConfig    `yaml:"database"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ParticipantConfig identifies a participant process and tunes its
// intermediary.
type ParticipantConfig struct {
	// ID is the stable logical participant id (UUID). Replica ids are
	// generated at process start and never configured.
	ID string `yaml:"id"`

	// SupportedTypes lists the element types this participant executes.
	SupportedTypes []SupportedTypeConfig `yaml:"supported_types"`

	// HeartbeatInterval is the seconds between PARTICIPANT_STATUS messages.
	HeartbeatInterval int `yaml:"heartbeat_interval"`

	// Workers is the size of the lifecycle-callback worker pool.
	Workers int `yaml:"workers"`

	// OnHoldLimit bounds the queue of messages waiting for a composition
	// definition that has not arrived yet. Messages past the bound are
	// dropped.
	OnHoldLimit int `yaml:"on_hold_limit"`
}

// SupportedTypeConfig declares one supported element type.
type SupportedTypeConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// RuntimeConfig tunes the control-plane process.
type RuntimeConfig struct {
	Supervision SupervisionConfig `yaml:"supervision"`
}

// SupervisionConfig holds the scanner and retry tunables. These are
// deliberately configuration-driven rather than constants: retry budget
// and wait windows differ per deployment.
type SupervisionConfig struct {
	// ScanInterval is the seconds between reconciliation scans.
	ScanInterval int `yaml:"scan_interval"`

	// MaxWait is the seconds a transitional state may remain outstanding
	// before the scanner re-drives or fails it.
	MaxWait int `yaml:"max_wait"`

	// MaxRetries bounds command re-publishes before an instance is marked
	// TIMEOUT.
	MaxRetries int `yaml:"max_retries"`

	// ParticipantMaxWait is the seconds without a heartbeat before a
	// participant is considered unhealthy.
	ParticipantMaxWait int `yaml:"participant_max_wait"`
}

// DatabaseConfig contains SQLite settings for the runtime store.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains message bus connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains broker credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains reconnection backoff settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains telemetry sink settings. Disabled by default;
// the system is fully functional without it.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads, overrides and validates configuration from the given path.
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

// defaultConfig returns the baseline configuration before YAML and env
// overrides are applied.
func defaultConfig() *Config {
	return &Config{
		Participant: ParticipantConfig{
			HeartbeatInterval: 30,
			Workers:           4,
			OnHoldLimit:       100,
		},
		Runtime: RuntimeConfig{
			Supervision: SupervisionConfig{
				ScanInterval:       10,
				MaxWait:            120,
				MaxRetries:         3,
				ParticipantMaxWait: 90,
			},
		},
		Database: DatabaseConfig{
			Path:        "data/acm.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "acm-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides lets deployment environments override secrets and
// endpoints without editing the YAML file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ACMCORE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("ACMCORE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("ACMCORE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("ACMCORE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
	if v := os.Getenv("ACMCORE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	if v := os.Getenv("ACMCORE_PARTICIPANT_ID"); v != "" {
		cfg.Participant.ID = v
	}
}

// Validate checks configuration invariants and fills remaining defaults.
func (c *Config) Validate() error {
	if c.MQTT.Broker.Host == "" {
		return fmt.Errorf("mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port <= 0 || c.MQTT.Broker.Port > 65535 {
		return fmt.Errorf("mqtt.broker.port %d out of range", c.MQTT.Broker.Port)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Runtime.Supervision.ScanInterval <= 0 {
		return fmt.Errorf("runtime.supervision.scan_interval must be positive")
	}
	if c.Runtime.Supervision.MaxWait <= 0 {
		return fmt.Errorf("runtime.supervision.max_wait must be positive")
	}
	if c.Runtime.Supervision.MaxRetries < 0 {
		return fmt.Errorf("runtime.supervision.max_retries must not be negative")
	}
	if c.Participant.Workers <= 0 {
		c.Participant.Workers = 4
	}
	if c.Participant.HeartbeatInterval <= 0 {
		c.Participant.HeartbeatInterval = 30
	}
	if c.Participant.OnHoldLimit <= 0 {
		c.Participant.OnHoldLimit = 100
	}
	return nil
}

// ScanInterval returns the scanner interval as a duration.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Runtime.Supervision.ScanInterval) * time.Second
}

// MaxWait returns the transition timeout as a duration.
func (c *Config) MaxWait() time.Duration {
	return time.Duration(c.Runtime.Supervision.MaxWait) * time.Second
}

// ParticipantMaxWait returns the heartbeat liveness window as a duration.
func (c *Config) ParticipantMaxWait() time.Duration {
	return time.Duration(c.Runtime.Supervision.ParticipantMaxWait) * time.Second
}

// HeartbeatInterval returns the heartbeat period as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Participant.HeartbeatInterval) * time.Second
}
