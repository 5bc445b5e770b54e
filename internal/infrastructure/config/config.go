package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Event Relay.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Queue      QueueConfig      `yaml:"queue"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	HMAC       HMACConfig       `yaml:"hmac"`
	MessageLog MessageLogConfig `yaml:"message_log"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Health     HealthConfig     `yaml:"health"`
	Lock       LockConfig       `yaml:"lock"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// QueueConfig contains settings for the Redis-backed event queue.
//
// The bridge consumes from a single list key in a dedicated logical
// database, so other applications sharing the Redis instance never
// collide with the event stream.
type QueueConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`

	// DB is the Redis logical database holding the event list.
	// Kept separate from db 0 for isolation from other consumers.
	DB int `yaml:"db"`

	// Key is the list key events are pushed to by the producer.
	Key string `yaml:"key"`

	// PopTimeout is the bounded BLPOP wait in seconds. The pop must
	// never block indefinitely or shutdown and health ticks would starve.
	PopTimeout int `yaml:"pop_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
//
// There is deliberately no client_id field: the session identifier is
// derived from host identity and process id so that two processes can
// never collide on the broker's session table, even when misconfigured.
type MQTTConfig struct {
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	Keepalive   int                 `yaml:"keepalive"`
	TopicPrefix string              `yaml:"topic_prefix"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`

	// PublishRetryAttempts bounds in-process redelivery of an entry that
	// was popped but could not be published while the broker was down.
	PublishRetryAttempts int `yaml:"publish_retry_attempts"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	TLS  bool   `yaml:"tls"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	// Enabled controls whether the connection manager reconnects after
	// a transport failure. Disabling it turns any disconnect fatal.
	Enabled bool `yaml:"enabled"`

	// InitialDelay is the base backoff delay in seconds.
	InitialDelay int `yaml:"initial_delay"`

	// MaxDelay caps the exponential backoff in seconds.
	MaxDelay int `yaml:"max_delay"`

	// MaxAttempts limits consecutive failed attempts. 0 means unlimited.
	MaxAttempts int `yaml:"max_attempts"`
}

// HMACConfig contains payload signing settings.
//
// When enabled, every published payload is wrapped in a signed envelope
// (HMAC-SHA256 over the raw payload). The secret is re-read on every
// broker connect, so a rotated key takes effect on the next reconnect
// without a process restart.
type HMACConfig struct {
	Enabled   bool   `yaml:"enabled"`
	SecretKey string `yaml:"secret_key"`
}

// MessageLogConfig contains delivery log settings.
type MessageLogConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Database DatabaseConfig `yaml:"database"`

	// RetentionDays prunes log rows older than this on startup. 0 keeps everything.
	RetentionDays int `yaml:"retention_days"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings for health metrics.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// HealthConfig contains health monitor settings.
type HealthConfig struct {
	// Interval is the tick period in seconds. Health is sampled on this
	// tick independent of message traffic, so an idle bridge is still
	// observable.
	Interval int `yaml:"interval"`

	// StatusFile is where each snapshot is written as JSON for the
	// --status control surface. Empty disables the file.
	StatusFile string `yaml:"status_file"`
}

// LockConfig contains single-instance lock settings.
type LockConfig struct {
	// Path is the lock file location. The record holds the owning
	// process id and acquisition timestamp.
	Path string `yaml:"path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Loader supplies configuration on demand.
//
// The broker connection manager calls Load at the top of every connect
// attempt, so operator changes (broker address, credentials, HMAC secret)
// take effect on the next reconnect without a process restart. This is a
// deliberate trade-off: a rotated HMAC secret is picked up at reconnect
// time, not continuously.
type Loader interface {
	Load() (*Config, error)
}

// FileLoader loads configuration from a YAML file on every call.
type FileLoader struct {
	Path string
}

// Load implements Loader by re-reading the file.
func (f FileLoader) Load() (*Config, error) {
	return Load(f.Path)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func() (*Config, error)

// Load implements Loader.
func (fn LoaderFunc) Load() (*Config, error) { return fn() }

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: EVENTRELAY_SECTION_KEY
// For example: EVENTRELAY_QUEUE_HOST, EVENTRELAY_MQTT_PASSWORD
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

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

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Queue: QueueConfig{
			Host:       "localhost",
			Port:       6379,
			DB:         1,
			Key:        "eventrelay:events",
			PopTimeout: 1,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host: "localhost",
				Port: 1883,
			},
			Keepalive: 60,
			Reconnect: MQTTReconnectConfig{
				Enabled:      true,
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
			PublishRetryAttempts: 5,
		},
		MessageLog: MessageLogConfig{
			Database: DatabaseConfig{
				Path:        "./data/eventrelay.db",
				WALMode:     true,
				BusyTimeout: 5,
			},
			RetentionDays: 30,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Health: HealthConfig{
			Interval:   30,
			StatusFile: "./data/eventrelay.status.json",
		},
		Lock: LockConfig{
			Path: defaultLockPath(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// defaultLockPath places the lock file in the system temp directory,
// shared by every instance started for the same deployment.
func defaultLockPath() string {
	return os.TempDir() + string(os.PathSeparator) + "eventrelay.lock"
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: EVENTRELAY_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Queue
	if v := os.Getenv("EVENTRELAY_QUEUE_HOST"); v != "" {
		cfg.Queue.Host = v
	}
	if v := os.Getenv("EVENTRELAY_QUEUE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Queue.Port = port
		}
	}
	if v := os.Getenv("EVENTRELAY_QUEUE_PASSWORD"); v != "" {
		cfg.Queue.Password = v
	}

	// MQTT
	if v := os.Getenv("EVENTRELAY_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("EVENTRELAY_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("EVENTRELAY_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("EVENTRELAY_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// HMAC secret (IMPORTANT: prefer the environment over the file in production)
	if v := os.Getenv("EVENTRELAY_HMAC_SECRET"); v != "" {
		cfg.HMAC.SecretKey = v
	}

	// InfluxDB
	if v := os.Getenv("EVENTRELAY_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Lock
	if v := os.Getenv("EVENTRELAY_LOCK_PATH"); v != "" {
		cfg.Lock.Path = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Queue validation
	if c.Queue.Host == "" {
		errs = append(errs, "queue.host is required")
	}
	if c.Queue.Port < 1 || c.Queue.Port > 65535 {
		errs = append(errs, "queue.port must be between 1 and 65535")
	}
	if c.Queue.Key == "" {
		errs = append(errs, "queue.key is required")
	}
	if c.Queue.PopTimeout < 1 || c.Queue.PopTimeout > 60 {
		errs = append(errs, "queue.pop_timeout must be between 1 and 60 seconds")
	}

	// MQTT validation
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.Keepalive < 1 {
		errs = append(errs, "mqtt.keepalive must be at least 1 second")
	}
	if c.MQTT.Reconnect.InitialDelay < 1 {
		errs = append(errs, "mqtt.reconnect.initial_delay must be at least 1 second")
	}
	if c.MQTT.Reconnect.MaxDelay < c.MQTT.Reconnect.InitialDelay {
		errs = append(errs, "mqtt.reconnect.max_delay must be >= initial_delay")
	}
	if c.MQTT.Reconnect.MaxAttempts < 0 {
		errs = append(errs, "mqtt.reconnect.max_attempts must be >= 0 (0 = unlimited)")
	}
	if c.MQTT.PublishRetryAttempts < 1 {
		errs = append(errs, "mqtt.publish_retry_attempts must be at least 1")
	}

	// HMAC validation - a secret is REQUIRED when signing is enabled.
	// Publishing envelopes signed with an empty key would give subscribers
	// a false sense of authenticity.
	if c.HMAC.Enabled && c.HMAC.SecretKey == "" {
		errs = append(errs, "hmac.secret_key is required when hmac.enabled is true (set EVENTRELAY_HMAC_SECRET)")
	}

	// Message log validation
	if c.MessageLog.Enabled && c.MessageLog.Database.Path == "" {
		errs = append(errs, "message_log.database.path is required when message_log.enabled is true")
	}

	// Health validation
	if c.Health.Interval < 1 {
		errs = append(errs, "health.interval must be at least 1 second")
	}

	// Lock validation
	if c.Lock.Path == "" {
		errs = append(errs, "lock.path is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// PopTimeout returns the queue pop timeout as a Duration.
func (c *Config) PopTimeout() time.Duration {
	return time.Duration(c.Queue.PopTimeout) * time.Second
}

// Keepalive returns the MQTT keepalive interval as a Duration.
func (c *Config) Keepalive() time.Duration {
	return time.Duration(c.MQTT.Keepalive) * time.Second
}

// ReconnectInitialDelay returns the base backoff delay as a Duration.
func (c *Config) ReconnectInitialDelay() time.Duration {
	return time.Duration(c.MQTT.Reconnect.InitialDelay) * time.Second
}

// ReconnectMaxDelay returns the backoff cap as a Duration.
func (c *Config) ReconnectMaxDelay() time.Duration {
	return time.Duration(c.MQTT.Reconnect.MaxDelay) * time.Second
}

// HealthInterval returns the health tick period as a Duration.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Health.Interval) * time.Second
}
