package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends accepted by registry.store.backend.
const (
	StoreBackendFile   = "file"
	StoreBackendSQLite = "sqlite"
	StoreBackendMemory = "memory"
)

// Config is the root configuration structure for Fleetbeat.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Registry  RegistryConfig  `yaml:"registry"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Audit     AuditConfig     `yaml:"audit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// SiteConfig identifies the installation this registry serves.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`

	// LatencyTargetMS is the soft per-request budget. Requests that take
	// longer still complete but are logged as slow.
	LatencyTargetMS int `yaml:"latency_target_ms"`
}

// ReadTimeout returns the request read timeout.
func (a APIConfig) ReadTimeout() time.Duration {
	return time.Duration(a.Timeouts.Read) * time.Second
}

// WriteTimeout returns the response write timeout.
func (a APIConfig) WriteTimeout() time.Duration {
	return time.Duration(a.Timeouts.Write) * time.Second
}

// IdleTimeout returns the keep-alive idle timeout.
func (a APIConfig) IdleTimeout() time.Duration {
	return time.Duration(a.Timeouts.Idle) * time.Second
}

// LatencyTarget returns the soft request latency budget. Zero disables
// slow-request warnings.
func (a APIConfig) LatencyTarget() time.Duration {
	return time.Duration(a.LatencyTargetMS) * time.Millisecond
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
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

// WebSocketConfig contains settings for the dashboard push channel.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`

	// SendBuffer is the per-observer event queue length. When it fills,
	// the oldest queued event is dropped.
	SendBuffer int `yaml:"send_buffer"`
}

// RegistryConfig contains device registry and liveness settings.
type RegistryConfig struct {
	Store StoreConfig `yaml:"store"`

	// SweepInterval is how often the liveness sweeper runs.
	// Default: 5s
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// HeartbeatTimeout is how long an ONLINE device may stay silent
	// before the sweeper marks it OFFLINE.
	// Default: 10s
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
}

// StoreConfig selects and configures the device store.
type StoreConfig struct {
	// Backend is one of "file", "sqlite" or "memory".
	Backend string `yaml:"backend"`

	// Path is the JSON file used by the file backend. A ".backup" sibling
	// is written next to it.
	Path string `yaml:"path"`
}

// DatabaseConfig contains SQLite database settings. The database is only
// opened when the sqlite store backend or the audit trail is enabled.
type DatabaseConfig struct {
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
	MaxAttempts  int `yaml:"max_attempts"`
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

// AuditConfig controls the SQLite-backed audit trail.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	Operators OperatorAuthConfig `yaml:"operators"`
}

// OperatorAuthConfig protects the management routes (create, list, delete,
// push channel) with HS256 bearer tokens. Heartbeats always authenticate
// with the device's own token.
type OperatorAuthConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Secret   string `yaml:"secret"`
	TokenTTL int    `yaml:"token_ttl"` // minutes
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: FLEETBEAT_SECTION_KEY
// For example: FLEETBEAT_STORE_PATH, FLEETBEAT_API_PORT
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

// FromEnv returns the defaults with environment overrides applied. It is
// used when no configuration file is present.
func FromEnv() (*Config, error) {
	cfg := Default()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Fleetbeat",
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			LatencyTargetMS: 300,
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
			SendBuffer:     64,
		},
		Registry: RegistryConfig{
			Store: StoreConfig{
				Backend: StoreBackendFile,
				Path:    "./data/devices.json",
			},
			SweepInterval:    5 * time.Second,
			HeartbeatTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Path:        "./data/fleetbeat.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "fleetbeat",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			TopicPrefix: "fleetbeat",
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
		Security: SecurityConfig{
			Operators: OperatorAuthConfig{
				TokenTTL: 60,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: FLEETBEAT_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// API
	if v := os.Getenv("FLEETBEAT_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("FLEETBEAT_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// Registry
	if v := os.Getenv("FLEETBEAT_STORE_BACKEND"); v != "" {
		cfg.Registry.Store.Backend = v
	}
	if v := os.Getenv("FLEETBEAT_STORE_PATH"); v != "" {
		cfg.Registry.Store.Path = v
	}

	// Database
	if v := os.Getenv("FLEETBEAT_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("FLEETBEAT_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("FLEETBEAT_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("FLEETBEAT_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("FLEETBEAT_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security - operator signing secret (never commit it to the config file)
	if v := os.Getenv("FLEETBEAT_OPERATOR_SECRET"); v != "" {
		cfg.Security.Operators.Secret = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	switch c.Registry.Store.Backend {
	case StoreBackendFile:
		if c.Registry.Store.Path == "" {
			errs = append(errs, "registry.store.path is required for the file backend")
		}
	case StoreBackendSQLite, StoreBackendMemory:
	default:
		errs = append(errs, fmt.Sprintf("registry.store.backend %q must be file, sqlite or memory", c.Registry.Store.Backend))
	}

	if c.Registry.SweepInterval <= 0 {
		errs = append(errs, "registry.sweep_interval must be positive")
	}
	if c.Registry.HeartbeatTimeout <= 0 {
		errs = append(errs, "registry.heartbeat_timeout must be positive")
	}

	if c.NeedsDatabase() && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the sqlite store or audit trail is enabled")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.WebSocket.SendBuffer < 1 {
		errs = append(errs, "websocket.send_buffer must be at least 1")
	}

	// Operator tokens gate device deletion; a short secret makes them forgeable.
	const minSecretLength = 32
	if c.Security.Operators.Enabled && len(c.Security.Operators.Secret) < minSecretLength {
		errs = append(errs, "security.operators.secret must be at least 32 characters (set FLEETBEAT_OPERATOR_SECRET)")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// NeedsDatabase reports whether any enabled component uses SQLite.
func (c *Config) NeedsDatabase() bool {
	return c.Registry.Store.Backend == StoreBackendSQLite || c.Audit.Enabled
}
