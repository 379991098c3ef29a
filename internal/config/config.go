// Package config handles configuration loading, validation, and persistence
// for the ReforgerMon server monitor.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir      = "config"
	DefaultConfigFile     = "config.json"
	DefaultTOMLConfigFile = "config.toml"
	DefaultAPIPort        = 5000
	DefaultRconPort       = 2302
)

// Config is the root configuration structure for ReforgerMon.
type Config struct {
	mu   sync.RWMutex
	path string

	Rcon     RconConfig     `json:"rcon" toml:"rcon"`
	Backend  BackendConfig  `json:"backend" toml:"backend"`
	Database DatabaseConfig `json:"database" toml:"database"`
	MQTT     MQTTConfig     `json:"mqtt" toml:"mqtt"`
	Security SecurityConfig `json:"security" toml:"security"`
	Logging  LoggingConfig  `json:"logging" toml:"logging"`
}

// RconConfig holds the BattlEye remote console endpoint and session policy.
type RconConfig struct {
	Enabled           bool   `json:"enabled" toml:"enabled"`
	Host              string `json:"host" toml:"host"`
	Port              int    `json:"port" toml:"port"`
	Password          string `json:"password" toml:"password"`
	AutoReconnect     bool   `json:"auto_reconnect" toml:"auto_reconnect"`
	ReconnectAttempts int    `json:"reconnect_attempts" toml:"reconnect_attempts"`
	VerifyChecksums   bool   `json:"verify_checksums" toml:"verify_checksums"`
	// RosterPollInterval is how often the players command is issued, in seconds.
	RosterPollInterval int `json:"roster_poll_interval_sec" toml:"roster_poll_interval_sec"`
}

// BackendConfig holds log processing and REST settings.
type BackendConfig struct {
	APIPort             int    `json:"api_port" toml:"api_port"`
	LogsDirectory       string `json:"logs_directory" toml:"logs_directory"`
	FullScan            bool   `json:"full_scan" toml:"full_scan"`
	PollIntervalMS      int    `json:"poll_interval_ms" toml:"poll_interval_ms"`
	PlayerActiveMinutes int    `json:"player_active_minutes" toml:"player_active_minutes"`
	BackendLogFile      string `json:"backend_log_file" toml:"backend_log_file"`
}

// DatabaseConfig holds player database settings.
type DatabaseConfig struct {
	Path          string `json:"path" toml:"path"`
	RetentionDays int    `json:"retention_days" toml:"retention_days"`
	CleanupTime   string `json:"cleanup_time" toml:"cleanup_time"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled" toml:"enabled"`
	BrokerURL   string `json:"broker_url" toml:"broker_url"`
	Port        int    `json:"port" toml:"port"`
	UseTLS      bool   `json:"use_tls" toml:"use_tls"`
	ClientID    string `json:"client_id" toml:"client_id"`
	TopicPrefix string `json:"topic_prefix" toml:"topic_prefix"`
}

// SecurityConfig holds API access settings.
type SecurityConfig struct {
	Username       string   `json:"username" toml:"username"`
	Password       string   `json:"password" toml:"password"`
	AllowedOrigins []string `json:"allowed_origins" toml:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps" toml:"rate_limit_rps"`
	TLSEnabled     bool     `json:"tls_enabled" toml:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file" toml:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file" toml:"tls_key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level" toml:"level"`
	Directory  string `json:"directory" toml:"directory"`
	MaxSizeMB  int    `json:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" toml:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Rcon: RconConfig{
			Enabled:            true,
			Host:               "127.0.0.1",
			Port:               DefaultRconPort,
			AutoReconnect:      true,
			ReconnectAttempts:  100,
			VerifyChecksums:    true,
			RosterPollInterval: 60,
		},
		Backend: BackendConfig{
			APIPort:             DefaultAPIPort,
			PollIntervalMS:      2000,
			PlayerActiveMinutes: 5,
			BackendLogFile:      "logs",
		},
		Database: DatabaseConfig{
			Path:          "data/players.db",
			RetentionDays: 90,
			CleanupTime:   "04:00",
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Port:        1883,
			ClientID:    "reforgermon",
			TopicPrefix: "reforgermon",
		},
		Security: SecurityConfig{
			RateLimitRPS: 100,
			TLSCertFile:  "config/cert.pem",
			TLSKeyFile:   "config/key.pem",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
	}
}

// Load reads configuration from configDir. config.json is preferred; a
// config.toml is used when no JSON file exists. A default JSON file is
// created when neither is present.
func Load(configDir string) (*Config, error) {
	jsonPath := filepath.Join(configDir, DefaultConfigFile)
	tomlPath := filepath.Join(configDir, DefaultTOMLConfigFile)

	configPath := jsonPath
	if _, err := os.Stat(jsonPath); os.IsNotExist(err) {
		if _, err := os.Stat(tomlPath); err == nil {
			configPath = tomlPath
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := decode(configPath, data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so the file always lists every option known to this build.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func decode(path string, data []byte, cfg *Config) error {
	if isTOML(path) {
		return toml.Unmarshal(data, cfg)
	}
	return json.Unmarshal(data, cfg)
}

// Save writes the current configuration to disk in the format of its path.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isTOML(c.path) {
		data, err = toml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file holds passwords.
	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetRcon returns a copy of the RCON configuration.
func (c *Config) GetRcon() RconConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Rcon
}

// SetRcon updates the RCON configuration.
func (c *Config) SetRcon(rc RconConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Rcon = rc
}

// GetBackend returns a copy of the backend configuration.
func (c *Config) GetBackend() BackendConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Backend
}

// GetDatabase returns a copy of the database configuration.
func (c *Config) GetDatabase() DatabaseConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Database
}

// GetMQTT returns a copy of the MQTT configuration.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetSecurity returns a copy of the security configuration.
func (c *Config) GetSecurity() SecurityConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sec := c.Security
	sec.AllowedOrigins = append([]string(nil), c.Security.AllowedOrigins...)
	return sec
}

// GetLogging returns a copy of the logging configuration.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// Overrides carries values given on the command line. Nil fields are unset.
type Overrides struct {
	Host     *string
	Port     *int
	Password *string
	APIPort  *int
	LogLevel *string
	LogsDir  *string
}

// Apply copies every set override into the configuration. Overrides are not
// persisted unless Save is called afterwards.
func (c *Config) Apply(o Overrides) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if o.Host != nil {
		c.Rcon.Host = *o.Host
	}
	if o.Port != nil {
		c.Rcon.Port = *o.Port
	}
	if o.Password != nil {
		c.Rcon.Password = *o.Password
	}
	if o.APIPort != nil {
		c.Backend.APIPort = *o.APIPort
	}
	if o.LogLevel != nil {
		c.Logging.Level = *o.LogLevel
	}
	if o.LogsDir != nil {
		c.Backend.LogsDirectory = *o.LogsDir
	}
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// IsFirstRun returns true if the configuration needs initial setup.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Backend.LogsDirectory == "" || (c.Rcon.Enabled && c.Rcon.Password == "")
}
