package config

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	result := &ValidationResult{}

	validateRcon(&cfg.Rcon, result)
	validateBackend(&cfg.Backend, result)
	validateDatabase(&cfg.Database, result)
	validateMQTT(&cfg.MQTT, result)
	validateSecurity(&cfg.Security, result)
	validateLogging(&cfg.Logging, result)

	if cfg.Rcon.Enabled && cfg.Rcon.Port == cfg.Backend.APIPort && isLoopback(cfg.Rcon.Host) {
		result.AddWarning("rcon.port", "RCON and API share a port number on the same host")
	}

	return result
}

func validateRcon(rc *RconConfig, result *ValidationResult) {
	if !rc.Enabled {
		return
	}

	if strings.TrimSpace(rc.Host) == "" {
		result.AddError("rcon.host", "RCON host is required when RCON is enabled")
	}
	validatePort(rc.Port, "rcon.port", result)

	if rc.Password == "" {
		result.AddError("rcon.password", "RCON password is required when RCON is enabled")
	}
	if rc.ReconnectAttempts < 1 {
		result.AddError("rcon.reconnect_attempts", "must allow at least 1 reconnect attempt")
	}
	if !rc.VerifyChecksums {
		result.AddWarning("rcon.verify_checksums", "inbound frames are accepted without checksum verification")
	}
	if rc.RosterPollInterval > 0 && rc.RosterPollInterval < 5 {
		result.AddWarning("rcon.roster_poll_interval_sec",
			"polling the player list more often than every 5s adds needless RCON traffic")
	}
}

func validateBackend(b *BackendConfig, result *ValidationResult) {
	validatePort(b.APIPort, "backend.api_port", result)

	if strings.TrimSpace(b.LogsDirectory) == "" {
		result.AddError("backend.logs_directory", "server logs directory is required")
	} else if _, err := os.Stat(b.LogsDirectory); os.IsNotExist(err) {
		result.AddWarning("backend.logs_directory",
			fmt.Sprintf("directory does not exist: %s", b.LogsDirectory))
	}

	if b.PollIntervalMS < 100 {
		result.AddError("backend.poll_interval_ms", "poll interval must be at least 100ms")
	}
	if b.PlayerActiveMinutes < 1 {
		result.AddError("backend.player_active_minutes", "active window must be at least 1 minute")
	}
}

func validateDatabase(d *DatabaseConfig, result *ValidationResult) {
	if strings.TrimSpace(d.Path) == "" {
		result.AddError("database.path", "database path is required")
	}
	if d.RetentionDays < 1 {
		result.AddError("database.retention_days", "retention days must be at least 1")
	}
	if !isClockTime(d.CleanupTime) {
		result.AddError("database.cleanup_time",
			fmt.Sprintf("invalid cleanup time %q (expected HH:MM)", d.CleanupTime))
	}
}

func validateMQTT(m *MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
	if strings.TrimSpace(m.TopicPrefix) == "" {
		result.AddError("mqtt.topic_prefix", "MQTT topic prefix is required when enabled")
	}
}

func validateSecurity(s *SecurityConfig, result *ValidationResult) {
	if s.TLSEnabled {
		if strings.TrimSpace(s.TLSCertFile) == "" {
			result.AddError("security.tls_cert_file",
				"TLS certificate file is required when TLS is enabled")
		}
		if strings.TrimSpace(s.TLSKeyFile) == "" {
			result.AddError("security.tls_key_file",
				"TLS key file is required when TLS is enabled")
		}
	}

	if (s.Username == "") != (s.Password == "") {
		result.AddError("security.username", "username and password must be set together")
	}
	if s.Username == "" {
		result.AddWarning("security.username", "API authentication is disabled")
	}

	if s.RateLimitRPS < 1 {
		result.AddWarning("security.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
}

func validateLogging(l *LoggingConfig, result *ValidationResult) {
	if _, err := zerolog.ParseLevel(l.Level); err != nil {
		result.AddError("logging.level", fmt.Sprintf("unknown log level %q", l.Level))
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

func isClockTime(s string) bool {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return false
	}
	return len(s) == 5 && h >= 0 && h < 24 && m >= 0 && m < 60
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
