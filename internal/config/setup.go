package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// RunSetupWizard guides the user through first-time configuration.
func RunSetupWizard(cfg *Config) error {
	return runSetupWizard(cfg, bufio.NewReader(os.Stdin), os.Stdout)
}

func runSetupWizard(cfg *Config, reader *bufio.Reader, out io.Writer) error {
	fmt.Fprintln(out, "╔══════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║        ReforgerMon - First Run Setup         ║")
	fmt.Fprintln(out, "╠══════════════════════════════════════════════╣")
	fmt.Fprintln(out, "║  Point the monitor at your server.           ║")
	fmt.Fprintln(out, "╚══════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	cfg.mu.Lock()

	fmt.Fprintln(out, "── Server Logs ──")
	cfg.Backend.LogsDirectory = promptString(reader, out, "Server profile logs directory", defaultLogsDir(cfg.Backend.LogsDirectory))
	cfg.Backend.FullScan = promptBool(reader, out, "Scan existing console logs on startup", cfg.Backend.FullScan)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── BattlEye RCON ──")
	cfg.Rcon.Enabled = promptBool(reader, out, "Enable RCON", cfg.Rcon.Enabled)
	if cfg.Rcon.Enabled {
		cfg.Rcon.Host = promptString(reader, out, "RCON host", cfg.Rcon.Host)
		cfg.Rcon.Port = promptInt(reader, out, "RCON port", cfg.Rcon.Port)
		cfg.Rcon.Password = promptPassword(reader, out, "RCON password")
		cfg.Rcon.AutoReconnect = promptBool(reader, out, "Reconnect automatically", cfg.Rcon.AutoReconnect)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── REST API ──")
	cfg.Backend.APIPort = promptInt(reader, out, "REST API port", cfg.Backend.APIPort)
	cfg.Security.Username = promptString(reader, out, "API username (blank disables auth)", cfg.Security.Username)
	if cfg.Security.Username != "" {
		cfg.Security.Password = promptPassword(reader, out, "API password")
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── MQTT Telemetry ──")
	cfg.MQTT.Enabled = promptBool(reader, out, "Enable MQTT telemetry", cfg.MQTT.Enabled)
	if cfg.MQTT.Enabled {
		cfg.MQTT.BrokerURL = promptString(reader, out, "MQTT broker host", cfg.MQTT.BrokerURL)
		cfg.MQTT.Port = promptInt(reader, out, "MQTT broker port", cfg.MQTT.Port)
	}

	cfg.mu.Unlock()

	// Validate before saving
	result := Validate(cfg)
	if !result.IsValid() {
		fmt.Fprintln(out, "\n⚠ Configuration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		retry := promptString(reader, out, "Would you like to try again? (yes/no)", "yes")
		if strings.ToLower(retry) == "yes" {
			return runSetupWizard(cfg, reader, out)
		}
		return fmt.Errorf("configuration validation failed")
	}

	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "✓ Configuration saved successfully!")
	fmt.Fprintln(out)

	return nil
}

func promptString(reader *bufio.Reader, out io.Writer, prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(out, "  %s: ", prompt)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func promptPassword(reader *bufio.Reader, out io.Writer, prompt string) string {
	fmt.Fprintf(out, "  %s: ", prompt)
	input, _ := reader.ReadString('\n')
	return strings.TrimSpace(input)
}

func promptInt(reader *bufio.Reader, out io.Writer, prompt string, defaultVal int) int {
	fmt.Fprintf(out, "  %s [%d]: ", prompt, defaultVal)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func promptBool(reader *bufio.Reader, out io.Writer, prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultStr)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(strings.ToLower(input))

	if input == "" {
		return defaultVal
	}

	return input == "yes" || input == "y" || input == "true" || input == "1"
}

func defaultLogsDir(current string) string {
	if current != "" {
		return current
	}
	if runtime.GOOS == "windows" {
		return `C:\ArmaReforgerServer\profile\logs`
	}
	return "/home/steam/arma-reforger/profile/logs"
}
