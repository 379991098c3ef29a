// ReforgerMon - Arma Reforger server monitor & BattlEye RCON client.
//
// ReforgerMon follows the game server's console log for performance figures,
// keeps a BattlEye RCON session open to track players, exposes everything
// over a REST API and optionally publishes telemetry via MQTT.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/reforgermon/reforgermon/internal/config"
	"github.com/reforgermon/reforgermon/internal/util"
)

const (
	AppName    = "ReforgerMon"
	AppVersion = "1.0.0"
	Banner     = `
  ____       __                           __  __             
 |  _ \ ___ / _| ___  _ __ __ _  ___ _ __|  \/  | ___  _ __  
 | |_) / _ \ |_ / _ \| '__/ _' |/ _ \ '__| |\/| |/ _ \| '_ \ 
 |  _ <  __/  _| (_) | | | (_| |  __/ |  | |  | | (_) | | | |
 |_| \_\___|_|  \___/|_|  \__, |\___|_|  |_|  |_|\___/|_| |_|
                          |___/  v%s
 Arma Reforger Server Monitor & RCON
`
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configDir string
	host      string
	port      int
	password  string
	apiPort   int
	logLevel  string
	logsDir   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "reforgermon",
		Short:         "Arma Reforger server monitor and BattlEye RCON client",
		Version:       fmt.Sprintf("%s %s/%s", AppVersion, runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configDir, "config-dir", config.DefaultConfigDir, "directory holding config.json or config.toml")
	pf.StringVar(&flags.host, "host", "", "RCON host (overrides rcon.host)")
	pf.IntVar(&flags.port, "port", 0, "RCON port (overrides rcon.port)")
	pf.StringVar(&flags.password, "password", "", "RCON password (overrides rcon.password)")
	pf.IntVar(&flags.apiPort, "api-port", 0, "REST API port (overrides backend.api_port)")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&flags.logsDir, "logs-dir", "", "game server logs directory (overrides backend.logs_directory)")

	serve := newServeCmd(flags)
	root.AddCommand(serve, newConsoleCmd(flags))

	// Running without a subcommand serves.
	root.RunE = serve.RunE

	return root
}

// overrides collects the flags set explicitly on the command line.
func (f *globalFlags) overrides(fs *pflag.FlagSet) config.Overrides {
	var o config.Overrides
	fs.Visit(func(fl *pflag.Flag) {
		switch fl.Name {
		case "host":
			o.Host = &f.host
		case "port":
			o.Port = &f.port
		case "password":
			o.Password = &f.password
		case "api-port":
			o.APIPort = &f.apiPort
		case "log-level":
			o.LogLevel = &f.logLevel
		case "logs-dir":
			o.LogsDir = &f.logsDir
		}
	})
	return o
}

// loadConfig reads the configuration, applies command line overrides and
// reconfigures the logger from it.
func loadConfig(f *globalFlags, cmd *cobra.Command, console bool) (*config.Config, error) {
	cfg, err := config.Load(f.configDir)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	cfg.Apply(f.overrides(cmd.Flags()))

	logging := cfg.GetLogging()
	logCfg := util.LogConfig{
		Level:      logging.Level,
		Directory:  logging.Directory,
		MaxSizeMB:  logging.MaxSizeMB,
		MaxBackups: logging.MaxBackups,
		Console:    console,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}
	return cfg, nil
}
