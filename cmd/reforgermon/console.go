package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/reforgermon/reforgermon/internal/cli"
	"github.com/reforgermon/reforgermon/internal/events"
	"github.com/reforgermon/reforgermon/internal/rcon"
)

type consoleFlags struct {
	backend         string
	backendUser     string
	backendPassword string
}

func newConsoleCmd(flags *globalFlags) *cobra.Command {
	cf := &consoleFlags{}

	cmd := &cobra.Command{
		Use:   "console",
		Short: "Open an interactive RCON console against the game server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsole(cmd, flags, cf)
		},
	}

	cmd.Flags().StringVar(&cf.backend, "backend", "", "monitor API base URL for the metrics verb (default http://127.0.0.1:<api_port>)")
	cmd.Flags().StringVar(&cf.backendUser, "backend-user", "", "monitor API username (default security.username)")
	cmd.Flags().StringVar(&cf.backendPassword, "backend-password", "", "monitor API password (default security.password)")
	return cmd
}

func runConsole(cmd *cobra.Command, flags *globalFlags, cf *consoleFlags) error {
	// Log to file only so output does not interleave with the prompt.
	cfg, err := loadConfig(flags, cmd, false)
	if err != nil {
		return err
	}

	rc := cfg.GetRcon()
	if rc.Password == "" {
		return fmt.Errorf("rcon password not set: use --password or rcon.password in %s", cfg.Path())
	}

	sec := cfg.GetSecurity()
	baseURL := cf.backend
	if baseURL == "" {
		scheme := "http"
		if sec.TLSEnabled {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://127.0.0.1:%d", scheme, cfg.GetBackend().APIPort)
	}
	user, pass := cf.backendUser, cf.backendPassword
	if user == "" {
		user, pass = sec.Username, sec.Password
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventBus := events.NewEventBus()
	defer eventBus.Stop()

	client := rcon.NewClient(
		rcon.Credentials{Host: rc.Host, Port: rc.Port, Password: rc.Password},
		rcon.Options{
			AutoReconnect:      rc.AutoReconnect,
			ReconnectAttempts:  rc.ReconnectAttempts,
			SkipChecksumVerify: !rc.VerifyChecksums,
		},
		eventBus,
	)

	console := cli.NewConsole(client, eventBus, cli.NewBackendClient(baseURL, user, pass), os.Stdin, os.Stdout)
	return console.Run(ctx)
}
