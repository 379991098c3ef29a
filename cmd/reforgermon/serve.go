package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/reforgermon/reforgermon/internal/api"
	"github.com/reforgermon/reforgermon/internal/config"
	"github.com/reforgermon/reforgermon/internal/db"
	"github.com/reforgermon/reforgermon/internal/events"
	"github.com/reforgermon/reforgermon/internal/logtail"
	"github.com/reforgermon/reforgermon/internal/metrics"
	"github.com/reforgermon/reforgermon/internal/rcon"
	"github.com/reforgermon/reforgermon/internal/roster"
	"github.com/reforgermon/reforgermon/internal/scheduler"
	"github.com/reforgermon/reforgermon/internal/sysinfo"
	"github.com/reforgermon/reforgermon/internal/telemetry"
	"github.com/reforgermon/reforgermon/internal/util"
)

// rconRetryInterval spaces connect attempts made by the supervisor.
const rconRetryInterval = 5 * time.Second

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor: log tailing, RCON session, REST API and telemetry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, flags)
		},
	}
}

func runServe(cmd *cobra.Command, flags *globalFlags) error {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Initialize logger with defaults first (will be reconfigured after config load)
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return err
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting ReforgerMon")

	cfg, err := loadConfig(flags, cmd, true)
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		return err
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}

		if !cfg.IsFirstRun() {
			return errors.New("configuration validation failed, please fix the errors above")
		}
		log.Info().Msg("first run detected, launching setup wizard")
		if err := config.RunSetupWizard(cfg); err != nil {
			return fmt.Errorf("setup wizard: %w", err)
		}
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Str("local_ip", sysInfo.LocalIP).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()
	store := metrics.NewStore()
	collector := sysinfo.NewCollector()

	dbCfg := cfg.GetDatabase()
	players, err := db.OpenPlayerStore(dbCfg.Path)
	if err != nil {
		return fmt.Errorf("open player database: %w", err)
	}
	defer players.Close()

	backend := cfg.GetBackend()
	processor := logtail.NewProcessor(logtail.Options{
		Dir:          backend.LogsDirectory,
		FullScan:     backend.FullScan,
		PollInterval: time.Duration(backend.PollIntervalMS) * time.Millisecond,
	}, store)

	deps := api.Deps{
		Players: players,
		Console: processor,
		Host:    collector,
		Metrics: store,
	}

	rc := cfg.GetRcon()
	var (
		client *rcon.Client
		poller *roster.Poller
	)
	if rc.Enabled {
		client = rcon.NewClient(
			rcon.Credentials{Host: rc.Host, Port: rc.Port, Password: rc.Password},
			rcon.Options{
				AutoReconnect:      rc.AutoReconnect,
				ReconnectAttempts:  rc.ReconnectAttempts,
				SkipChecksumVerify: !rc.VerifyChecksums,
			},
			eventBus,
		)
		poller = roster.NewPoller(client, players, eventBus,
			time.Duration(rc.RosterPollInterval)*time.Second,
			time.Duration(backend.PlayerActiveMinutes)*time.Minute)
		deps.Rcon = client
		subscribeRconLogging(eventBus)
	}

	apiServer := api.NewServer(cfg, eventBus, deps)

	var mqttHandler *telemetry.MQTTHandler
	if cfg.GetMQTT().Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	sched := scheduler.NewScheduler(cfg, eventBus, players, store, collector)

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	// Console log tailing
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("dir", backend.LogsDirectory).Msg("starting console log processor")
		if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("console log processor stopped")
		}
	}()

	// REST API (with retry for port binding)
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", backend.APIPort).Msg("starting REST API server")
		if err := startWithRetry(ctx, "API server", apiServer.Start, 15); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("API server failed after retries")
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	// RCON session and player roster
	if client != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			superviseRcon(ctx, client, rc.AutoReconnect)
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			poller.Start(ctx)
		}()
	}

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting task scheduler")
		sched.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")

	cancel()

	if client != nil {
		if err := client.Disconnect(); err != nil && !errors.Is(err, rcon.ErrNotConnected) {
			log.Warn().Err(err).Msg("rcon disconnect failed")
		}
	}
	eventBus.Emit(ctx, events.Event{
		Type:   events.EventShutdown,
		Source: "main",
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	eventBus.Stop()
	log.Info().Msg("ReforgerMon stopped")
	return runErr
}

// superviseRcon keeps the session up. Connect is retried until the first
// login succeeds. After that the client's own auto-reconnect handles short
// outages and the supervisor only steps in once it gave up; without
// auto-reconnect a lost session stays down. A rejected password stops the
// supervisor for good.
func superviseRcon(ctx context.Context, client *rcon.Client, autoReconnect bool) {
	ticker := time.NewTicker(rconRetryInterval)
	defer ticker.Stop()

	established := false
	for {
		if client.State() == rcon.StateDisconnected {
			if established && !autoReconnect {
				log.Warn().Msg("rcon session ended and auto_reconnect is off")
				return
			}
			result, err := client.Connect(ctx)
			switch {
			case result == rcon.ConnectionSuccess:
				established = true
			case result == rcon.InvalidLogin:
				log.Error().Err(err).Msg("rcon login rejected, check rcon.password")
				return
			case errors.Is(err, rcon.ErrAlreadyConnected):
			default:
				log.Warn().Err(err).Dur("retry_in", rconRetryInterval).Msg("rcon connect failed")
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// subscribeRconLogging writes session transitions and server messages to the
// application log.
func subscribeRconLogging(eventBus *events.EventBus) {
	logger := util.ComponentLogger("rcon")

	eventBus.Subscribe(events.EventRconConnected, "log", func(ctx context.Context, e events.Event) error {
		p, _ := e.Payload.(events.RconConnectedPayload)
		logger.Info().Str("host", p.Host).Int("port", p.Port).Msg("rcon connected")
		return nil
	})
	eventBus.Subscribe(events.EventRconDisconnected, "log", func(ctx context.Context, e events.Event) error {
		p, _ := e.Payload.(events.RconDisconnectedPayload)
		logger.Warn().Str("reason", p.Reason).Int("dropped", p.Dropped).Msg("rcon disconnected")
		return nil
	})
	eventBus.Subscribe(events.EventRconMessage, "log", func(ctx context.Context, e events.Event) error {
		p, _ := e.Payload.(events.RconMessagePayload)
		if p.Notification {
			logger.Info().Str("text", p.Text).Msg("server message")
		}
		return nil
	})
}

// startWithRetry calls startFn up to maxRetries+1 times, pausing between
// bind failures.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
