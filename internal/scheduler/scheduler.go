// Package scheduler runs ReforgerMon's background tasks: the daily player
// database cleanup and periodic metric snapshots for telemetry.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/reforgermon/reforgermon/internal/config"
	"github.com/reforgermon/reforgermon/internal/events"
	"github.com/reforgermon/reforgermon/internal/metrics"
	"github.com/reforgermon/reforgermon/internal/sysinfo"
)

// DefaultSnapshotInterval is how often metric snapshots are published.
const DefaultSnapshotInterval = 30 * time.Second

// Pruner deletes players not seen since a cutoff.
type Pruner interface {
	PruneOlderThan(cutoff time.Time) (int64, error)
}

// sizer is implemented by stores that can report their size on disk.
type sizer interface {
	Size() int64
}

// HostCollector samples host usage for snapshots.
type HostCollector interface {
	Collect(ctx context.Context) (sysinfo.OSData, error)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg      *config.Config
	eventBus *events.EventBus
	players  Pruner
	store    *metrics.Store
	host     HostCollector

	snapshotInterval time.Duration
	now              func() time.Time
}

// NewScheduler creates a new task scheduler. host may be nil.
func NewScheduler(cfg *config.Config, eventBus *events.EventBus, players Pruner, store *metrics.Store, host HostCollector) *Scheduler {
	return &Scheduler{
		cfg:              cfg,
		eventBus:         eventBus,
		players:          players,
		store:            store,
		host:             host,
		snapshotInterval: DefaultSnapshotInterval,
		now:              time.Now,
	}
}

// Start begins running all scheduled tasks and blocks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	if s.players != nil {
		go s.runCleanupLoop(ctx)
	}
	if s.store != nil {
		go s.runSnapshotLoop(ctx)
	}

	// Block until context is cancelled
	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

// runCleanupLoop prunes the player database at the configured time daily.
func (s *Scheduler) runCleanupLoop(ctx context.Context) {
	for {
		now := s.now()
		nextRun := calculateNextCleanupTime(s.cfg.GetDatabase().CleanupTime, now)
		sleepDuration := nextRun.Sub(now)

		if sleepDuration <= 0 {
			sleepDuration = 24 * time.Hour
		}

		log.Info().
			Time("next_run", nextRun).
			Dur("sleep", sleepDuration).
			Msg("player cleanup scheduled")

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleepDuration):
			s.runCleanup()
		}
	}
}

// runCleanup removes players not seen within the retention period.
func (s *Scheduler) runCleanup() {
	dbCfg := s.cfg.GetDatabase()
	cutoff := s.now().AddDate(0, 0, -dbCfg.RetentionDays)

	log.Info().
		Int("retention_days", dbCfg.RetentionDays).
		Time("cutoff", cutoff).
		Msg("running player cleanup")

	removed, err := s.players.PruneOlderThan(cutoff)
	if err != nil {
		log.Error().Err(err).Msg("player cleanup failed")
		return
	}

	ev := log.Info().Int64("removed_players", removed)
	if sz, ok := s.players.(sizer); ok {
		ev = ev.Str("database_size", formatBytes(sz.Size()))
	}
	ev.Msg("player cleanup completed")
}

// runSnapshotLoop publishes metric snapshots on the event bus.
func (s *Scheduler) runSnapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(s.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishSnapshot(ctx)
		}
	}
}

// publishSnapshot emits the current game and host metrics.
func (s *Scheduler) publishSnapshot(ctx context.Context) {
	payload := events.MetricsSnapshotPayload{Game: s.store.Snapshot()}
	if s.host != nil {
		data, err := s.host.Collect(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("host metrics incomplete")
		}
		payload.Host = data
	}

	s.eventBus.Emit(ctx, events.Event{
		Type:    events.EventMetricsSnapshot,
		Source:  "scheduler",
		Payload: payload,
	})
}

// calculateNextCleanupTime returns the next occurrence of the HH:MM clock
// time after now, defaulting to 04:00.
func calculateNextCleanupTime(cleanupTime string, now time.Time) time.Time {
	parts := strings.Split(cleanupTime, ":")

	hour, minute := 4, 0 // Default: 4:00 AM
	if len(parts) >= 2 {
		fmt.Sscanf(parts[0], "%d", &hour)
		fmt.Sscanf(parts[1], "%d", &minute)
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())

	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}

	return next
}

// formatBytes formats bytes into human-readable format.
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
