package roster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/reforgermon/reforgermon/internal/db"
	"github.com/reforgermon/reforgermon/internal/events"
)

// PlayersCommand is the RCON command that lists connected players.
const PlayersCommand = "players"

// Submitter sends an RCON command and returns its sequence number.
type Submitter interface {
	Submit(text string) (int, error)
}

// Recorder persists player sightings.
type Recorder interface {
	UpsertSeen(s db.Sighting, now time.Time, activeWindow time.Duration) error
}

// Poller issues the players command on an interval and records the reply.
type Poller struct {
	client       Submitter
	store        Recorder
	bus          *events.EventBus
	interval     time.Duration
	activeWindow time.Duration
	logger       zerolog.Logger
	now          func() time.Time

	mu      sync.Mutex
	pending map[int]time.Time
	last    []PlayerInfo
	lastAt  time.Time
}

// NewPoller creates a poller. store may be nil to only track the latest list.
// It subscribes to RCON events right away, so a login that happens before
// Start still triggers a poll.
func NewPoller(client Submitter, store Recorder, bus *events.EventBus, interval, activeWindow time.Duration) *Poller {
	p := &Poller{
		client:       client,
		store:        store,
		bus:          bus,
		interval:     interval,
		activeWindow: activeWindow,
		logger:       log.With().Str("component", "roster").Logger(),
		now:          time.Now,
		pending:      make(map[int]time.Time),
	}

	bus.Subscribe(events.EventRconMessage, "roster", p.handleMessage)
	bus.Subscribe(events.EventRconConnected, "roster", func(ctx context.Context, e events.Event) error {
		p.Poll()
		return nil
	})
	return p
}

// Start polls on the configured interval until ctx is cancelled. A poll is
// also sent right after every successful login.
func (p *Poller) Start(ctx context.Context) {
	if p.interval <= 0 {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll()
		}
	}
}

// Poll submits the players command. Failures are logged; a disconnected
// client simply skips this round.
func (p *Poller) Poll() {
	seq, err := p.client.Submit(PlayersCommand)
	if err != nil {
		p.logger.Debug().Err(err).Msg("player poll skipped")
		return
	}

	p.mu.Lock()
	now := p.now()
	p.pending[seq] = now
	// A reply that never came must not pin a recycled sequence number.
	for id, sent := range p.pending {
		if now.Sub(sent) > time.Minute {
			delete(p.pending, id)
		}
	}
	p.mu.Unlock()
}

// Players returns the most recent player list and when it was received.
func (p *Poller) Players() ([]PlayerInfo, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PlayerInfo(nil), p.last...), p.lastAt
}

func (p *Poller) handleMessage(ctx context.Context, e events.Event) error {
	payload, ok := e.Payload.(events.RconMessagePayload)
	if !ok || payload.Notification {
		return nil
	}

	p.mu.Lock()
	_, ours := p.pending[payload.ID]
	delete(p.pending, payload.ID)
	p.mu.Unlock()

	// Lists requested from a console are recorded too.
	if !ours && !IsPlayerList(payload.Text) {
		return nil
	}

	return p.Record(ctx, payload.Text)
}

// Record parses a players response, stores every row and announces the
// updated roster.
func (p *Poller) Record(ctx context.Context, text string) error {
	players, total := ParsePlayers(text)
	now := p.now()

	var firstErr error
	if p.store != nil {
		for _, pl := range players {
			err := p.store.UpsertSeen(db.Sighting{
				Name:         pl.Name,
				PlayerNumber: pl.Number,
				IPAddress:    pl.IP,
				BEGUID:       pl.GUID,
			}, now, p.activeWindow)
			if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("record player %q: %w", pl.Name, err)
			}
		}
	}

	p.mu.Lock()
	p.last = players
	p.lastAt = now
	p.mu.Unlock()

	p.logger.Debug().Int("players", len(players)).Int("total", total).Msg("roster updated")

	p.bus.Emit(ctx, events.Event{
		Type:    events.EventRosterUpdated,
		Source:  "roster",
		Payload: events.RosterUpdatedPayload{Count: total, Players: players},
	})

	if firstErr != nil {
		p.logger.Error().Err(firstErr).Msg("failed to persist roster")
	}
	return firstErr
}
