package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// PlayerStore records every player seen on the server.
type PlayerStore struct {
	db *Database
}

// Player is one row of the player database.
type Player struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Identity     string    `json:"identity"`
	PlayerNumber int       `json:"player_number"`
	IPAddress    string    `json:"ip_address"`
	GUID         string    `json:"guid"`
	BEGUID       string    `json:"be_guid"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	// TotalSessions counts visits separated by more than the active window.
	TotalSessions int `json:"total_sessions"`
	// TotalSessionSeconds is the summed time between consecutive sightings
	// within a session.
	TotalSessionSeconds int64 `json:"total_session_seconds"`
}

// Sighting is a player observed in one roster poll.
type Sighting struct {
	Name         string
	PlayerNumber int
	IPAddress    string
	GUID         string
	BEGUID       string
}

// Identity returns the key a sighting is stored under: the BattlEye GUID
// when known, else the game GUID, else the name.
func (s Sighting) Identity() string {
	switch {
	case s.BEGUID != "":
		return s.BEGUID
	case s.GUID != "":
		return s.GUID
	default:
		return "name:" + strings.ToLower(s.Name)
	}
}

// OpenPlayerStore opens the database at dbPath and migrates its schema.
func OpenPlayerStore(dbPath string) (*PlayerStore, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	ps := &PlayerStore{db: database}
	if err := ps.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate player database: %w", err)
	}
	return ps, nil
}

// Close closes the underlying database.
func (ps *PlayerStore) Close() error {
	return ps.db.Close()
}

// Size reports the database size on disk.
func (ps *PlayerStore) Size() int64 {
	return ps.db.Size()
}

func (ps *PlayerStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS players (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL DEFAULT '',
			identity TEXT UNIQUE NOT NULL,
			player_number INTEGER NOT NULL DEFAULT 0,
			ip_address TEXT NOT NULL DEFAULT '',
			guid TEXT NOT NULL DEFAULT '',
			be_guid TEXT NOT NULL DEFAULT '',
			first_seen INTEGER NOT NULL,
			last_seen INTEGER NOT NULL,
			total_sessions INTEGER NOT NULL DEFAULT 1,
			total_session_seconds INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_players_last_seen ON players(last_seen);
	`

	if _, err := ps.db.Exec(schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	log.Debug().Msg("database schema migrated")
	return nil
}

// UpsertSeen records a sighting at now. A player whose last sighting is older
// than activeWindow starts a new session; otherwise the gap is added to the
// session time.
func (ps *PlayerStore) UpsertSeen(s Sighting, now time.Time, activeWindow time.Duration) error {
	identity := s.Identity()
	ts := now.Unix()

	return ps.db.Transaction(func(tx *sql.Tx) error {
		var (
			id       int64
			lastSeen int64
		)
		err := tx.QueryRow("SELECT id, last_seen FROM players WHERE identity = ?", identity).
			Scan(&id, &lastSeen)
		if errors.Is(err, sql.ErrNoRows) {
			_, err = tx.Exec(`
				INSERT INTO players (name, identity, player_number, ip_address, guid, be_guid,
					first_seen, last_seen, total_sessions, total_session_seconds)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, 0)`,
				s.Name, identity, s.PlayerNumber, s.IPAddress, s.GUID, s.BEGUID, ts, ts)
			if err != nil {
				return fmt.Errorf("failed to insert player %q: %w", s.Name, err)
			}
			log.Info().Str("name", s.Name).Str("identity", identity).Msg("new player recorded")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to look up player %q: %w", s.Name, err)
		}

		gap := ts - lastSeen
		newSession, addSeconds := 0, int64(0)
		switch {
		case gap < 0:
			// Clock went backwards; keep last_seen monotonic.
			ts = lastSeen
		case time.Duration(gap)*time.Second > activeWindow:
			newSession = 1
		default:
			addSeconds = gap
		}

		_, err = tx.Exec(`
			UPDATE players SET
				name = ?, player_number = ?, ip_address = ?,
				guid = CASE WHEN ? <> '' THEN ? ELSE guid END,
				be_guid = CASE WHEN ? <> '' THEN ? ELSE be_guid END,
				last_seen = ?,
				total_sessions = total_sessions + ?,
				total_session_seconds = total_session_seconds + ?
			WHERE id = ?`,
			s.Name, s.PlayerNumber, s.IPAddress,
			s.GUID, s.GUID, s.BEGUID, s.BEGUID,
			ts, newSession, addSeconds, id)
		if err != nil {
			return fmt.Errorf("failed to update player %q: %w", s.Name, err)
		}
		return nil
	})
}

const selectPlayers = `
	SELECT id, name, identity, player_number, ip_address, guid, be_guid,
		first_seen, last_seen, total_sessions, total_session_seconds
	FROM players`

// Active returns players seen at or after since, most recent first.
func (ps *PlayerStore) Active(since time.Time) ([]Player, error) {
	return ps.query(selectPlayers+" WHERE last_seen >= ? ORDER BY last_seen DESC, name", since.Unix())
}

// All returns every recorded player, most recent first.
func (ps *PlayerStore) All() ([]Player, error) {
	return ps.query(selectPlayers + " ORDER BY last_seen DESC, name")
}

// CountActive returns how many players were seen at or after since.
func (ps *PlayerStore) CountActive(since time.Time) (int, error) {
	var n int
	err := ps.db.QueryRow("SELECT COUNT(*) FROM players WHERE last_seen >= ?", since.Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active players: %w", err)
	}
	return n, nil
}

// PruneOlderThan deletes players not seen since cutoff and returns how many
// were removed.
func (ps *PlayerStore) PruneOlderThan(cutoff time.Time) (int64, error) {
	res, err := ps.db.Exec("DELETE FROM players WHERE last_seen < ?", cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune players: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (ps *PlayerStore) query(query string, args ...interface{}) ([]Player, error) {
	rows, err := ps.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query players: %w", err)
	}
	defer rows.Close()

	players := make([]Player, 0)
	for rows.Next() {
		var (
			p                   Player
			firstSeen, lastSeen int64
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Identity, &p.PlayerNumber, &p.IPAddress,
			&p.GUID, &p.BEGUID, &firstSeen, &lastSeen, &p.TotalSessions, &p.TotalSessionSeconds); err != nil {
			return nil, fmt.Errorf("scan player: %w", err)
		}
		p.FirstSeen = time.Unix(firstSeen, 0).UTC()
		p.LastSeen = time.Unix(lastSeen, 0).UTC()
		players = append(players, p)
	}
	return players, rows.Err()
}
