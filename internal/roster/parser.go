// Package roster parses the BattlEye player list and keeps the player
// database current by polling it over RCON.
package roster

import (
	"regexp"
	"strconv"
	"strings"
)

// PlayerInfo is one row of the players command response.
type PlayerInfo struct {
	Number   int    `json:"number"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Ping     int    `json:"ping"`
	GUID     string `json:"guid"`
	Verified bool   `json:"verified"`
	Name     string `json:"name"`
	Lobby    bool   `json:"lobby"`
}

// The response looks like:
//
//	Players on server:
//	[#] [IP Address]:[Port] [Ping] [GUID] [Name]
//	--------------------------------------------------
//	0   192.168.1.20:2304     31   1f3870be274f6c49b3e31a0c6728957f(OK) Alice
//	1   10.0.0.7:2304         -1   -  Bob (Lobby)
//	(2 players in total)
var (
	reHeader = regexp.MustCompile(`(?i)^\[#\]\s+\[IP Address\]`)
	reRow    = regexp.MustCompile(`^(\d+)\s+([0-9a-fA-F.:\[\]]+):(\d+)\s+(-?\d+)\s+([0-9a-fA-F]{32}|-)(?:\((OK|\?)\))?\s+(.*)$`)
	reFooter = regexp.MustCompile(`^\((\d+) players? in total\)$`)
)

const lobbySuffix = " (Lobby)"

// IsPlayerList reports whether text is a players command response.
func IsPlayerList(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		if reHeader.MatchString(strings.TrimSpace(line)) {
			return true
		}
	}
	return false
}

// ParsePlayers extracts the rows of a players response. total is the count
// from the footer, or the number of rows when the footer is missing.
// Unrecognised lines are skipped.
func ParsePlayers(text string) (players []PlayerInfo, total int) {
	players = make([]PlayerInfo, 0)
	total = -1

	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if m := reFooter.FindStringSubmatch(line); m != nil {
			total, _ = strconv.Atoi(m[1])
			continue
		}
		m := reRow.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		p := PlayerInfo{IP: m[2], Name: strings.TrimSpace(m[7])}
		p.Number, _ = strconv.Atoi(m[1])
		p.Port, _ = strconv.Atoi(m[3])
		p.Ping, _ = strconv.Atoi(m[4])
		if m[5] != "-" {
			p.GUID = strings.ToLower(m[5])
		}
		p.Verified = m[6] == "OK"
		if strings.HasSuffix(p.Name, lobbySuffix) {
			p.Lobby = true
			p.Name = strings.TrimSpace(strings.TrimSuffix(p.Name, lobbySuffix))
		}
		players = append(players, p)
	}

	if total < 0 {
		total = len(players)
	}
	return players, total
}
