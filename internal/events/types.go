// Package events defines event types and payloads for the ReforgerMon event system.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// RCON session events
	EventRconConnected    EventType = "rcon_connected"
	EventRconDisconnected EventType = "rcon_disconnected"
	EventRconMessage      EventType = "rcon_message"

	// Monitoring events
	EventMetricsSnapshot EventType = "metrics_snapshot"
	EventRosterUpdated   EventType = "roster_updated"

	// System events
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// RconConnectedPayload is emitted once a login handshake has completed.
type RconConnectedPayload struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Result string `json:"result"`
}

// RconDisconnectedPayload is emitted when a session ends.
// Dropped counts commands still unacknowledged at teardown.
type RconDisconnectedPayload struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Reason  string `json:"reason"`
	Dropped int    `json:"dropped"`
}

// RconMessagePayload carries a complete command reply or server message.
// ID is the originating sequence number (0-255) of a command reply, or
// ServerMessageID for messages initiated by the server.
type RconMessagePayload struct {
	Text         string    `json:"text"`
	ID           int       `json:"id"`
	Notification bool      `json:"notification"`
	ReceivedAt   time.Time `json:"received_at"`
}

// ServerMessageID is the ID attached to server-initiated messages.
const ServerMessageID = 256

// MetricsSnapshotPayload is a periodic snapshot of game and host metrics.
type MetricsSnapshotPayload struct {
	Game interface{} `json:"game"`
	Host interface{} `json:"host,omitempty"`
}

// RosterUpdatedPayload is emitted after a player list has been parsed.
type RosterUpdatedPayload struct {
	Count   int         `json:"count"`
	Players interface{} `json:"players"`
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string
	Key     string
	Value   interface{}
}
