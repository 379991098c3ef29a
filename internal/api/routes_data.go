package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/reforgermon/reforgermon/internal/logtail"
)

const (
	rawDataLines     = 100
	backendLogLines  = 200
	noBackendLogs    = "Logs: None so far"
	noConsoleEntries = "No console log entries parsed yet."
)

// handlePlayers returns players seen within the active window. The window
// defaults to backend.player_active_minutes and may be set with ?minutes=.
func (s *Server) handlePlayers(c *gin.Context) {
	minutes := s.cfg.GetBackend().PlayerActiveMinutes
	if v := c.Query("minutes"); v != "" {
		m, err := strconv.Atoi(v)
		if err != nil || m < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "minutes must be a positive integer"})
			return
		}
		minutes = m
	}

	players, err := s.deps.Players.Active(s.now().Add(-time.Duration(minutes) * time.Minute))
	if err != nil {
		log.Error().Err(err).Msg("failed to query active players")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query players"})
		return
	}
	c.JSON(http.StatusOK, players)
}

// handlePlayerDatabase returns every recorded player.
func (s *Server) handlePlayerDatabase(c *gin.Context) {
	players, err := s.deps.Players.All()
	if err != nil {
		log.Error().Err(err).Msg("failed to query player database")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query players"})
		return
	}
	c.JSON(http.StatusOK, players)
}

// handleRawData returns the tail of the newest console.log.
func (s *Server) handleRawData(c *gin.Context) {
	lines, err := s.deps.Console.LastLines(rawDataLines)
	if err != nil {
		if errors.Is(err, logtail.ErrNoConsoleLog) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no console log found"})
			return
		}
		log.Error().Err(err).Msg("failed to read console log")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read console log"})
		return
	}
	c.JSON(http.StatusOK, lines)
}

// handleBackendLogs returns recent entries from this process's own log.
func (s *Server) handleBackendLogs(c *gin.Context) {
	count := backendLogLines
	if v := c.Query("count"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			count = n
		}
	}

	path := s.cfg.GetBackend().BackendLogFile
	if path == "" {
		path = s.cfg.GetLogging().Directory
	}

	entries, err := readRecentLogEntries(path, count)
	if err != nil && !os.IsNotExist(err) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(entries) == 0 {
		entries = []logEntry{{Message: noBackendLogs}}
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleConsoleLogStats returns the latest parsed performance line and the
// tailing progress.
func (s *Server) handleConsoleLogStats(c *gin.Context) {
	snapshot := s.deps.Metrics.Snapshot()
	lastLine := snapshot.LastLine
	if lastLine == "" {
		lastLine = noConsoleEntries
	}

	c.JSON(http.StatusOK, gin.H{
		"last_line": lastLine,
		"metrics":   snapshot,
		"tail":      s.deps.Console.Stats(),
	})
}

// handleOSMetrics returns host usage merged with the game figures.
func (s *Server) handleOSMetrics(c *gin.Context) {
	data, err := s.deps.Host.Collect(c.Request.Context())
	if err != nil {
		log.Warn().Err(err).Msg("host metrics incomplete")
	}

	window := time.Duration(s.cfg.GetBackend().PlayerActiveMinutes) * time.Minute
	active, err := s.deps.Players.CountActive(s.now().Add(-window))
	if err != nil {
		log.Warn().Err(err).Msg("failed to count active players")
	}

	c.JSON(http.StatusOK, data.WithGame(s.deps.Metrics.Snapshot(), active))
}

// logEntry is a parsed log entry for the API response.
type logEntry struct {
	Timestamp string                 `json:"timestamp,omitempty"`
	Level     string                 `json:"level,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// readRecentLogEntries reads the last count entries of a log file. When path
// is a directory the newest .log file in it is used. Zerolog writes JSON
// lines; anything else is returned as a plain message.
func readRecentLogEntries(path string, count int) ([]logEntry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	latestFile := path
	if info.IsDir() {
		dirEntries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}

		// Dated file names sort chronologically.
		latestFile = ""
		for i := len(dirEntries) - 1; i >= 0; i-- {
			if !dirEntries[i].IsDir() && filepath.Ext(dirEntries[i].Name()) == ".log" {
				latestFile = filepath.Join(path, dirEntries[i].Name())
				break
			}
		}
		if latestFile == "" {
			return []logEntry{}, nil
		}
	}

	data, err := os.ReadFile(latestFile)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(string(data), "\n")

	// Take last N lines
	start := len(lines) - count
	if start < 0 {
		start = 0
	}

	// Known zerolog internal fields to exclude from "fields"
	knownKeys := map[string]bool{
		"level": true, "time": true, "message": true,
		"caller": true, "app": true,
	}

	result := make([]logEntry, 0, count)
	for _, line := range lines[start:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			result = append(result, logEntry{Message: line})
			continue
		}

		entry := logEntry{
			Level:   stringFromMap(raw, "level"),
			Message: stringFromMap(raw, "message"),
		}
		if t, ok := raw["time"]; ok {
			entry.Timestamp = fmt.Sprintf("%v", t)
		}

		extra := make(map[string]interface{})
		for k, v := range raw {
			if !knownKeys[k] {
				extra[k] = v
			}
		}
		if len(extra) > 0 {
			entry.Fields = extra
		}

		result = append(result, entry)
	}

	return result, nil
}

// stringFromMap extracts a string value from a map, returning "" if missing.
func stringFromMap(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
