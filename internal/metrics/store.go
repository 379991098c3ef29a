// Package metrics holds the latest game performance figures parsed from the
// server console log.
package metrics

import (
	"fmt"
	"sync"
	"time"
)

// Sample is one parsed performance line. Nil optional counters leave the
// stored value unchanged.
type Sample struct {
	FPS          float64
	FrameTimeAvg float64
	FrameTimeMin float64
	FrameTimeMax float64
	Players      int
	AI           *int
	AIChar       *int
	Vehicles     *int
	Line         string
}

// GameMetrics is a snapshot of the store.
type GameMetrics struct {
	FPS          float64   `json:"fps"`
	FrameTimeAvg float64   `json:"frame_time_avg"`
	FrameTimeMin float64   `json:"frame_time_min"`
	FrameTimeMax float64   `json:"frame_time_max"`
	Players      int       `json:"players"`
	AI           int       `json:"ai"`
	AIChar       int       `json:"ai_char"`
	Vehicles     int       `json:"vehicles"`
	LastLine     string    `json:"last_line"`
	Samples      uint64    `json:"samples"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Summary formats the snapshot on one line.
func (g GameMetrics) Summary() string {
	return fmt.Sprintf("FPS: %.1f, Frame Time (avg: %.1f ms, min: %.1f ms, max: %.1f ms), Players: %d, AI: %d, AIChar: %d, Veh: %d",
		g.FPS, g.FrameTimeAvg, g.FrameTimeMin, g.FrameTimeMax, g.Players, g.AI, g.AIChar, g.Vehicles)
}

// Store is written by the log processor and read by the API and telemetry.
type Store struct {
	mu      sync.RWMutex
	current GameMetrics
	now     func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{now: time.Now}
}

// Update records a sample.
func (s *Store) Update(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current.FPS = sample.FPS
	s.current.FrameTimeAvg = sample.FrameTimeAvg
	s.current.FrameTimeMin = sample.FrameTimeMin
	s.current.FrameTimeMax = sample.FrameTimeMax
	s.current.Players = sample.Players
	if sample.AI != nil {
		s.current.AI = *sample.AI
	}
	if sample.AIChar != nil {
		s.current.AIChar = *sample.AIChar
	}
	if sample.Vehicles != nil {
		s.current.Vehicles = *sample.Vehicles
	}
	s.current.LastLine = sample.Line
	s.current.Samples++
	s.current.UpdatedAt = s.now()
}

// Snapshot returns a copy of the current metrics.
func (s *Store) Snapshot() GameMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// LastLine returns the most recent matching console line, or "" if none.
func (s *Store) LastLine() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.LastLine
}
