package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/reforgermon/reforgermon/internal/rcon"
)

type commandRequest struct {
	Command string `json:"command" binding:"required"`
}

// handleRconStatus returns the RCON session state.
func (s *Server) handleRconStatus(c *gin.Context) {
	if s.deps.Rcon == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"enabled": true,
		"status":  s.deps.Rcon.Status(),
	})
}

// handleRconCommand submits a command. The reply is delivered asynchronously
// as an RCON message event carrying the returned id.
func (s *Server) handleRconCommand(c *gin.Context) {
	if s.deps.Rcon == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "RCON is disabled"})
		return
	}

	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Command) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}

	id, err := s.deps.Rcon.Submit(req.Command)
	if err != nil {
		switch {
		case errors.Is(err, rcon.ErrNotConnected):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "RCON is not connected"})
		case errors.Is(err, rcon.ErrQueueFull):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many outstanding commands"})
		default:
			log.Error().Err(err).Str("command", req.Command).Msg("failed to submit RCON command")
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
		return
	}

	log.Info().Str("command", req.Command).Int("id", id).Str("user", c.GetString("api_user")).
		Msg("RCON command submitted")
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}
