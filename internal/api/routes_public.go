package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/reforgermon/reforgermon/internal/util"
)

// Version is reported by the ping endpoint.
var Version = "1.0.0"

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"service":  "reforgermon",
		"version":  Version,
		"platform": util.GetPlatform(),
	})
}
