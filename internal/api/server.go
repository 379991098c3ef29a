package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/reforgermon/reforgermon/internal/config"
	"github.com/reforgermon/reforgermon/internal/db"
	"github.com/reforgermon/reforgermon/internal/events"
	"github.com/reforgermon/reforgermon/internal/logtail"
	"github.com/reforgermon/reforgermon/internal/metrics"
	intnet "github.com/reforgermon/reforgermon/internal/network"
	"github.com/reforgermon/reforgermon/internal/rcon"
	"github.com/reforgermon/reforgermon/internal/sysinfo"
	"github.com/reforgermon/reforgermon/internal/util"
)

// RconController is the part of the RCON client the API drives.
type RconController interface {
	Submit(text string) (int, error)
	Status() rcon.Status
}

// PlayerSource reads the player database.
type PlayerSource interface {
	Active(since time.Time) ([]db.Player, error)
	CountActive(since time.Time) (int, error)
	All() ([]db.Player, error)
}

// ConsoleSource reads the game server console log.
type ConsoleSource interface {
	LastLines(n int) ([]string, error)
	Stats() logtail.Stats
}

// HostSource samples host resource usage.
type HostSource interface {
	Collect(ctx context.Context) (sysinfo.OSData, error)
}

// Deps are the components behind the API. Rcon may be nil when RCON is
// disabled.
type Deps struct {
	Rcon    RconController
	Players PlayerSource
	Console ConsoleSource
	Host    HostSource
	Metrics *metrics.Store
}

// Server is the REST API server for ReforgerMon.
type Server struct {
	cfg      *config.Config
	eventBus *events.EventBus
	deps     Deps
	now      func() time.Time

	// HTTP server
	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, eventBus *events.EventBus, deps Deps) *Server {
	// Set Gin mode based on log level
	if cfg.GetLogging().Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg,
		eventBus: eventBus,
		deps:     deps,
		now:      time.Now,
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	backend := s.cfg.GetBackend()
	sec := s.cfg.GetSecurity()

	addr := fmt.Sprintf(":%d", backend.APIPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// TLS configuration
	if sec.TLSEnabled {
		if err := util.EnsureCertificate(sec.TLSCertFile, sec.TLSKeyFile); err != nil {
			return fmt.Errorf("failed to prepare TLS certificate: %w", err)
		}
		cert, err := tls.LoadX509KeyPair(sec.TLSCertFile, sec.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}

	ln, err := intnet.Listen(ctx, addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Bool("tls", sec.TLSEnabled).Msg("REST API server starting")

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if sec.TLSEnabled {
		err = s.httpServer.Serve(tls.NewListener(ln, s.httpServer.TLSConfig))
	} else {
		err = s.httpServer.Serve(ln)
	}

	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}

	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	sec := s.cfg.GetSecurity()
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	// CORS
	allowedOrigins := sec.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	// Rate limiting
	rateLimiter := NewRateLimiter(sec.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	// ---- Public endpoints (no auth required) ----
	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
	}

	// ---- Protected endpoints ----
	protected := router.Group("/api")
	protected.Use(BasicAuth(sec.Username, sec.Password))

	data := protected.Group("/data")
	{
		data.GET("/players", s.handlePlayers)
		data.GET("/playerdatabase", s.handlePlayerDatabase)
		data.GET("/rawdata", s.handleRawData)
		data.GET("/backendlogs", s.handleBackendLogs)
		data.GET("/consolelogstats", s.handleConsoleLogStats)
		data.GET("/osmetrics", s.handleOSMetrics)
	}

	rc := protected.Group("/rcon")
	{
		rc.GET("/status", s.handleRconStatus)
		rc.POST("/command", s.handleRconCommand)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message": "ReforgerMon API is running.",
		})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
