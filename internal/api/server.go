// Package api serves the operator HTTP interface: status, positions,
// breaker control, parameter tuning, and the live event stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"crypto-signal-engine/config"
	"crypto-signal-engine/internal/engine"
	"crypto-signal-engine/internal/events"
)

// Server wraps the gin router and HTTP listener.
type Server struct {
	cfg    config.ServerConfig
	engine *engine.Engine
	hub    *events.Hub
	auth   *authManager
	log    zerolog.Logger
	http   *http.Server
}

// NewServer builds the router. The hub must already be running.
func NewServer(cfg config.ServerConfig, authCfg config.AuthConfig, eng *engine.Engine, hub *events.Hub, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		engine: eng,
		hub:    hub,
		auth:   newAuthManager(authCfg),
		log:    log.With().Str("component", "api").Logger(),
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "*" || cfg.AllowedOrigins == "" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	router.Use(cors.New(corsConfig))

	router.GET("/health", s.handleHealth)
	router.POST("/api/auth/login", s.handleLogin)
	router.GET("/ws", s.handleWebSocket)

	authed := router.Group("/api", s.auth.middleware())
	{
		authed.GET("/status", s.handleStatus)
		authed.GET("/positions", s.handlePositions)
		authed.POST("/positions/:id/close", s.handleClosePosition)
		authed.GET("/breaker", s.handleBreaker)
		authed.POST("/breaker/reset", s.handleBreakerReset)
		authed.GET("/params", s.handleGetParams)
		authed.PUT("/params", s.handleUpdateParams)
	}

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSec) * time.Second,
	}
	return s
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("api server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

type loginRequest struct {
	Token string `json:"token" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token required"})
		return
	}

	jwt, err := s.auth.login(req.Token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": jwt})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.CurrentStatus())
}

func (s *Server) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": s.engine.Positions()})
}

func (s *Server) handleClosePosition(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.RequestClose(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"position_id": id, "status": "close requested"})
}

func (s *Server) handleBreaker(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.BreakerSnapshot())
}

func (s *Server) handleBreakerReset(c *gin.Context) {
	s.engine.ResetBreaker()
	c.JSON(http.StatusOK, s.engine.BreakerSnapshot())
}

func (s *Server) handleGetParams(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Params())
}

func (s *Server) handleUpdateParams(c *gin.Context) {
	params := s.engine.Params()
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.UpdateParams(params); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.engine.Params())
}

func (s *Server) handleWebSocket(c *gin.Context) {
	s.hub.ServeWS(c.Writer, c.Request)
}
